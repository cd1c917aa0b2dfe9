package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/skein/internal/model"
)

// createTestStore opens a volatile store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, Options{Mode: Volatile})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPost(id, author, replyTo uint64) model.Post {
	return model.Post{
		ID:          id,
		Text:        "post",
		AuthorID:    author,
		CreatedAt:   time.Unix(1700000000, 0).UTC(),
		InReplyToID: replyTo,
	}
}

func testUser(id uint64, screenName string, modified int64) model.User {
	return model.User{
		ID:             id,
		ScreenName:     screenName,
		CreatedAt:      time.Unix(1600000000, 0).UTC(),
		LastModifiedAt: modified,
	}
}
