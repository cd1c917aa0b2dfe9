package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/skein/internal/account"
	"github.com/roach88/skein/internal/bus"
	"github.com/roach88/skein/internal/cache"
	"github.com/roach88/skein/internal/model"
	"github.com/roach88/skein/internal/store"
)

var sessionStart = time.Unix(1700000000, 0).UTC()

const me = uint64(1)

// recorder is a synchronous Publisher.
type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) Publish(_ context.Context, e bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) of(kind bus.Kind) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type fixture struct {
	p        *Pipeline
	posts    *cache.PostCache
	users    *cache.UserCache
	store    *store.Store
	rec      *recorder
	accounts *account.Registry
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{Mode: store.Volatile})
	require.NoError(t, err)

	noSweep := cache.WithScheduler(func(func()) {})
	f := &fixture{
		posts:    cache.NewPostCache(s.Posts(), noSweep),
		users:    cache.NewUserCache(s.Users(), noSweep),
		store:    s,
		rec:      &recorder{},
		accounts: account.NewRegistry(account.Viewer{ID: me, ScreenName: "me"}),
	}
	opts = append([]Option{WithSessionStart(sessionStart)}, opts...)
	f.p = New(f.posts, f.users, s.Posts(), s.Users(), f.rec, f.accounts, opts...)

	t.Cleanup(func() {
		require.NoError(t, f.p.Close(context.Background()))
		s.Close()
	})
	return f
}

func (f *fixture) register(t *testing.T, raw model.RawPost) *cache.PostEntry {
	t.Helper()
	e, err := f.p.RegisterPost(context.Background(), raw).Wait(context.Background())
	require.NoError(t, err)
	return e
}

func (f *fixture) snapshot(t *testing.T, id uint64) model.Post {
	t.Helper()
	p, ok, err := f.posts.Load(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok, "post %d not live", id)
	return p
}

func raw(id, author uint64) model.RawPost {
	return model.RawPost{ID: id, AuthorID: author, Text: "text", CreatedAt: sessionStart.Add(time.Hour)}
}

func old(r model.RawPost) model.RawPost {
	r.CreatedAt = sessionStart.Add(-time.Hour)
	return r
}

func repostOf(id, reposter uint64, orig model.RawPost) model.RawPost {
	r := raw(id, reposter)
	r.RepostOf = &orig
	return r
}

func replyTo(r model.RawPost, parent uint64) model.RawPost {
	r.InReplyToID = parent
	return r
}
