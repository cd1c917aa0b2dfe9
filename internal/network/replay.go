package network

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/skein/internal/model"
)

// Replay serves lookups from records loaded out of a recorded stream.
// It stands in for the live API in the CLI and in tests.
type Replay struct {
	mu      sync.RWMutex
	posts   map[uint64]model.RawPost
	users   map[string]model.User
	lists   map[string][]uint64
	deleted map[uint64]struct{}
	failing map[uint64]int
}

// NewReplay creates an empty replay fetcher.
func NewReplay() *Replay {
	return &Replay{
		posts:   make(map[uint64]model.RawPost),
		users:   make(map[string]model.User),
		lists:   make(map[string][]uint64),
		deleted: make(map[uint64]struct{}),
		failing: make(map[uint64]int),
	}
}

func listKey(owner, slug string) string {
	return strings.ToLower(owner) + "/" + strings.ToLower(slug)
}

// Add indexes one record. Posts embedded in reposts and embedded authors
// are indexed too.
func (r *Replay) Add(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch rec.Kind {
	case KindPost:
		for p := rec.Post; p != nil; p = p.RepostOf {
			r.posts[p.ID] = *p
			if p.Author != nil && p.Author.ScreenName != "" {
				r.users[strings.ToLower(p.Author.ScreenName)] = *p.Author
			}
		}
	case KindUser:
		r.users[strings.ToLower(rec.User.ScreenName)] = *rec.User
	case KindDelete:
		r.deleted[rec.ID] = struct{}{}
		delete(r.posts, rec.ID)
	case KindList:
		r.lists[listKey(rec.Owner, rec.Slug)] = slices.Clone(rec.Members)
	}
}

// AddPost indexes a raw post directly.
func (r *Replay) AddPost(p model.RawPost) {
	r.Add(Record{Kind: KindPost, Post: &p})
}

// MarkDeleted makes FetchPost report id as server-deleted.
func (r *Replay) MarkDeleted(id uint64) {
	r.Add(Record{Kind: KindDelete, ID: id})
}

// FailNext makes the next n fetches of id fail with a transient error.
func (r *Replay) FailNext(id uint64, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing[id] = n
}

// FetchPost implements Fetcher.
func (r *Replay) FetchPost(ctx context.Context, id uint64) (model.RawPost, error) {
	if err := ctx.Err(); err != nil {
		return model.RawPost{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if n := r.failing[id]; n > 0 {
		r.failing[id] = n - 1
		return model.RawPost{}, fmt.Errorf("fetch post %d: transient failure", id)
	}
	if _, gone := r.deleted[id]; gone {
		return model.RawPost{}, fmt.Errorf("fetch post %d: %w", id, ErrServerDeleted)
	}
	p, ok := r.posts[id]
	if !ok {
		return model.RawPost{}, fmt.Errorf("fetch post %d: %w", id, ErrNotFound)
	}
	return p, nil
}

// FetchUserByScreenName implements Fetcher.
func (r *Replay) FetchUserByScreenName(ctx context.Context, screenName string) (model.User, error) {
	if err := ctx.Err(); err != nil {
		return model.User{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[strings.ToLower(screenName)]
	if !ok {
		return model.User{}, fmt.Errorf("fetch user %q: %w", screenName, ErrNotFound)
	}
	return u, nil
}

// FetchListMembers implements Fetcher.
func (r *Replay) FetchListMembers(ctx context.Context, owner, slug string) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.lists[listKey(owner, slug)]
	if !ok {
		return nil, fmt.Errorf("fetch list %s/%s: %w", owner, slug, ErrNotFound)
	}
	return slices.Clone(members), nil
}
