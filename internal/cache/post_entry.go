package cache

import (
	"context"
	"sync"

	"github.com/roach88/skein/internal/model"
)

// PostEntry is a post's cache entry. The derived sets live on the entry, not
// in the payload slot, so they stay current while the payload is released.
type PostEntry struct {
	Entry[model.Post]

	setsMu      sync.RWMutex
	repostedBy  idSet
	favoritedBy idSet
	repliedFrom idSet
}

func newPostEntry(id uint64, res *residency, loader Loader[model.Post]) *PostEntry {
	return &PostEntry{Entry: Entry[model.Post]{id: id, res: res, loader: loader}}
}

// Snapshot returns the payload with the current derived sets merged in.
// ok is false for a placeholder.
func (e *PostEntry) Snapshot(ctx context.Context) (model.Post, bool, error) {
	p, ok, err := e.Load(ctx)
	if err != nil || !ok {
		return model.Post{}, ok, err
	}
	return e.merge(p), true, nil
}

// ReadSnapshot is Snapshot on top of Read: a released payload stays
// released.
func (e *PostEntry) ReadSnapshot(ctx context.Context) (model.Post, bool, error) {
	p, ok, err := e.Read(ctx)
	if err != nil || !ok {
		return model.Post{}, ok, err
	}
	return e.merge(p), true, nil
}

// PeekSnapshot is Snapshot without reload or access refresh.
func (e *PostEntry) PeekSnapshot() (model.Post, bool) {
	p, ok := e.Peek()
	if !ok {
		return model.Post{}, false
	}
	return e.merge(p), true
}

func (e *PostEntry) merge(p model.Post) model.Post {
	e.setsMu.RLock()
	defer e.setsMu.RUnlock()

	p.RepostedBy = e.repostedBy.clone()
	p.FavoritedBy = e.favoritedBy.clone()
	p.RepliedFrom = e.repliedFrom.clone()
	return p
}

// absorb unions the derived sets carried on a record into the entry.
func (e *PostEntry) absorb(p model.Post) {
	e.setsMu.Lock()
	defer e.setsMu.Unlock()

	for _, id := range p.RepostedBy {
		e.repostedBy.add(id)
	}
	for _, id := range p.FavoritedBy {
		e.favoritedBy.add(id)
	}
	for _, id := range p.RepliedFrom {
		e.repliedFrom.add(id)
	}
}

func (e *PostEntry) mutate(set *idSet, id uint64, add bool) bool {
	if id == 0 {
		return false
	}
	e.setsMu.Lock()
	defer e.setsMu.Unlock()
	if add {
		return set.add(id)
	}
	return set.remove(id)
}

// AddRepostedBy records userID as a reposter. Returns false if already present.
func (e *PostEntry) AddRepostedBy(userID uint64) bool { return e.mutate(&e.repostedBy, userID, true) }

// RemoveRepostedBy drops userID from the reposters.
func (e *PostEntry) RemoveRepostedBy(userID uint64) bool {
	return e.mutate(&e.repostedBy, userID, false)
}

// AddFavoritedBy records userID as a favoriter.
func (e *PostEntry) AddFavoritedBy(userID uint64) bool {
	return e.mutate(&e.favoritedBy, userID, true)
}

// RemoveFavoritedBy drops userID from the favoriters.
func (e *PostEntry) RemoveFavoritedBy(userID uint64) bool {
	return e.mutate(&e.favoritedBy, userID, false)
}

// AddRepliedFrom records a reply post id.
func (e *PostEntry) AddRepliedFrom(postID uint64) bool {
	return e.mutate(&e.repliedFrom, postID, true)
}

// RemoveRepliedFrom drops a reply post id.
func (e *PostEntry) RemoveRepliedFrom(postID uint64) bool {
	return e.mutate(&e.repliedFrom, postID, false)
}

// RepostCount returns the number of distinct reposters.
func (e *PostEntry) RepostCount() int {
	e.setsMu.RLock()
	defer e.setsMu.RUnlock()
	return len(e.repostedBy)
}

// FavoriteCount returns the number of distinct favoriters.
func (e *PostEntry) FavoriteCount() int {
	e.setsMu.RLock()
	defer e.setsMu.RUnlock()
	return len(e.favoritedBy)
}

// ReplyCount returns the number of known replies.
func (e *PostEntry) ReplyCount() int {
	e.setsMu.RLock()
	defer e.setsMu.RUnlock()
	return len(e.repliedFrom)
}

// RepostedBy returns a copy of the reposter ids.
func (e *PostEntry) RepostedBy() []uint64 {
	e.setsMu.RLock()
	defer e.setsMu.RUnlock()
	return e.repostedBy.clone()
}

// FavoritedBy returns a copy of the favoriter ids.
func (e *PostEntry) FavoritedBy() []uint64 {
	e.setsMu.RLock()
	defer e.setsMu.RUnlock()
	return e.favoritedBy.clone()
}

// RepliedFrom returns a copy of the reply ids.
func (e *PostEntry) RepliedFrom() []uint64 {
	e.setsMu.RLock()
	defer e.setsMu.RUnlock()
	return e.repliedFrom.clone()
}

// IsRepostedBy reports whether userID reposted this post.
func (e *PostEntry) IsRepostedBy(userID uint64) bool {
	e.setsMu.RLock()
	defer e.setsMu.RUnlock()
	return e.repostedBy.has(userID)
}

// IsFavoritedBy reports whether userID favorited this post.
func (e *PostEntry) IsFavoritedBy(userID uint64) bool {
	e.setsMu.RLock()
	defer e.setsMu.RUnlock()
	return e.favoritedBy.has(userID)
}
