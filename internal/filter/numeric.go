package filter

import (
	"context"
	"fmt"

	"github.com/roach88/skein/internal/bus"
	"github.com/roach88/skein/internal/cache"
	"github.com/roach88/skein/internal/model"
	"github.com/roach88/skein/internal/query"
)

type countKind int

const (
	countReposts countKind = iota
	countFavorites
	countReplies
)

var countNames = map[countKind]struct{ ident, noun string }{
	countReposts:   {"rt_count", "repost"},
	countFavorites: {"fav_count", "favorite"},
	countReplies:   {"reply_count", "reply"},
}

// count tests a derived count against a range. The count is read from the
// cache entry at evaluation time so it tracks repost and favorite events.
type count struct {
	env  *Env
	kind countKind
	rng  query.Range
}

func (c *count) test(_ context.Context, p model.Post) bool {
	return c.rng.Contains(int64(c.value(p)))
}

func (c *count) value(p model.Post) int {
	if c.env.Posts != nil {
		if e, ok := c.env.Posts.Get(p.ID, false); ok {
			return c.fromEntry(e)
		}
	}
	switch c.kind {
	case countReposts:
		return len(p.RepostedBy)
	case countFavorites:
		return len(p.FavoritedBy)
	default:
		return len(p.RepliedFrom)
	}
}

func (c *count) fromEntry(e *cache.PostEntry) int {
	switch c.kind {
	case countReposts:
		return e.RepostCount()
	case countFavorites:
		return e.FavoriteCount()
	default:
		return e.ReplyCount()
	}
}

func (c *count) args() []query.Value { return []query.Value{c.rng} }

func (c *count) describe() string {
	return fmt.Sprintf("%s count in %s", countNames[c.kind].noun, c.rng)
}

func newCount(env *Env, kind countKind, negated bool, rng query.Range) *Base {
	b := newBase(countNames[kind].ident, negated, &count{env: env, kind: kind, rng: rng})
	// Derived sets change with PostChanged; removing a post changes the
	// counts of whatever it pointed at, which also arrives as PostChanged.
	b.subscribe(env, []bus.Kind{bus.PostChanged}, func(e bus.Event) {
		b.signals.RaisePartialReaccept(e.PostID)
	})
	return b
}

// NewRepostCount matches posts whose repost count lies in rng.
func NewRepostCount(env *Env, negated bool, rng query.Range) *Base {
	return newCount(env, countReposts, negated, rng)
}

// NewFavoriteCount matches posts whose favorite count lies in rng.
func NewFavoriteCount(env *Env, negated bool, rng query.Range) *Base {
	return newCount(env, countFavorites, negated, rng)
}

// NewReplyCount matches posts whose reply count lies in rng.
func NewReplyCount(env *Env, negated bool, rng query.Range) *Base {
	return newCount(env, countReplies, negated, rng)
}
