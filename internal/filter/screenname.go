package filter

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/roach88/skein/internal/account"
	"github.com/roach88/skein/internal/model"
	"github.com/roach88/skein/internal/query"
)

// matchName compares a screen name with a needle. A needle holding '*' or
// '?' is a wildcard pattern; otherwise the comparison is exact. Both ignore
// case and a leading '@'.
func matchName(name, needle string) bool {
	if name == "" {
		return false
	}
	needle = strings.ToLower(strings.TrimPrefix(needle, "@"))
	name = strings.ToLower(name)
	if strings.ContainsAny(needle, "*?") {
		ok, err := path.Match(needle, name)
		return err == nil && ok
	}
	return name == needle
}

type nameKind int

const (
	nameAuthor nameKind = iota
	nameReposter
	nameFavoriter
	nameFollowedBy
	nameFollowerOf
	nameBlockedBy
)

var nameKinds = map[nameKind]struct{ ident, format string }{
	nameAuthor:     {"user", "posts by @%s"},
	nameReposter:   {"rt_from", "posts reposted by @%s"},
	nameFavoriter:  {"fav_from", "posts favorited by @%s"},
	nameFollowedBy: {"follow_from", "posts by users @%s follows"},
	nameFollowerOf: {"follow_to", "posts by followers of @%s"},
	nameBlockedBy:  {"block_from", "posts by users @%s blocks"},
}

// screenName matches a needle against the author, the reposters or
// favoriters of a post, or against local accounts' relationships with the
// author.
type screenName struct {
	env    *Env
	kind   nameKind
	needle string

	// acceptBlocking lets follow_from pass reposts of authors that the
	// reposter's following account blocks.
	acceptBlocking bool
}

func (s *screenName) test(ctx context.Context, p model.Post) bool {
	switch s.kind {
	case nameAuthor:
		return matchName(s.env.screenName(ctx, p.AuthorID), s.needle)
	case nameReposter:
		return s.anyUser(ctx, s.derived(p, true))
	case nameFavoriter:
		return s.anyUser(ctx, s.derived(p, false))
	}

	accounts := s.accounts()
	if len(accounts) == 0 {
		return false
	}
	reg := s.env.Accounts
	switch s.kind {
	case nameFollowedBy:
		// For a repost the author is the reposter.
		if !reg.AnyHas(accounts, account.Following, p.AuthorID) {
			return false
		}
		if p.IsRepost() && !s.acceptBlocking {
			if orig, ok := s.env.post(ctx, p.RepostOfID); ok {
				return !reg.AnyHas(accounts, account.Blocking, orig.AuthorID)
			}
		}
		return true
	case nameFollowerOf:
		return reg.AnyHas(accounts, account.Followers, p.AuthorID)
	default:
		return reg.AnyHas(accounts, account.Blocking, p.AuthorID)
	}
}

// derived returns the reposters or favoriters, preferring the live entry.
func (s *screenName) derived(p model.Post, reposts bool) []uint64 {
	if s.env.Posts != nil {
		if e, ok := s.env.Posts.Get(p.ID, false); ok {
			if reposts {
				return e.RepostedBy()
			}
			return e.FavoritedBy()
		}
	}
	if reposts {
		return p.RepostedBy
	}
	return p.FavoritedBy
}

func (s *screenName) anyUser(ctx context.Context, ids []uint64) bool {
	for _, id := range ids {
		if matchName(s.env.screenName(ctx, id), s.needle) {
			return true
		}
	}
	return false
}

// accounts returns the local accounts whose screen name matches.
func (s *screenName) accounts() []uint64 {
	if s.env.Accounts == nil {
		return nil
	}
	var ids []uint64
	for _, v := range s.env.Accounts.Viewers() {
		if matchName(v.ScreenName, s.needle) {
			ids = append(ids, v.ID)
		}
	}
	return ids
}

func (s *screenName) args() []query.Value {
	args := []query.Value{query.String(s.needle)}
	if s.acceptBlocking {
		args = append(args, query.Bool(true))
	}
	return args
}

func (s *screenName) describe() string {
	d := fmt.Sprintf(nameKinds[s.kind].format, strings.TrimPrefix(s.needle, "@"))
	if s.acceptBlocking {
		d += ", including reposts of blocked users"
	}
	return d
}

func newScreenName(env *Env, kind nameKind, negated bool, needle string, acceptBlocking bool) *Base {
	return newBase(nameKinds[kind].ident, negated, &screenName{
		env:            env,
		kind:           kind,
		needle:         needle,
		acceptBlocking: acceptBlocking && kind == nameFollowedBy,
	})
}

// NewUser matches posts whose author's screen name matches needle.
func NewUser(env *Env, needle string, negated bool) *Base {
	return newScreenName(env, nameAuthor, negated, needle, false)
}

// NewRepostFrom matches posts reposted by a user matching needle.
func NewRepostFrom(env *Env, needle string, negated bool) *Base {
	return newScreenName(env, nameReposter, negated, needle, false)
}

// NewFavoriteFrom matches posts favorited by a user matching needle.
func NewFavoriteFrom(env *Env, needle string, negated bool) *Base {
	return newScreenName(env, nameFavoriter, negated, needle, false)
}

// NewFollowFrom matches posts by users that a local account matching
// needle follows. Reposts of authors that account blocks are excluded
// unless acceptBlocking is set.
func NewFollowFrom(env *Env, needle string, negated, acceptBlocking bool) *Base {
	return newScreenName(env, nameFollowedBy, negated, needle, acceptBlocking)
}

// NewFollowTo matches posts by followers of a local account matching needle.
func NewFollowTo(env *Env, needle string, negated bool) *Base {
	return newScreenName(env, nameFollowerOf, negated, needle, false)
}

// NewBlockFrom matches posts by users a local account matching needle
// blocks.
func NewBlockFrom(env *Env, needle string, negated bool) *Base {
	return newScreenName(env, nameBlockedBy, negated, needle, false)
}
