package filter

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/roach88/skein/internal/model"
	"github.com/roach88/skein/internal/query"
)

// list matches the timeline of a member list: posts by members that are
// not replies to non-members. Until the roster is resolved nothing
// matches; resolution runs in the background and then asks for a full
// re-test. A resolution that gave up is restarted by the next test.
type list struct {
	env         *Env
	owner, slug string
	base        *Base
	requested   atomic.Bool
}

func (l *list) test(_ context.Context, p model.Post) bool {
	if l.env.Rosters == nil {
		return false
	}
	member, resolved := l.env.Rosters.Contains(l.owner, l.slug, p.AuthorID)
	if !resolved {
		l.request()
		return false
	}
	if !member {
		return false
	}
	if p.IsDirectMessage || p.InReplyToUserID == 0 {
		return true
	}
	inList, _ := l.env.Rosters.Contains(l.owner, l.slug, p.InReplyToUserID)
	return inList
}

func (l *list) request() {
	if l.requested.Swap(true) {
		// The roster keeps our waiter across a failed resolution, so only
		// the fetch needs restarting.
		if l.env.Rosters.Idle(l.owner, l.slug) {
			l.env.Rosters.Resolve(l.owner, l.slug, nil)
		}
		return
	}
	cancel := l.env.Rosters.Resolve(l.owner, l.slug, l.base.signals.RaiseReaccept)
	l.base.onDispose(cancel)

	// The roster may have resolved between Contains and Resolve, in which
	// case no callback is coming.
	if _, resolved := l.env.Rosters.Contains(l.owner, l.slug, 0); resolved {
		go l.base.signals.RaiseReaccept()
	}
}

func (l *list) args() []query.Value {
	return []query.Value{query.String(l.owner), query.String(l.slug)}
}

func (l *list) describe() string {
	return fmt.Sprintf("timeline of list @%s/%s", l.owner, l.slug)
}

// NewList matches the timeline of the list owner/slug.
func NewList(env *Env, owner, slug string, negated bool) *Base {
	l := &list{env: env, owner: owner, slug: slug}
	b := newBase("list", negated, l)
	l.base = b
	return b
}
