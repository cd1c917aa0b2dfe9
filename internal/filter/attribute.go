package filter

import (
	"context"

	"github.com/roach88/skein/internal/model"
	"github.com/roach88/skein/internal/query"
)

type attributeKind int

const (
	attrDirectMessage attributeKind = iota
	attrProtected
	attrVerified
	attrRepost
)

// attribute tests a flag of the post or its author.
type attribute struct {
	env  *Env
	kind attributeKind
}

func (a attribute) test(ctx context.Context, p model.Post) bool {
	switch a.kind {
	case attrDirectMessage:
		return p.IsDirectMessage
	case attrRepost:
		return p.IsRepost()
	case attrProtected:
		u, ok := a.env.user(ctx, p.AuthorID)
		return ok && u.IsProtected
	case attrVerified:
		u, ok := a.env.user(ctx, p.AuthorID)
		return ok && u.IsVerified
	}
	return false
}

func (attribute) args() []query.Value { return nil }

func (a attribute) describe() string {
	switch a.kind {
	case attrDirectMessage:
		return "direct messages"
	case attrProtected:
		return "posts by protected users"
	case attrVerified:
		return "posts by verified users"
	default:
		return "reposts"
	}
}

// NewDirectMessage matches direct messages.
func NewDirectMessage(negated bool) *Base {
	return newBase("dmsg", negated, attribute{kind: attrDirectMessage})
}

// NewRepost matches repost pointers.
func NewRepost(negated bool) *Base {
	return newBase("retweeted", negated, attribute{kind: attrRepost})
}

// NewProtected matches posts whose author is protected.
func NewProtected(env *Env, negated bool) *Base {
	return newBase("protected", negated, attribute{env: env, kind: attrProtected})
}

// NewVerified matches posts whose author is verified.
func NewVerified(env *Env, negated bool) *Base {
	return newBase("verified", negated, attribute{env: env, kind: attrVerified})
}
