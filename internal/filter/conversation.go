package filter

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/skein/internal/model"
	"github.com/roach88/skein/internal/query"
	"github.com/roach88/skein/internal/textmatch"
)

// conversation matches the exchange between two screen names: direct
// messages between exactly those two, and public posts that mention
// either of them or sit next to a post by either in a reply chain.
type conversation struct {
	env          *Env
	user1, user2 string
}

func (c *conversation) is(name string) bool {
	return name != "" && (strings.EqualFold(name, c.user1) || strings.EqualFold(name, c.user2))
}

func (c *conversation) test(ctx context.Context, p model.Post) bool {
	if p.IsDirectMessage {
		from := c.env.screenName(ctx, p.AuthorID)
		to := c.env.screenName(ctx, p.RecipientID)
		return strings.EqualFold(from, c.user1) && strings.EqualFold(to, c.user2) ||
			strings.EqualFold(from, c.user2) && strings.EqualFold(to, c.user1)
	}

	if textmatch.MentionsAny(p.Text, c.user1, c.user2) {
		return true
	}
	if p.InReplyToUserID != 0 && c.is(c.env.screenName(ctx, p.InReplyToUserID)) {
		return true
	}
	if parent, ok := c.env.post(ctx, p.InReplyToID); ok && c.is(c.env.screenName(ctx, parent.AuthorID)) {
		return true
	}

	replies := p.RepliedFrom
	if c.env.Posts != nil {
		if e, ok := c.env.Posts.Get(p.ID, false); ok {
			replies = e.RepliedFrom()
		}
	}
	for _, id := range replies {
		if reply, ok := c.env.post(ctx, id); ok && c.is(c.env.screenName(ctx, reply.AuthorID)) {
			return true
		}
	}
	return false
}

func (c *conversation) args() []query.Value {
	return []query.Value{query.String(c.user1), query.String(c.user2)}
}

func (c *conversation) describe() string {
	return fmt.Sprintf("conversation between @%s and @%s", c.user1, c.user2)
}

// NewConversation matches the conversation between user1 and user2.
func NewConversation(env *Env, user1, user2 string, negated bool) *Base {
	return newBase("conv", negated, &conversation{
		env:   env,
		user1: strings.TrimPrefix(user1, "@"),
		user2: strings.TrimPrefix(user2, "@"),
	})
}
