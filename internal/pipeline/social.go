package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/roach88/skein/internal/bus"
	"github.com/roach88/skein/internal/model"
	"github.com/roach88/skein/internal/textmatch"
)

// emitSocial logs and publishes a notification unless the mute predicate
// matches its subject post.
func (p *Pipeline) emitSocial(ctx context.Context, e bus.Event, subject *model.Post) {
	if subject != nil {
		if h := p.mute.Load(); h != nil && h.m.Match(ctx, *subject) {
			p.stats.eventsMuted.Add(1)
			p.logger.Debug("event muted", "kind", e.Kind, "post_id", subject.ID)
			return
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	e.ID = id
	p.log.append(e)
	p.stats.eventsEmitted.Add(1)
	p.publish(ctx, e)
}

func (p *Pipeline) suppress(kind bus.Kind, reason string, id uint64) {
	p.stats.eventsSuppressed.Add(1)
	p.logger.Debug("event suppressed", "kind", kind, "reason", reason, "id", id)
}

// repostEvent notifies about repost of orig. Only reposts touching a
// local account are notifications. A local reposter is never notified, and
// a repost made during the session of an original older than the session
// is treated as backfill.
func (p *Pipeline) repostEvent(ctx context.Context, repost, orig model.Post) {
	reposterLocal := p.accounts.IsLocal(repost.AuthorID)
	if !reposterLocal && !p.accounts.IsLocal(orig.AuthorID) {
		return
	}
	if reposterLocal {
		p.suppress(bus.Reposted, "local reposter", repost.ID)
		return
	}
	if !repost.CreatedAt.Before(p.sessionStart) && orig.CreatedAt.Before(p.sessionStart) {
		p.suppress(bus.Reposted, "original predates session", repost.ID)
		return
	}
	p.emitSocial(ctx, bus.Event{
		Kind:         bus.Reposted,
		PostID:       orig.ID,
		SourceUserID: repost.AuthorID,
		TargetUserID: orig.AuthorID,
	}, &orig)
}

// arrivalEvents emits Mentioned and DirectMessaged for a newly added post.
func (p *Pipeline) arrivalEvents(ctx context.Context, post model.Post) {
	if post.IsRepost() {
		return
	}

	var (
		kind   bus.Kind
		target uint64
	)
	switch {
	case post.IsDirectMessage:
		if !p.accounts.IsLocal(post.RecipientID) && !p.accounts.IsLocal(post.AuthorID) {
			return
		}
		kind, target = bus.DirectMessaged, post.RecipientID
	default:
		for _, v := range p.accounts.Viewers() {
			if v.ID == post.InReplyToUserID || textmatch.MentionsAny(post.Text, v.ScreenName) {
				kind, target = bus.Mentioned, v.ID
				break
			}
		}
		if kind == "" {
			return
		}
	}

	if p.accounts.IsLocal(post.AuthorID) {
		p.suppress(kind, "local author", post.ID)
		return
	}
	if post.CreatedAt.Before(p.sessionStart) {
		p.suppress(kind, "predates session", post.ID)
		return
	}
	p.emitSocial(ctx, bus.Event{
		Kind:         kind,
		PostID:       post.ID,
		SourceUserID: post.AuthorID,
		TargetUserID: target,
	}, &post)
}
