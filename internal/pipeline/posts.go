package pipeline

import (
	"context"
	"errors"
	"slices"

	"github.com/roach88/skein/internal/bus"
	"github.com/roach88/skein/internal/cache"
	"github.com/roach88/skein/internal/model"
)

// RegisterPost queues raw for registration and returns its future.
//
// Embedded author and recipient profiles are queued first. A repost queues
// its original before itself, so by the time the pointer is processed the
// original's registration has completed.
func (p *Pipeline) RegisterPost(ctx context.Context, raw model.RawPost) *Future[*cache.PostEntry] {
	post := raw.Record()
	post.Text = ExpandURLs(raw.Text, raw.URLs)

	if err := post.Validate(); err != nil {
		p.stats.postsRejected.Add(1)
		p.logger.Warn("corrupt post rejected", "post_id", raw.ID, "error", err)
		return failedFuture[*cache.PostEntry](err)
	}

	if raw.Author != nil {
		p.RegisterUser(ctx, *raw.Author)
	}
	if raw.Recipient != nil {
		p.RegisterUser(ctx, *raw.Recipient)
	}

	var orig *Future[*cache.PostEntry]
	if raw.RepostOf != nil {
		orig = p.RegisterPost(ctx, *raw.RepostOf)
	}

	return submit(p, "register post", post.ID, newFuture[*cache.PostEntry](), func(ctx context.Context) (*cache.PostEntry, error) {
		return p.registerPost(ctx, post, orig)
	})
}

func (p *Pipeline) registerPost(ctx context.Context, post model.Post, orig *Future[*cache.PostEntry]) (*cache.PostEntry, error) {
	entry, added, err := p.posts.Insert(post)
	if err != nil {
		if model.IsTombstoned(err) {
			p.logger.Debug("registration of deleted post ignored", "post_id", post.ID)
		} else {
			p.logger.Warn("post rejected", "post_id", post.ID, "error", err)
		}
		p.stats.postsRejected.Add(1)
		return nil, err
	}
	if !added {
		p.stats.postsDuplicate.Add(1)
		return entry, nil
	}
	p.stats.postsAdded.Add(1)
	p.logger.Debug("post registered", "post_id", post.ID, "author_id", post.AuthorID)

	var errs []error
	if err := p.persistPost(ctx, entry); err != nil {
		errs = append(errs, err)
	}

	errs = append(errs, p.linkReplies(ctx, post, entry)...)

	if post.IsRepost() {
		errs = append(errs, p.attributeRepost(ctx, post, orig)...)
	}

	p.publish(ctx, bus.Event{Kind: bus.PostAdded, PostID: post.ID, UserID: post.AuthorID})
	p.arrivalEvents(ctx, post)

	return entry, errors.Join(errs...)
}

// linkReplies attaches post to its parent and adopts earlier orphans that
// reply to post.
func (p *Pipeline) linkReplies(ctx context.Context, post model.Post, entry *cache.PostEntry) []error {
	var errs []error

	if post.InReplyToID != 0 && post.InReplyToID != post.ID {
		parent, ok := p.posts.Get(post.InReplyToID, true)
		if ok && parent.AddRepliedFrom(post.ID) {
			if err := p.changed(ctx, parent); err != nil {
				errs = append(errs, err)
			}
		}
	}

	orphans, err := p.postStore.RepliesTo(ctx, post.ID)
	if err != nil {
		p.logger.Warn("orphan reply scan failed", "post_id", post.ID, "error", err)
	}
	var adopted bool
	for _, id := range orphans {
		if id != post.ID && entry.AddRepliedFrom(id) {
			adopted = true
		}
	}
	if adopted {
		if err := p.persistPost(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}

	// Replies that were waiting on this post refresh their reply context.
	for _, id := range entry.RepliedFrom() {
		if p.posts.Contains(id) == model.Exists {
			p.publish(ctx, bus.Event{Kind: bus.PostChanged, PostID: id})
		}
	}
	return errs
}

// attributeRepost records the reposter on the original and notifies.
func (p *Pipeline) attributeRepost(ctx context.Context, repost model.Post, orig *Future[*cache.PostEntry]) []error {
	var origEntry *cache.PostEntry
	if orig != nil {
		// The original's job ran earlier on this worker, so this never blocks.
		e, err := orig.Wait(ctx)
		if e == nil && err != nil {
			p.logger.Debug("repost original unavailable", "post_id", repost.ID, "original_id", repost.RepostOfID, "error", err)
			return nil
		}
		origEntry = e
	} else if e, ok := p.posts.Get(repost.RepostOfID, false); ok && p.posts.Contains(repost.RepostOfID) == model.Exists {
		origEntry = e
	}
	if origEntry == nil {
		return nil
	}

	var errs []error
	if origEntry.AddRepostedBy(repost.AuthorID) {
		if err := p.changed(ctx, origEntry); err != nil {
			errs = append(errs, err)
		}
	}

	origPost, ok, err := origEntry.Snapshot(ctx)
	if err != nil {
		return append(errs, err)
	}
	if ok {
		p.repostEvent(ctx, repost, origPost)
	}
	return errs
}

// changed persists a live entry after a derived-set mutation and publishes
// PostChanged. Placeholders only change in memory.
func (p *Pipeline) changed(ctx context.Context, e *cache.PostEntry) error {
	if p.posts.Contains(e.ID()) != model.Exists {
		return nil
	}
	err := p.persistPost(ctx, e)
	p.publish(ctx, bus.Event{Kind: bus.PostChanged, PostID: e.ID()})
	return err
}

// Remove tombstones id: it is dropped from the cache and store and can
// never be registered again. If it was a repost pointer the original loses
// the reposter; if it was a reply the parent loses the reply link.
func (p *Pipeline) Remove(ctx context.Context, id uint64) *Future[bool] {
	return submit(p, "remove post", id, newFuture[bool](), func(ctx context.Context) (bool, error) {
		return p.remove(ctx, id, true)
	})
}

// Trim drops id from memory without tombstoning. The stored record stays
// and the id may be registered again.
func (p *Pipeline) Trim(ctx context.Context, id uint64) *Future[bool] {
	return submit(p, "trim post", id, newFuture[bool](), func(ctx context.Context) (bool, error) {
		return p.remove(ctx, id, false)
	})
}

func (p *Pipeline) remove(ctx context.Context, id uint64, tombstone bool) (bool, error) {
	if id == 0 {
		return false, nil
	}

	var snap model.Post
	var hadPayload bool
	if e, ok := p.posts.Get(id, false); ok {
		s, ok, err := e.Snapshot(ctx)
		if err != nil {
			p.logger.Warn("reload before removal failed", "post_id", id, "error", err)
		}
		snap, hadPayload = s, ok
	}

	var removed bool
	if tombstone {
		_, removed = p.posts.Tombstone(id)
	} else {
		_, removed = p.posts.Remove(id)
	}

	var errs []error
	if tombstone {
		if err := p.postStore.Delete(ctx, id); err != nil {
			p.stats.storeFailures.Add(1)
			errs = append(errs, model.NewStoreUnavailableError(id, err))
		}
		if hadPayload {
			errs = append(errs, p.cascadeRemoval(ctx, snap)...)
		}
	}

	if removed {
		p.stats.postsRemoved.Add(1)
		p.publish(ctx, bus.Event{Kind: bus.PostRemoved, PostID: id})
	}
	return removed, errors.Join(errs...)
}

func (p *Pipeline) cascadeRemoval(ctx context.Context, snap model.Post) []error {
	var errs []error
	if snap.IsRepost() {
		if orig, ok := p.posts.Get(snap.RepostOfID, false); ok && orig.RemoveRepostedBy(snap.AuthorID) {
			if err := p.changed(ctx, orig); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if snap.InReplyToID != 0 {
		if parent, ok := p.posts.Get(snap.InReplyToID, false); ok && parent.RemoveRepliedFrom(snap.ID) {
			if err := p.changed(ctx, parent); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

// RegisterFavorite records userID favoriting postID.
func (p *Pipeline) RegisterFavorite(ctx context.Context, postID, userID uint64) *Future[bool] {
	return p.favorite(ctx, postID, userID, true)
}

// RemoveFavorite records userID unfavoriting postID.
func (p *Pipeline) RemoveFavorite(ctx context.Context, postID, userID uint64) *Future[bool] {
	return p.favorite(ctx, postID, userID, false)
}

func (p *Pipeline) favorite(ctx context.Context, postID, userID uint64, add bool) *Future[bool] {
	if postID == 0 || userID == 0 {
		return failedFuture[bool](model.NewCorruptRecordError(postID, "favorite needs post and user ids"))
	}
	return submit(p, "favorite", postID, newFuture[bool](), func(ctx context.Context) (bool, error) {
		entry, ok := p.posts.Get(postID, add)
		if !ok {
			return false, nil
		}

		var changed bool
		if add {
			changed = entry.AddFavoritedBy(userID)
		} else {
			changed = entry.RemoveFavoritedBy(userID)
		}
		if !changed {
			return false, nil
		}
		err := p.changed(ctx, entry)

		kind := bus.Favorited
		if !add {
			kind = bus.Unfavorited
		}
		if p.accounts.IsLocal(userID) {
			p.suppress(kind, "local favoriter", postID)
			return true, err
		}

		e := bus.Event{Kind: kind, PostID: postID, SourceUserID: userID}
		post, ok := entry.PeekSnapshot()
		if ok {
			e.TargetUserID = post.AuthorID
			p.emitSocial(ctx, e, &post)
		} else {
			p.emitSocial(ctx, e, nil)
		}
		return true, err
	})
}

// ExpandURLs replaces wrapped links by their expanded form. Spans are rune
// offsets and are applied from the highest start down so earlier offsets
// stay valid. Invalid or overlapping spans are skipped.
func ExpandURLs(text string, spans []model.URLSpan) string {
	if len(spans) == 0 {
		return text
	}
	sorted := slices.Clone(spans)
	slices.SortFunc(sorted, func(a, b model.URLSpan) int { return b.Start - a.Start })

	runes := []rune(text)
	limit := len(runes)
	for _, s := range sorted {
		if s.Start < 0 || s.End < s.Start || s.End > limit {
			continue
		}
		repl := s.ExpandedURL
		if repl == "" {
			repl = s.URL
		}
		if repl == "" {
			continue
		}
		runes = slices.Concat(runes[:s.Start], []rune(repl), runes[s.End:])
		limit = s.Start
	}
	return string(runes)
}
