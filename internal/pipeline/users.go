package pipeline

import (
	"context"

	"github.com/roach88/skein/internal/account"
	"github.com/roach88/skein/internal/bus"
	"github.com/roach88/skein/internal/cache"
	"github.com/roach88/skein/internal/model"
)

// RegisterUser queues a profile update. Updates older than the cached or
// stored profile are discarded quietly: the future resolves with the
// current entry and no error.
func (p *Pipeline) RegisterUser(ctx context.Context, u model.User) *Future[*cache.Entry[model.User]] {
	if err := u.Validate(); err != nil {
		p.logger.Warn("corrupt user rejected", "error", err)
		return failedFuture[*cache.Entry[model.User]](err)
	}

	return submit(p, "register user", u.ID, newFuture[*cache.Entry[model.User]](), func(ctx context.Context) (*cache.Entry[model.User], error) {
		entry, changed, err := p.users.Merge(ctx, u)
		if model.IsStaleWrite(err) {
			p.stats.usersStale.Add(1)
			p.logger.Debug("stale user update discarded", "user_id", u.ID, "error", err)
			return entry, nil
		}
		if err != nil {
			return entry, err
		}
		if !changed {
			return entry, nil
		}

		var storeErr error
		if err := p.userStore.Put(ctx, u); err != nil && !model.IsStaleWrite(err) {
			entry.MarkUnpersisted()
			p.stats.storeFailures.Add(1)
			storeErr = model.NewStoreUnavailableError(u.ID, err)
		} else {
			entry.MarkPersisted()
		}

		p.stats.usersUpdated.Add(1)
		p.publish(ctx, bus.Event{Kind: bus.UserUpdated, UserID: u.ID})
		return entry, storeErr
	})
}

// RegisterFollow records from following to.
func (p *Pipeline) RegisterFollow(ctx context.Context, from, to uint64) *Future[bool] {
	return p.follow(ctx, from, to, true)
}

// RemoveFollow records from unfollowing to.
func (p *Pipeline) RemoveFollow(ctx context.Context, from, to uint64) *Future[bool] {
	return p.follow(ctx, from, to, false)
}

// follow keeps local relationship sets current. A notification is emitted
// only when a remote user (un)follows a local account.
func (p *Pipeline) follow(ctx context.Context, from, to uint64, add bool) *Future[bool] {
	if from == 0 || to == 0 {
		return failedFuture[bool](model.NewCorruptRecordError(from, "follow needs source and target ids"))
	}
	return submit(p, "follow", from, newFuture[bool](), func(ctx context.Context) (bool, error) {
		changedFrom := p.accounts.Update(from, account.Following, to, add)
		changedTo := p.accounts.Update(to, account.Followers, from, add)

		kind := bus.Followed
		if !add {
			kind = bus.Unfollowed
		}
		switch {
		case !p.accounts.IsLocal(to):
		case p.accounts.IsLocal(from):
			p.suppress(kind, "local follower", from)
		case changedTo:
			p.emitSocial(ctx, bus.Event{Kind: kind, SourceUserID: from, TargetUserID: to}, nil)
		}
		return changedFrom || changedTo, nil
	})
}
