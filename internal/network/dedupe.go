package network

import (
	"context"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/skein/internal/model"
)

// Deduped collapses concurrent identical lookups into one remote call.
// Mention-tree walks and list filters often ask for the same id at once.
type Deduped struct {
	next  Fetcher
	group singleflight.Group
}

// NewDeduped wraps next.
func NewDeduped(next Fetcher) *Deduped {
	return &Deduped{next: next}
}

// FetchPost implements Fetcher.
func (d *Deduped) FetchPost(ctx context.Context, id uint64) (model.RawPost, error) {
	v, err, _ := d.group.Do("post:"+strconv.FormatUint(id, 10), func() (any, error) {
		return d.next.FetchPost(ctx, id)
	})
	if err != nil {
		return model.RawPost{}, err
	}
	return v.(model.RawPost), nil
}

// FetchUserByScreenName implements Fetcher.
func (d *Deduped) FetchUserByScreenName(ctx context.Context, screenName string) (model.User, error) {
	v, err, _ := d.group.Do("user:"+strings.ToLower(screenName), func() (any, error) {
		return d.next.FetchUserByScreenName(ctx, screenName)
	})
	if err != nil {
		return model.User{}, err
	}
	return v.(model.User), nil
}

// FetchListMembers implements Fetcher. Callers get their own copy of the
// shared result.
func (d *Deduped) FetchListMembers(ctx context.Context, owner, slug string) ([]uint64, error) {
	key := "list:" + strings.ToLower(owner) + "/" + strings.ToLower(slug)
	v, err, _ := d.group.Do(key, func() (any, error) {
		return d.next.FetchListMembers(ctx, owner, slug)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]uint64)), nil
}
