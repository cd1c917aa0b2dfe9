// Package bus carries typed domain events from the cache core to its
// consumers. Each subscription owns a bounded queue drained by one worker,
// so a subscriber sees events in publish order.
package bus

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names a domain event.
type Kind string

const (
	PostAdded        Kind = "post_added"
	PostRemoved      Kind = "post_removed"
	PostChanged      Kind = "post_changed"
	PostCacheRefresh Kind = "post_cache_refresh"
	UserUpdated      Kind = "user_updated"

	Reposted       Kind = "reposted"
	Favorited      Kind = "favorited"
	Unfavorited    Kind = "unfavorited"
	Followed       Kind = "followed"
	Unfollowed     Kind = "unfollowed"
	Mentioned      Kind = "mentioned"
	DirectMessaged Kind = "direct_messaged"
)

var socialKinds = map[Kind]bool{
	Reposted:       true,
	Favorited:      true,
	Unfavorited:    true,
	Followed:       true,
	Unfollowed:     true,
	Mentioned:      true,
	DirectMessaged: true,
}

// IsSocial reports whether k is a notification-worthy social event.
func (k Kind) IsSocial() bool {
	return socialKinds[k]
}

// Event is one published notification.
//
// PostID is the post the event is about (for Reposted it is the original,
// not the pointer). SourceUserID is the acting user and TargetUserID the
// user acted upon; UserID is set for UserUpdated.
type Event struct {
	ID           uuid.UUID
	Kind         Kind
	PostID       uint64
	UserID       uint64
	SourceUserID uint64
	TargetUserID uint64
	At           time.Time
}

// Validate rejects events that cannot be routed.
func (e Event) Validate() error {
	if e.Kind == "" {
		return fmt.Errorf("event has no kind")
	}
	return nil
}

func (e Event) String() string {
	return fmt.Sprintf("%s post=%d user=%d source=%d target=%d", e.Kind, e.PostID, e.UserID, e.SourceUserID, e.TargetUserID)
}

// newEventID returns a time-ordered id, falling back to a random one if the
// v7 generator fails.
func newEventID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
