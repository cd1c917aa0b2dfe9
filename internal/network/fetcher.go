// Package network defines the contract of the remote social API as the
// cache core sees it, plus a replay implementation that serves recorded
// payloads.
package network

import (
	"context"
	"errors"

	"github.com/roach88/skein/internal/model"
)

var (
	// ErrNotFound means the remote has no such record right now. Retryable.
	ErrNotFound = errors.New("not found")

	// ErrServerDeleted means the remote confirmed the record is gone for
	// good. Never retried.
	ErrServerDeleted = errors.New("deleted on server")
)

// Fetcher is the on-demand lookup surface of the network collaborator.
type Fetcher interface {
	// FetchPost returns a single post with its embedded author.
	FetchPost(ctx context.Context, id uint64) (model.RawPost, error)

	// FetchUserByScreenName looks a profile up by handle.
	FetchUserByScreenName(ctx context.Context, screenName string) (model.User, error)

	// FetchListMembers returns the member ids of owner's list slug.
	FetchListMembers(ctx context.Context, owner, slug string) ([]uint64, error)
}
