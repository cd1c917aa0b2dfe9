package session

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/skein/internal/cache"
	"github.com/roach88/skein/internal/pipeline"
)

// Stats is a point-in-time view of the whole session.
type Stats struct {
	Session     string         `json:"session" yaml:"session"`
	Started     time.Time      `json:"started" yaml:"started"`
	Posts       cache.Stats    `json:"posts" yaml:"posts"`
	Users       cache.Stats    `json:"users" yaml:"users"`
	Pipeline    pipeline.Stats `json:"pipeline" yaml:"pipeline"`
	Published   int64          `json:"events_published" yaml:"events_published"`
	Dropped     int64          `json:"events_dropped" yaml:"events_dropped"`
	Timelines   int            `json:"timelines" yaml:"timelines"`
	StoredPosts int            `json:"stored_posts" yaml:"stored_posts"`
	StoredUsers int            `json:"stored_users" yaml:"stored_users"`
}

// Stats gathers counters from every component. Store counts need a query
// and fail once the session is closed.
func (s *Session) Stats(ctx context.Context) (Stats, error) {
	published, dropped := s.bus.Stats()

	s.mu.Lock()
	timelines := len(s.timelines)
	s.mu.Unlock()

	st := Stats{
		Session:   s.id.String(),
		Started:   s.started,
		Posts:     s.posts.Stats(),
		Users:     s.users.Stats(),
		Pipeline:  s.pipeline.Stats(),
		Published: published,
		Dropped:   dropped,
		Timelines: timelines,
	}

	var err error
	if st.StoredPosts, err = s.store.Posts().Count(ctx); err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	if st.StoredUsers, err = s.store.Users().Count(ctx); err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}
