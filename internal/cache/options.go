package cache

import (
	"log/slog"

	"github.com/roach88/skein/internal/model"
)

type options struct {
	capacity Capacity
	schedule Scheduler
	logger   *slog.Logger
	clock    *model.Clock
}

// Option configures a PostCache or UserCache.
type Option func(*options)

// WithCapacity sets the eviction threshold. MaxCount 0 disables eviction.
func WithCapacity(c Capacity) Option {
	return func(o *options) { o.capacity = c }
}

// WithScheduler replaces the goroutine-per-sweep scheduler. Tests pass a
// no-op scheduler and call ReleaseIfColdAndOverCapacity directly.
func WithScheduler(s Scheduler) Option {
	return func(o *options) {
		if s != nil {
			o.schedule = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock shares a logical clock for lastAccess stamps.
func WithClock(c *model.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

func buildOptions(def Capacity, opts []Option) options {
	o := options{
		capacity: def,
		schedule: GoScheduler,
		logger:   slog.Default(),
		clock:    model.NewClock(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Stats is a point-in-time view of one cache.
type Stats struct {
	Live        int   `json:"live" yaml:"live"`
	Placeholder int   `json:"placeholder" yaml:"placeholder"`
	Tombstoned  int   `json:"tombstoned" yaml:"tombstoned"`
	Resident    int64 `json:"resident" yaml:"resident"`
	Released    int64 `json:"released" yaml:"released"`
}
