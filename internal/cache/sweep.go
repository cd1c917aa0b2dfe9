package cache

import (
	"log/slog"
	"slices"
	"sync/atomic"
)

// Capacity bounds the resident payload count of a cache.
type Capacity struct {
	MaxCount       int
	SurviveDensity float64
}

// Keep returns how many entries a sweep leaves resident.
func (c Capacity) Keep() int {
	return int(float64(c.MaxCount) * c.SurviveDensity)
}

// Scheduler runs a sweep in the background.
type Scheduler func(func())

// GoScheduler runs each sweep on its own goroutine.
func GoScheduler(f func()) { go f() }

type coldEntry interface {
	LastAccess() int64
	release() bool
}

// evictor runs at most one sweep at a time.
type evictor struct {
	capacity Capacity
	res      *residency
	sweeping atomic.Bool
	schedule Scheduler
	logger   *slog.Logger
	name     string
	released atomic.Int64
}

func (ev *evictor) overCapacity() bool {
	return ev.capacity.MaxCount > 0 && ev.res.resident.Load() > int64(ev.capacity.MaxCount)
}

// trigger schedules a sweep if the resident count is past capacity and no
// sweep is in flight.
func (ev *evictor) trigger(collect func() []coldEntry) {
	if !ev.overCapacity() || ev.sweeping.Load() {
		return
	}
	ev.schedule(func() { ev.sweep(collect) })
}

// sweep keeps the Keep() most recently accessed entries and releases the
// rest. A concurrent call returns 0 immediately.
func (ev *evictor) sweep(collect func() []coldEntry) (released int) {
	if !ev.sweeping.CompareAndSwap(false, true) {
		return 0
	}
	defer ev.sweeping.Store(false)

	defer func() {
		if r := recover(); r != nil {
			ev.logger.Error("cache sweep panicked", "cache", ev.name, "panic", r)
		}
	}()

	entries := collect()
	slices.SortFunc(entries, func(a, b coldEntry) int {
		// descending lastAccess
		switch {
		case a.LastAccess() > b.LastAccess():
			return -1
		case a.LastAccess() < b.LastAccess():
			return 1
		}
		return 0
	})

	keep := min(ev.capacity.Keep(), len(entries))
	for _, e := range entries[keep:] {
		if e.release() {
			released++
		}
	}

	ev.released.Add(int64(released))
	ev.logger.Info("cache sweep finished",
		"cache", ev.name,
		"entries", len(entries),
		"kept", keep,
		"released", released,
		"resident", ev.res.resident.Load(),
	)
	return released
}
