package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/roach88/skein/internal/model"
)

// Loader reloads a released payload by id. *store.Posts and *store.Users
// satisfy Loader for their record types.
type Loader[T any] interface {
	Get(ctx context.Context, id uint64) (T, bool, error)
}

// residency is the bookkeeping shared by all entries of one cache.
type residency struct {
	clock    *model.Clock
	resident atomic.Int64
	grew     func()
}

func (r *residency) inc() {
	r.resident.Add(1)
	if r.grew != nil {
		r.grew()
	}
}

// Entry is a cached record with a releasable payload slot.
type Entry[T any] struct {
	id         uint64
	res        *residency
	loader     Loader[T]
	mu         sync.Mutex
	slot       atomic.Pointer[T]
	lastAccess atomic.Int64
	persisted  atomic.Bool
}

func newEntry[T any](id uint64, res *residency, loader Loader[T]) *Entry[T] {
	return &Entry[T]{id: id, res: res, loader: loader}
}

// ID returns the entry's permanent id.
func (e *Entry[T]) ID() uint64 { return e.id }

// Resident reports whether the payload is materialized.
func (e *Entry[T]) Resident() bool { return e.slot.Load() != nil }

// LastAccess returns the logical time of the last payload read.
func (e *Entry[T]) LastAccess() int64 { return e.lastAccess.Load() }

// Persisted reports whether the payload is known to be in the store. Only
// persisted entries may be released.
func (e *Entry[T]) Persisted() bool { return e.persisted.Load() }

// MarkPersisted records a successful store write.
func (e *Entry[T]) MarkPersisted() { e.persisted.Store(true) }

// MarkUnpersisted pins the payload resident until the next successful write.
func (e *Entry[T]) MarkUnpersisted() { e.persisted.Store(false) }

// Load returns the payload, reloading it from the store if it was released.
// ok is false when the entry has no payload anywhere (a placeholder).
func (e *Entry[T]) Load(ctx context.Context) (T, bool, error) {
	if p := e.slot.Load(); p != nil {
		e.touch()
		return *p, true, nil
	}

	v, ok, reloaded, err := e.reload(ctx)
	if reloaded {
		e.res.inc()
	}
	return v, ok, err
}

func (e *Entry[T]) reload(ctx context.Context) (v T, ok, reloaded bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p := e.slot.Load(); p != nil {
		e.touch()
		return *p, true, false, nil
	}
	if !e.persisted.Load() || e.loader == nil {
		return v, false, false, nil
	}

	v, ok, err = e.loader.Get(ctx, e.id)
	if err != nil {
		return v, false, false, fmt.Errorf("reload %d: %w", e.id, err)
	}
	if !ok {
		return v, false, false, nil
	}

	e.slot.Store(&v)
	e.touch()
	return v, true, true, nil
}

// Read returns the payload like Load, but a released payload is read from
// the store without becoming resident again and without an access refresh.
func (e *Entry[T]) Read(ctx context.Context) (T, bool, error) {
	if p := e.slot.Load(); p != nil {
		return *p, true, nil
	}
	var zero T
	if !e.persisted.Load() || e.loader == nil {
		return zero, false, nil
	}
	v, ok, err := e.loader.Get(ctx, e.id)
	if err != nil {
		return zero, false, fmt.Errorf("read %d: %w", e.id, err)
	}
	return v, ok, nil
}

// Peek returns the payload only if resident, without refreshing lastAccess.
func (e *Entry[T]) Peek() (T, bool) {
	if p := e.slot.Load(); p != nil {
		return *p, true
	}
	var zero T
	return zero, false
}

// set materializes v as the payload.
func (e *Entry[T]) set(v T) {
	e.mu.Lock()
	wasEmpty := e.slot.Swap(&v) == nil
	e.touch()
	e.mu.Unlock()

	if wasEmpty {
		e.res.inc()
	}
}

// release drops the payload if it can be reloaded later.
func (e *Entry[T]) release() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.persisted.Load() {
		return false
	}
	if e.slot.Swap(nil) == nil {
		return false
	}
	e.res.resident.Add(-1)
	return true
}

// drop releases the payload unconditionally. Used on removal.
func (e *Entry[T]) drop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.slot.Swap(nil) != nil {
		e.res.resident.Add(-1)
	}
}

func (e *Entry[T]) touch() {
	e.lastAccess.Store(e.res.clock.Next())
}
