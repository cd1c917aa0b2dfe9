package timeline

import (
	"context"
	"sync"
)

type request struct {
	full    bool
	id      uint64
	subtree bool
	barrier chan struct{}
}

// batch is everything queued since the worker last woke. A full
// re-accept supersedes the single-post re-tests queued with it.
type batch struct {
	full     bool
	ids      map[uint64]bool
	barriers []chan struct{}
}

// requestQueue coalesces requests. It never blocks the caller, so filter
// signals can be raised from any goroutine.
type requestQueue struct {
	mu      sync.Mutex
	pending batch
	closed  bool
	signal  chan struct{}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{signal: make(chan struct{}, 1)}
}

func (q *requestQueue) push(r request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	switch {
	case r.barrier != nil:
		q.pending.barriers = append(q.pending.barriers, r.barrier)
	case r.full:
		q.pending.full = true
	default:
		if q.pending.ids == nil {
			q.pending.ids = make(map[uint64]bool)
		}
		q.pending.ids[r.id] = q.pending.ids[r.id] || r.subtree
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// take blocks until work is queued. It returns false once the queue is
// closed or ctx is done.
func (q *requestQueue) take(ctx context.Context) (batch, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return batch{}, false
		}
		b := q.pending
		q.pending = batch{}
		q.mu.Unlock()

		if b.full || len(b.ids) > 0 || len(b.barriers) > 0 {
			return b, true
		}
		select {
		case <-q.signal:
		case <-ctx.Done():
			return batch{}, false
		}
	}
}

func (q *requestQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
