package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

type workerKey struct{}

// Subscription is one consumer's queue and worker.
type Subscription struct {
	id      int64
	spec    subscriptionSpec
	handler Handler
	queue   chan Event
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	closed  atomic.Bool
	once    sync.Once
	bus     *Bus
}

func newSubscription(id int64, spec subscriptionSpec, handler Handler, b *Bus) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		id:      id,
		spec:    spec,
		handler: handler,
		queue:   make(chan Event, spec.buffer),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		bus:     b,
	}
	go s.run()
	return s
}

// Name returns the subscription name.
func (s *Subscription) Name() string {
	return s.spec.name
}

// Close unregisters the subscription and waits for its worker to exit.
// Safe to call more than once. A handler may close its own subscription by
// passing the context it was invoked with; the worker then exits after the
// handler returns.
func (s *Subscription) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.bus.unsubscribe(ctx, s.id)
}

func (s *Subscription) enqueue(ctx context.Context, event Event) error {
	if s.closed.Load() {
		return fmt.Errorf("enqueue %s: %w", s.spec.name, ErrClosed)
	}

	if s.spec.backpressure == DropNewest {
		select {
		case s.queue <- event:
			return nil
		default:
			return fmt.Errorf("enqueue %s: %w", s.spec.name, ErrDropped)
		}
	}

	select {
	case s.queue <- event:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("enqueue %s: %w", s.spec.name, ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("enqueue %s: %w", s.spec.name, ctx.Err())
	}
}

func (s *Subscription) run() {
	defer close(s.done)

	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.queue:
			if err := s.handle(event); err != nil {
				s.bus.logger.Error("event handler failed",
					"subscription", s.spec.name,
					"kind", event.Kind,
					"event_id", event.ID,
					"error", err,
				)
			}
		}
	}
}

func (s *Subscription) handle(event Event) (err error) {
	ctx := s.ctx
	if s.spec.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.spec.handlerTimeout)
		defer cancel()
	}

	ctx = context.WithValue(ctx, workerKey{}, s)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic recovered: %v", r)
		}
	}()

	return s.handler(ctx, event)
}

func (s *Subscription) signalClose() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
}

// shutdown cancels the worker and waits for it unless called from the
// worker itself.
func (s *Subscription) shutdown(ctx context.Context) error {
	s.signalClose()

	if self, _ := ctx.Value(workerKey{}).(*Subscription); self == s {
		return nil
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown subscription %s: %w", s.spec.name, ctx.Err())
	}
}
