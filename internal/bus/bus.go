package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by Publish and Subscribe after Close.
	ErrClosed = errors.New("bus closed")

	// ErrDropped reports an event discarded by a full DropNewest queue.
	ErrDropped = errors.New("event dropped")
)

// Handler consumes one event. Returned errors and panics are logged.
type Handler func(ctx context.Context, event Event) error

// Backpressure decides what Publish does when a subscriber queue is full.
type Backpressure int

const (
	// Block waits for queue space or the publisher's context.
	Block Backpressure = iota
	// DropNewest discards the incoming event.
	DropNewest
)

// SubscribeOption tunes a single subscription.
type SubscribeOption func(*subscriptionSpec)

// WithBackpressure overrides the default Block policy.
func WithBackpressure(p Backpressure) SubscribeOption {
	return func(s *subscriptionSpec) { s.backpressure = p }
}

// WithQueueSize overrides the bus default buffer.
func WithQueueSize(n int) SubscribeOption {
	return func(s *subscriptionSpec) {
		if n > 0 {
			s.buffer = n
		}
	}
}

type subscriptionSpec struct {
	name           string
	kinds          []Kind
	buffer         int
	handlerTimeout time.Duration
	backpressure   Backpressure
}

func (s subscriptionSpec) wants(k Kind) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, k)
}

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the default per-subscription queue size.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.defaultBuffer = n
		}
	}
}

// WithHandlerTimeout bounds each handler call. Zero disables the timeout.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) { b.handlerTimeout = d }
}

// WithLogger sets the logger used for handler failures.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock sets the time source stamped on events without At.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// Bus is an asynchronous typed pub/sub.
type Bus struct {
	mu             sync.RWMutex
	nextID         int64
	closed         bool
	subscriptions  map[int64]*Subscription
	defaultBuffer  int
	handlerTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time

	published atomic.Int64
	dropped   atomic.Int64
}

// New creates a bus. Defaults: 256-slot queues, 5s handler timeout.
func New(opts ...Option) *Bus {
	b := &Bus{
		subscriptions:  make(map[int64]*Subscription),
		defaultBuffer:  256,
		handlerTimeout: 5 * time.Second,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish stamps the event and enqueues it for every interested
// subscriber. Delivery is fire-and-forget.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if event.ID == uuid.Nil {
		event.ID = newEventID()
	}
	if event.At.IsZero() {
		event.At = b.now()
	}

	subs, err := b.snapshotSubscriptions()
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.Kind, err)
	}
	b.published.Add(1)

	var errs []error
	for _, sub := range subs {
		if !sub.spec.wants(event.Kind) {
			continue
		}
		if err := sub.enqueue(ctx, event); err != nil {
			if errors.Is(err, ErrDropped) || errors.Is(err, ErrClosed) {
				b.dropped.Add(1)
				b.logger.Warn("event not delivered", "subscription", sub.spec.name, "kind", event.Kind, "error", err)
				continue
			}
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %s: %w", event.Kind, errors.Join(errs...))
	}
	return nil
}

// Subscribe registers handler for the given kinds (all kinds when empty).
// The returned Subscription must be closed by its owner.
func (b *Bus) Subscribe(name string, kinds []Kind, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", name)
	}

	subID := atomic.AddInt64(&b.nextID, 1)
	spec := subscriptionSpec{
		name:           name,
		kinds:          slices.Clone(kinds),
		buffer:         b.defaultBuffer,
		handlerTimeout: b.handlerTimeout,
	}
	if spec.name == "" {
		spec.name = fmt.Sprintf("subscription-%d", subID)
	}
	for _, opt := range opts {
		opt(&spec)
	}

	sub := newSubscription(subID, spec, handler, b)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.signalClose()
		return nil, fmt.Errorf("subscribe %s: %w", spec.name, ErrClosed)
	}
	b.subscriptions[subID] = sub
	return sub, nil
}

// Close stops every subscription, waiting for in-flight handlers until ctx
// expires. Further publishes fail with ErrClosed.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}
	b.subscriptions = make(map[int64]*Subscription)
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close bus: %w", errors.Join(errs...))
	}
	return nil
}

// Stats reports published and undelivered event totals.
func (b *Bus) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}

func (b *Bus) snapshotSubscriptions() ([]*Subscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrClosed
	}

	subs := make([]*Subscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}
	return subs, nil
}

func (b *Bus) unsubscribe(ctx context.Context, subID int64) error {
	b.mu.Lock()
	sub, found := b.subscriptions[subID]
	if found {
		delete(b.subscriptions, subID)
	}
	b.mu.Unlock()

	if !found {
		return nil
	}
	if err := sub.shutdown(ctx); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", sub.spec.name, err)
	}
	return nil
}
