// Package timeline keeps the set of cached posts a filter currently
// accepts and follows the filter's re-acceptance requests.
//
// Every membership change is computed on one worker goroutine. Filter
// signals, bus events and explicit calls only enqueue work, so a filter
// raising a signal from inside Match or from a background walk never
// re-enters the timeline.
package timeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/skein/internal/bus"
	"github.com/roach88/skein/internal/cache"
	"github.com/roach88/skein/internal/filter"
	"github.com/roach88/skein/internal/model"
)

// ErrClosed is returned by calls on a closed timeline.
var ErrClosed = errors.New("timeline closed")

// ChangeKind says whether a post entered or left the timeline.
type ChangeKind int

const (
	Added ChangeKind = iota + 1
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is one membership transition.
type Change struct {
	Kind ChangeKind
	ID   uint64
}

// Stats counts the work a timeline has done. PartialReaccepts counts
// requests; several may be served by one full re-accept.
type Stats struct {
	Members          int
	FullReaccepts    int64
	PartialReaccepts int64
	Retests          int64
}

// Option configures a Timeline.
type Option func(*Timeline)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Timeline) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithObserver registers fn to receive every membership change. fn runs
// on the timeline worker and must not call back into the timeline's
// blocking methods.
func WithObserver(fn func(Change)) Option {
	return func(t *Timeline) { t.observer = fn }
}

// Timeline is a filtered, self-maintaining view over a PostCache.
type Timeline struct {
	name     string
	posts    *cache.PostCache
	logger   *slog.Logger
	observer func(Change)

	ctx    context.Context
	cancel context.CancelFunc
	sub    *bus.Subscription
	done   chan struct{}

	mu      sync.Mutex
	filter  filter.Filter
	detach  []func()
	members map[uint64]struct{}
	closed  bool

	queue *requestQueue

	fullReaccepts    atomic.Int64
	partialReaccepts atomic.Int64
	retests          atomic.Int64
}

// New creates a timeline showing the posts in posts that f accepts. The
// timeline takes ownership of f and disposes it on Close or SetFilter.
// When b is non-nil, added, removed and changed posts are re-tested as
// the bus reports them.
func New(name string, f filter.Filter, posts *cache.PostCache, b *bus.Bus, opts ...Option) (*Timeline, error) {
	if posts == nil {
		return nil, fmt.Errorf("timeline %s: nil post cache", name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Timeline{
		name:    name,
		posts:   posts,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		members: make(map[uint64]struct{}),
		queue:   newRequestQueue(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("timeline", name)

	if b != nil {
		sub, err := b.Subscribe("timeline:"+name,
			[]bus.Kind{bus.PostAdded, bus.PostRemoved, bus.PostChanged, bus.PostCacheRefresh},
			t.handleEvent)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("timeline %s: %w", name, err)
		}
		t.sub = sub
	}

	go t.run()
	t.attach(f)
	return t, nil
}

// Name returns the timeline's name.
func (t *Timeline) Name() string { return t.name }

// Filter returns the current filter.
func (t *Timeline) Filter() filter.Filter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.filter
}

// SetFilter replaces the filter, disposes the previous one and re-tests
// every cached post.
func (t *Timeline) SetFilter(f filter.Filter) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	old, detach := t.filter, t.detach
	t.filter, t.detach = nil, nil
	t.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
	if old != nil {
		old.Dispose()
	}
	t.attach(f)
	return nil
}

func (t *Timeline) attach(f filter.Filter) {
	if f == nil {
		return
	}
	detach := []func(){
		f.Signals().OnReaccept(t.RequestReaccept),
		f.Signals().OnPartialReaccept(t.RequestPartialReaccept),
	}

	t.mu.Lock()
	t.filter, t.detach = f, detach
	t.mu.Unlock()

	if s, ok := f.(interface{ Start(context.Context) }); ok {
		s.Start(t.ctx)
	}
	t.RequestReaccept()
}

// RequestReaccept schedules a re-test of every cached post.
func (t *Timeline) RequestReaccept() { t.queue.push(request{full: true}) }

// RequestPartialReaccept schedules a re-test of id and the replies below it.
func (t *Timeline) RequestPartialReaccept(id uint64) {
	if id != 0 && t.queue.push(request{id: id, subtree: true}) {
		t.partialReaccepts.Add(1)
	}
}

// Retest schedules a re-test of id alone.
func (t *Timeline) Retest(id uint64) {
	if id != 0 {
		t.queue.push(request{id: id})
	}
}

// Flush waits until every request queued before the call is applied.
func (t *Timeline) Flush(ctx context.Context) error {
	ch := make(chan struct{})
	if !t.queue.push(request{barrier: ch}) {
		return ErrClosed
	}
	select {
	case <-ch:
		return nil
	case <-t.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Contains reports whether id is a member.
func (t *Timeline) Contains(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.members[id]
	return ok
}

// IDs returns the member ids in ascending order.
func (t *Timeline) IDs() []uint64 {
	t.mu.Lock()
	ids := make([]uint64, 0, len(t.members))
	for id := range t.members {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Len returns the number of members.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.members)
}

// Stats returns a snapshot of the timeline counters.
func (t *Timeline) Stats() Stats {
	return Stats{
		Members:          t.Len(),
		FullReaccepts:    t.fullReaccepts.Load(),
		PartialReaccepts: t.partialReaccepts.Load(),
		Retests:          t.retests.Load(),
	}
}

// Close stops the worker, unsubscribes from the bus and disposes the
// filter. It is safe to call more than once.
func (t *Timeline) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	f, detach := t.filter, t.detach
	t.filter, t.detach = nil, nil
	t.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
	t.queue.close()
	t.cancel()

	var errs []error
	if t.sub != nil {
		if err := t.sub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close subscription: %w", err))
		}
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for worker: %w", ctx.Err()))
	}
	if f != nil {
		f.Dispose()
	}
	t.logger.Debug("timeline closed")
	return errors.Join(errs...)
}

func (t *Timeline) handleEvent(_ context.Context, ev bus.Event) error {
	switch ev.Kind {
	case bus.PostCacheRefresh:
		t.RequestReaccept()
	default:
		t.Retest(ev.PostID)
	}
	return nil
}

func (t *Timeline) run() {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("timeline worker panicked", "panic", r)
		}
	}()

	for {
		batch, ok := t.queue.take(t.ctx)
		if !ok {
			return
		}
		t.apply(batch)
	}
}

func (t *Timeline) apply(b batch) {
	defer func() {
		for _, ch := range b.barriers {
			close(ch)
		}
	}()

	f := t.Filter()
	if f == nil {
		return
	}
	if b.full {
		if err := t.reacceptAll(f); err != nil {
			t.logger.Warn("full re-accept failed", "error", err)
		}
		return
	}
	for id, subtree := range b.ids {
		if subtree {
			t.retestSubtree(f, id)
			continue
		}
		t.retest(f, id)
	}
}

func (t *Timeline) reacceptAll(f filter.Filter) error {
	t.fullReaccepts.Add(1)
	matched, err := t.posts.Scan(t.ctx, func(p model.Post) bool {
		return f.Match(t.ctx, p)
	})
	if err != nil {
		return err
	}

	next := make(map[uint64]struct{}, len(matched))
	for _, p := range matched {
		next[p.ID] = struct{}{}
	}

	var changes []Change
	t.mu.Lock()
	if t.filter != f {
		t.mu.Unlock()
		return nil
	}
	for id := range t.members {
		if _, ok := next[id]; !ok {
			changes = append(changes, Change{Kind: Removed, ID: id})
		}
	}
	for id := range next {
		if _, ok := t.members[id]; !ok {
			changes = append(changes, Change{Kind: Added, ID: id})
		}
	}
	t.members = next
	t.mu.Unlock()

	slices.SortFunc(changes, func(a, b Change) int {
		if a.ID != b.ID {
			return cmp.Compare(a.ID, b.ID)
		}
		return int(a.Kind - b.Kind)
	})
	t.logger.Debug("full re-accept", "members", len(next), "changes", len(changes))
	t.notify(changes...)
	return nil
}

// retestSubtree re-tests id and every cached reply below it.
func (t *Timeline) retestSubtree(f filter.Filter, root uint64) {
	seen := map[uint64]bool{root: true}
	pending := []uint64{root}
	for len(pending) > 0 {
		id := pending[0]
		pending = pending[1:]

		p, ok := t.retest(f, id)
		if !ok {
			continue
		}
		for _, child := range p.RepliedFrom {
			if !seen[child] {
				seen[child] = true
				pending = append(pending, child)
			}
		}
	}
}

// retest evaluates one post and returns it when it is live.
func (t *Timeline) retest(f filter.Filter, id uint64) (model.Post, bool) {
	t.retests.Add(1)
	p, live, err := t.posts.Load(t.ctx, id)
	if err != nil {
		t.logger.Warn("reload for re-test failed", "post_id", id, "error", err)
		return model.Post{}, false
	}
	match := live && f.Match(t.ctx, p)

	t.mu.Lock()
	if t.filter != f {
		t.mu.Unlock()
		return p, live
	}
	_, had := t.members[id]
	var change Change
	switch {
	case match && !had:
		t.members[id] = struct{}{}
		change = Change{Kind: Added, ID: id}
	case !match && had:
		delete(t.members, id)
		change = Change{Kind: Removed, ID: id}
	}
	t.mu.Unlock()

	if change.Kind != 0 {
		t.notify(change)
	}
	return p, live
}

func (t *Timeline) notify(changes ...Change) {
	if t.observer == nil {
		return
	}
	for _, c := range changes {
		t.observer(c)
	}
}
