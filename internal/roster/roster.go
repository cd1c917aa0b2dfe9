// Package roster caches list memberships fetched from the network and
// resolves unknown lists in the background.
package roster

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/roach88/skein/internal/retry"
)

// MemberFetcher is the part of network.Fetcher a roster needs.
type MemberFetcher interface {
	FetchListMembers(ctx context.Context, owner, slug string) ([]uint64, error)
}

type listState int

const (
	unresolved listState = iota
	resolving
	resolved
)

type list struct {
	state   listState
	members map[uint64]struct{}
	waiters map[int]func()
}

// Roster holds list memberships keyed by owner/slug, case-insensitively.
type Roster struct {
	fetcher MemberFetcher
	policy  retry.Policy
	logger  *slog.Logger

	mu       sync.Mutex
	lists    map[string]*list
	nextWait int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Roster.
type Option func(*Roster)

// WithRetryPolicy sets the policy used for background resolution.
func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Roster) { r.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Roster) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates an empty roster.
func New(fetcher MemberFetcher, opts ...Option) *Roster {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Roster{
		fetcher: fetcher,
		policy:  retry.DefaultPolicy,
		logger:  slog.Default(),
		lists:   make(map[string]*list),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func key(owner, slug string) string {
	return strings.ToLower(owner) + "/" + strings.ToLower(slug)
}

func (r *Roster) getLocked(k string) *list {
	l, ok := r.lists[k]
	if !ok {
		l = &list{waiters: make(map[int]func())}
		r.lists[k] = l
	}
	return l
}

// Contains reports whether userID is a member. ok is false while the list
// has not been fetched yet; member is then always false.
func (r *Roster) Contains(owner, slug string, userID uint64) (member, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, found := r.lists[key(owner, slug)]
	if !found || l.state != resolved {
		return false, false
	}
	_, member = l.members[userID]
	return member, true
}

// Idle reports whether the list is neither resolved nor being fetched, so
// that a call to Resolve would start a new fetch. A closed roster is never
// idle.
func (r *Roster) Idle(owner, slug string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil {
		return false
	}
	l, found := r.lists[key(owner, slug)]
	return !found || l.state == unresolved
}

// Set installs a membership directly and wakes any waiters.
func (r *Roster) Set(owner, slug string, members []uint64) {
	r.mu.Lock()
	l := r.getLocked(key(owner, slug))
	waiters := r.installLocked(l, members)
	r.mu.Unlock()

	for _, fn := range waiters {
		fn()
	}
}

func (r *Roster) installLocked(l *list, members []uint64) []func() {
	l.members = make(map[uint64]struct{}, len(members))
	for _, id := range members {
		l.members[id] = struct{}{}
	}
	l.state = resolved

	waiters := make([]func(), 0, len(l.waiters))
	for _, fn := range l.waiters {
		waiters = append(waiters, fn)
	}
	clear(l.waiters)
	return waiters
}

// Resolve ensures the list is being fetched and registers onResolved to run
// once it is. If the list is already resolved, onResolved is not called and
// a no-op cancel is returned. The returned cancel unregisters onResolved.
func (r *Roster) Resolve(owner, slug string, onResolved func()) (cancel func()) {
	k := key(owner, slug)

	r.mu.Lock()
	defer r.mu.Unlock()

	l := r.getLocked(k)
	if l.state == resolved {
		return func() {}
	}

	id := r.nextWait
	r.nextWait++
	if onResolved != nil {
		l.waiters[id] = onResolved
	}

	if l.state == unresolved && r.ctx.Err() == nil {
		l.state = resolving
		r.wg.Add(1)
		go r.resolve(owner, slug, k)
	}

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(l.waiters, id)
	}
}

func (r *Roster) resolve(owner, slug, k string) {
	defer r.wg.Done()

	var members []uint64
	m := retry.New("resolve list "+k, r.policy, func(ctx context.Context) error {
		var err error
		members, err = r.fetcher.FetchListMembers(ctx, owner, slug)
		return err
	}, retry.WithLogger(r.logger))

	if err := m.Run(r.ctx); err != nil {
		r.logger.Error("list resolution failed", "list", k, "error", err)
		r.mu.Lock()
		if l := r.lists[k]; l != nil && l.state == resolving {
			l.state = unresolved
		}
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	l := r.getLocked(k)
	if l.state == resolved {
		// Set raced ahead of the fetch.
		r.mu.Unlock()
		return
	}
	waiters := r.installLocked(l, members)
	r.mu.Unlock()

	r.logger.Debug("list resolved", "list", k, "members", len(members))
	for _, fn := range waiters {
		fn()
	}
}

// Close stops background resolution and waits for it to exit.
func (r *Roster) Close() {
	r.cancel()
	r.wg.Wait()
}
