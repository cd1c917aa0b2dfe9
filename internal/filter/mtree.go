package filter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/skein/internal/bus"
	"github.com/roach88/skein/internal/model"
	"github.com/roach88/skein/internal/network"
	"github.com/roach88/skein/internal/query"
	"github.com/roach88/skein/internal/retry"
)

// MentionTree matches the reply tree around a seed post: the trace point
// and every post whose reply chain reaches it.
//
// Start walks the reply chain upward from the seed. Each discovered
// ancestor becomes the new trace point and the previous one is re-tested
// through a partial re-accept. Missing ancestors are fetched from the
// network and registered. The walk ends at a root, at a server-deleted
// ancestor or when fetching gives up; then a full re-accept is raised.
// When it gave up on a missing ancestor, the walk resumes from there as
// soon as that post is added.
type MentionTree struct {
	*Base

	env        *Env
	seed       uint64
	tracePoint atomic.Uint64
	index      replyIndex

	started atomic.Bool
	walking atomic.Bool
	waiting atomic.Uint64
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewMentionTree creates a filter seeded at id. The walk does not begin
// until Start.
func NewMentionTree(env *Env, seed uint64, negated bool) (*MentionTree, error) {
	if seed == 0 {
		return nil, model.NewInvalidQueryError("mtree: post id 0 is not a valid trace point", nil)
	}
	ttl := env.IndexTTL
	if ttl <= 0 {
		ttl = DefaultIndexTTL
	}

	m := &MentionTree{
		env:  env,
		seed: seed,
		done: make(chan struct{}),
		index: replyIndex{
			src: env.Replies,
			ttl: ttl,
			now: env.now,
		},
	}
	m.tracePoint.Store(seed)
	m.Base = newBase("mtree", negated, m)
	m.onDispose(m.stop)
	return m, nil
}

// Seed returns the id the filter was created with.
func (m *MentionTree) Seed() uint64 { return m.seed }

// TracePoint returns the highest known ancestor.
func (m *MentionTree) TracePoint() uint64 { return m.tracePoint.Load() }

// Start begins the ancestor walk in the background. Later calls are no-ops.
func (m *MentionTree) Start(ctx context.Context) {
	if m.started.Swap(true) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.ctx, m.cancel = ctx, cancel
	m.wg.Add(1)
	m.mu.Unlock()

	m.subscribe(m.env, []bus.Kind{bus.PostAdded}, func(e bus.Event) {
		if e.PostID != 0 && e.PostID == m.waiting.Load() {
			m.resume()
		}
	})

	m.walking.Store(true)
	go func() {
		defer m.wg.Done()
		defer close(m.done)
		m.walk(ctx, m.seed)
	}()
}

// Done is closed when the first walk started by Start has finished.
// Walks resumed later are not tracked by it.
func (m *MentionTree) Done() <-chan struct{} { return m.done }

func (m *MentionTree) stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.stopped = true
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

// resume continues the walk from the trace point unless a walk is running.
func (m *MentionTree) resume() {
	if !m.walking.CompareAndSwap(false, true) {
		return
	}
	m.mu.Lock()
	if m.stopped || m.ctx == nil || m.ctx.Err() != nil {
		m.mu.Unlock()
		m.walking.Store(false)
		return
	}
	ctx := m.ctx
	m.wg.Add(1)
	m.mu.Unlock()

	m.env.logger().Debug("mention tree resumed", "seed", m.seed, "trace_point", m.TracePoint())
	go func() {
		defer m.wg.Done()
		m.walk(ctx, m.TracePoint())
	}()
}

func (m *MentionTree) walk(ctx context.Context, id uint64) {
	defer func() {
		if r := recover(); r != nil {
			m.env.logger().Error("mention tree walk panicked", "seed", m.seed, "panic", r)
			m.walking.Store(false)
		}
	}()

	for {
		next, ok := m.step(ctx, id)
		if !ok {
			break
		}
		id = next
	}
	m.env.logger().Debug("mention tree settled", "seed", m.seed, "trace_point", m.TracePoint())
	m.signals.RaiseReaccept()

	m.walking.Store(false)
	if ctx.Err() == nil {
		m.await(ctx)
	}
}

// await arms the resume for a trace point that is not live yet. A trace
// point that turned live while the walk was giving up resumes at once.
func (m *MentionTree) await(ctx context.Context) {
	if m.env.Posts == nil {
		return
	}
	tp := m.TracePoint()
	m.waiting.Store(tp)

	switch m.env.Posts.Contains(tp) {
	case model.ServerDeleted:
		m.waiting.Store(0)
	case model.Exists:
		m.waiting.Store(0)
		if p, ok := m.env.post(ctx, tp); ok && p.InReplyToID != 0 {
			m.resume()
		}
	}
}

// step inspects id and returns its parent when the walk should go on.
func (m *MentionTree) step(ctx context.Context, id uint64) (uint64, bool) {
	if id == 0 || m.env.Posts == nil || ctx.Err() != nil {
		return 0, false
	}

	switch m.env.Posts.Contains(id) {
	case model.ServerDeleted:
		return 0, false
	case model.Exists:
	default:
		if !m.receive(ctx, id) {
			return 0, false
		}
	}

	p, ok := m.env.post(ctx, id)
	if !ok || p.InReplyToID == 0 {
		return 0, false
	}
	m.tracePoint.Store(p.InReplyToID)
	m.env.logger().Debug("mention tree trace point moved", "seed", m.seed, "from", id, "to", p.InReplyToID)
	m.signals.RaisePartialReaccept(id)
	return p.InReplyToID, true
}

// receive fetches id and registers it. It reports whether id is now live.
func (m *MentionTree) receive(ctx context.Context, id uint64) bool {
	if m.env.Fetcher == nil || m.env.Registrar == nil {
		return false
	}
	logger := m.env.logger()

	var raw model.RawPost
	machine := retry.New(fmt.Sprintf("fetch ancestor %d", id), m.env.Retry, func(ctx context.Context) error {
		r, err := m.env.Fetcher.FetchPost(ctx, id)
		switch {
		case errors.Is(err, network.ErrServerDeleted), errors.Is(err, network.ErrNotFound):
			return retry.Permanent(err)
		case err != nil:
			return model.NewFetchFailedError(id, err)
		}
		raw = r
		return nil
	}, retry.WithLogger(logger))

	if err := machine.Run(ctx); err != nil {
		if errors.Is(err, network.ErrServerDeleted) {
			logger.Debug("ancestor deleted on server", "post_id", id)
			if _, err := m.env.Registrar.Remove(ctx, id).Wait(ctx); err != nil {
				logger.Warn("tombstoning deleted ancestor failed", "post_id", id, "error", err)
			}
			return false
		}
		logger.Warn("ancestor unresolved", "post_id", id, "seed", m.seed, "error", err)
		return false
	}

	if _, err := m.env.Registrar.RegisterPost(ctx, raw).Wait(ctx); err != nil && !model.IsStoreUnavailable(err) {
		logger.Warn("ancestor registration failed", "post_id", id, "error", err)
		return false
	}
	return m.env.Posts.Contains(id) == model.Exists
}

func (m *MentionTree) test(ctx context.Context, p model.Post) bool {
	tp := m.tracePoint.Load()
	if p.ID == tp || p.InReplyToID == tp {
		return true
	}
	if p.InReplyToID == 0 {
		return false
	}

	edges := m.index.get(ctx, m.env)
	seen := make(map[uint64]struct{})
	for id := p.InReplyToID; id != 0; {
		if id == tp {
			return true
		}
		if _, loop := seen[id]; loop {
			return false
		}
		seen[id] = struct{}{}
		parent, ok := edges[id]
		if !ok {
			parent, ok = m.cachedParent(id)
		}
		if !ok {
			// Gap in the chain.
			return false
		}
		id = parent
	}
	return false
}

// cachedParent reads a parent link from a resident cache entry.
func (m *MentionTree) cachedParent(id uint64) (uint64, bool) {
	if m.env.Posts == nil {
		return 0, false
	}
	e, ok := m.env.Posts.Get(id, false)
	if !ok {
		return 0, false
	}
	p, ok := e.PeekSnapshot()
	if !ok {
		return 0, false
	}
	return p.InReplyToID, true
}

func (m *MentionTree) args() []query.Value { return []query.Value{query.Int(m.seed)} }

func (m *MentionTree) describe() string {
	return fmt.Sprintf("reply tree of post %d", m.seed)
}

// replyIndex is a short-lived copy of the stored reply links.
type replyIndex struct {
	src ReplyEdges
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	built time.Time
	edges map[uint64]uint64
}

func (x *replyIndex) get(ctx context.Context, env *Env) map[uint64]uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.src == nil {
		return nil
	}
	now := x.now()
	if x.edges != nil && now.Sub(x.built) <= x.ttl {
		return x.edges
	}
	edges, err := x.src.ReplyEdges(ctx)
	if err != nil {
		env.logger().Warn("reply index refresh failed", "error", err)
		return x.edges
	}
	x.edges, x.built = edges, now
	return edges
}
