// Package pipeline is the registration pipeline: raw records from the
// network are normalized, linked and written on a single worker goroutine,
// so cache id-set changes and store writes happen in enqueue order.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/skein/internal/account"
	"github.com/roach88/skein/internal/bus"
	"github.com/roach88/skein/internal/cache"
	"github.com/roach88/skein/internal/model"
)

// PostStore is the post side of the backing store.
type PostStore interface {
	Put(ctx context.Context, p model.Post) error
	Delete(ctx context.Context, id uint64) error
	RepliesTo(ctx context.Context, id uint64) ([]uint64, error)
}

// UserStore is the user side of the backing store.
type UserStore interface {
	Put(ctx context.Context, u model.User) error
}

// Publisher receives domain events.
type Publisher interface {
	Publish(ctx context.Context, e bus.Event) error
}

// Mute decides whether a notification about p is suppressed.
type Mute interface {
	Match(ctx context.Context, p model.Post) bool
}

// Stats counts pipeline activity since start.
type Stats struct {
	PostsAdded       int64 `json:"posts_added" yaml:"posts_added"`
	PostsDuplicate   int64 `json:"posts_duplicate" yaml:"posts_duplicate"`
	PostsRejected    int64 `json:"posts_rejected" yaml:"posts_rejected"`
	PostsRemoved     int64 `json:"posts_removed" yaml:"posts_removed"`
	UsersUpdated     int64 `json:"users_updated" yaml:"users_updated"`
	UsersStale       int64 `json:"users_stale" yaml:"users_stale"`
	StoreFailures    int64 `json:"store_failures" yaml:"store_failures"`
	EventsEmitted    int64 `json:"events_emitted" yaml:"events_emitted"`
	EventsMuted      int64 `json:"events_muted" yaml:"events_muted"`
	EventsSuppressed int64 `json:"events_suppressed" yaml:"events_suppressed"`
	Pending          int   `json:"pending" yaml:"pending"`
}

type counters struct {
	postsAdded, postsDuplicate, postsRejected, postsRemoved atomic.Int64
	usersUpdated, usersStale, storeFailures                 atomic.Int64
	eventsEmitted, eventsMuted, eventsSuppressed            atomic.Int64
}

// Pipeline serializes registrations onto one worker.
type Pipeline struct {
	posts     *cache.PostCache
	users     *cache.UserCache
	postStore PostStore
	userStore UserStore
	publisher Publisher
	accounts  *account.Registry

	mute         atomic.Pointer[muteHolder]
	sessionStart time.Time
	log          *eventLog
	logger       *slog.Logger

	queue *jobQueue
	done  chan struct{}
	stats counters
}

type muteHolder struct{ m Mute }

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithSessionStart sets the wakeup time used to suppress backfilled
// notifications. Defaults to the time New is called.
func WithSessionStart(t time.Time) Option {
	return func(p *Pipeline) { p.sessionStart = t }
}

// WithMute installs the initial mute predicate.
func WithMute(m Mute) Option {
	return func(p *Pipeline) { p.SetMute(m) }
}

// WithEventLogSize bounds the in-memory social event log.
func WithEventLogSize(n int) Option {
	return func(p *Pipeline) { p.log = newEventLog(n) }
}

// New creates a pipeline and starts its worker.
func New(
	posts *cache.PostCache,
	users *cache.UserCache,
	postStore PostStore,
	userStore UserStore,
	publisher Publisher,
	accounts *account.Registry,
	opts ...Option,
) *Pipeline {
	if accounts == nil {
		accounts = account.NewRegistry()
	}
	p := &Pipeline{
		posts:        posts,
		users:        users,
		postStore:    postStore,
		userStore:    userStore,
		publisher:    publisher,
		accounts:     accounts,
		sessionStart: time.Now(),
		log:          newEventLog(defaultEventLogSize),
		logger:       slog.Default(),
		queue:        newJobQueue(),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	go p.run()
	p.logger.Info("pipeline started", "session_start", p.sessionStart)
	return p
}

// SetMute replaces the mute predicate. nil disables muting.
func (p *Pipeline) SetMute(m Mute) {
	if m == nil {
		p.mute.Store(nil)
		return
	}
	p.mute.Store(&muteHolder{m: m})
}

// SessionStart returns the wakeup time.
func (p *Pipeline) SessionStart() time.Time { return p.sessionStart }

// run is the single worker. All cache id-set mutations and store writes
// made by the pipeline happen here.
func (p *Pipeline) run() {
	defer close(p.done)
	ctx := context.Background()

	for {
		j, ok := p.queue.TryDequeue()
		if ok {
			p.process(ctx, j)
			continue
		}

		<-p.queue.Wait()
		if p.queue.Closed() && p.queue.Len() == 0 {
			p.logger.Info("pipeline stopped")
			return
		}
	}
}

// process runs one job, containing panics so the worker survives.
func (p *Pipeline) process(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline job panicked", "job", j.name, "id", j.id, "panic", r)
		}
	}()
	j.run(ctx)
}

// submit enqueues fn, failing fut with PIPELINE_CLOSED after Close.
func submit[T any](p *Pipeline, name string, id uint64, fut *Future[T], fn func(ctx context.Context) (T, error)) *Future[T] {
	ok := p.queue.Enqueue(job{name: name, id: id, run: func(ctx context.Context) {
		var (
			v   T
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s %d: panic: %v", name, id, r)
			}
			fut.resolve(v, err)
		}()
		v, err = fn(ctx)
	}})
	if !ok {
		fut.resolve(*new(T), model.NewPipelineClosedError())
	}
	return fut
}

// Close stops accepting work, drains queued jobs and waits for the worker
// or ctx.
func (p *Pipeline) Close(ctx context.Context) error {
	p.queue.Close()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close pipeline: %w", ctx.Err())
	}
}

// Stats returns activity counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		PostsAdded:       p.stats.postsAdded.Load(),
		PostsDuplicate:   p.stats.postsDuplicate.Load(),
		PostsRejected:    p.stats.postsRejected.Load(),
		PostsRemoved:     p.stats.postsRemoved.Load(),
		UsersUpdated:     p.stats.usersUpdated.Load(),
		UsersStale:       p.stats.usersStale.Load(),
		StoreFailures:    p.stats.storeFailures.Load(),
		EventsEmitted:    p.stats.eventsEmitted.Load(),
		EventsMuted:      p.stats.eventsMuted.Load(),
		EventsSuppressed: p.stats.eventsSuppressed.Load(),
		Pending:          p.queue.Len(),
	}
}

// publish sends a cache event. Failures are logged, never returned.
func (p *Pipeline) publish(ctx context.Context, e bus.Event) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, e); err != nil {
		p.logger.Warn("publish failed", "kind", e.Kind, "post_id", e.PostID, "error", err)
	}
}

// persistPost writes the entry's current snapshot. On failure the entry is
// pinned resident and the error is returned for the caller's result.
func (p *Pipeline) persistPost(ctx context.Context, e *cache.PostEntry) error {
	snap, ok := e.PeekSnapshot()
	if !ok {
		loaded, ok, err := e.Snapshot(ctx)
		if err != nil || !ok {
			return err
		}
		snap = loaded
	}
	if err := p.postStore.Put(ctx, snap); err != nil {
		e.MarkUnpersisted()
		p.stats.storeFailures.Add(1)
		return model.NewStoreUnavailableError(snap.ID, err)
	}
	e.MarkPersisted()
	return nil
}
