// Package session is the process-scoped context object of the cache core.
// A Session owns the backing store, both entity caches, the event bus, the
// registration pipeline and the list rosters, and hands them to filters
// and timelines through one filter.Env.
//
// Several sessions can live in one process; nothing is global.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/skein/internal/account"
	"github.com/roach88/skein/internal/bus"
	"github.com/roach88/skein/internal/cache"
	"github.com/roach88/skein/internal/config"
	"github.com/roach88/skein/internal/filter"
	"github.com/roach88/skein/internal/model"
	"github.com/roach88/skein/internal/network"
	"github.com/roach88/skein/internal/pipeline"
	"github.com/roach88/skein/internal/roster"
	"github.com/roach88/skein/internal/store"
	"github.com/roach88/skein/internal/timeline"
)

// ErrClosed is returned by calls on a closed session.
var ErrClosed = errors.New("session closed")

// Option configures Open.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	fetcher  network.Fetcher
	now      func() time.Time
	mute     string
	cacheOps []cache.Option
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithFetcher replaces the built-in replay fetcher as the network
// collaborator. Ingested list records then only reach the replay.
func WithFetcher(f network.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithClock sets the session start source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMute installs a query whose matches never raise social events.
func WithMute(query string) Option {
	return func(o *options) { o.mute = query }
}

// WithCacheOptions adds options to both entity caches.
func WithCacheOptions(opts ...cache.Option) Option {
	return func(o *options) { o.cacheOps = append(o.cacheOps, opts...) }
}

// Session wires the cache core together. Create it with Open and release
// it with Close.
type Session struct {
	id      uuid.UUID
	started time.Time
	cfg     config.Config
	logger  *slog.Logger

	store    *store.Store
	posts    *cache.PostCache
	users    *cache.UserCache
	bus      *bus.Bus
	accounts *account.Registry
	pipeline *pipeline.Pipeline
	rosters  *roster.Roster
	replay   *network.Replay
	fetcher  network.Fetcher
	env      *filter.Env
	mute     *filter.Cluster

	mu        sync.Mutex
	timelines map[*timeline.Timeline]struct{}
	closed    bool
}

// Open creates a session from cfg. On a Persistent store the post cache is
// hydrated with the records already on disk, released until first use.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	logger := o.logger.With("session", id.String())

	storeOpts := cfg.Store.Options()
	storeOpts.Logger = logger
	st, err := store.Open(cfg.Store.Path(), storeOpts)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	s := &Session{
		id:        id,
		started:   o.now(),
		cfg:       *cfg,
		logger:    logger,
		store:     st,
		accounts:  account.NewRegistry(cfg.Viewer.Viewers()...),
		replay:    network.NewReplay(),
		timelines: make(map[*timeline.Timeline]struct{}),
	}

	clock := model.NewClock()
	postOpts := append([]cache.Option{
		cache.WithCapacity(cfg.Cache.Posts.Capacity()),
		cache.WithLogger(logger),
		cache.WithClock(clock),
	}, o.cacheOps...)
	userOpts := append([]cache.Option{
		cache.WithCapacity(cfg.Cache.Users.Capacity()),
		cache.WithLogger(logger),
		cache.WithClock(clock),
	}, o.cacheOps...)
	s.posts = cache.NewPostCache(st.Posts(), postOpts...)
	s.users = cache.NewUserCache(st.Users(), userOpts...)

	if storeOpts.Mode == store.Persistent {
		if err := s.hydrate(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("open session: %w", err)
		}
	}

	s.bus = bus.New(
		bus.WithBuffer(cfg.Bus.Buffer),
		bus.WithHandlerTimeout(cfg.Bus.HandlerTimeout),
		bus.WithLogger(logger),
	)
	s.pipeline = pipeline.New(s.posts, s.users, st.Posts(), st.Users(), s.bus, s.accounts,
		pipeline.WithLogger(logger),
		pipeline.WithSessionStart(s.started),
	)

	var remote network.Fetcher = s.replay
	if o.fetcher != nil {
		remote = o.fetcher
	}
	s.fetcher = network.NewDeduped(remote)
	s.rosters = roster.New(s.fetcher,
		roster.WithRetryPolicy(cfg.Retry),
		roster.WithLogger(logger),
	)

	s.env = &filter.Env{
		Posts:     s.posts,
		Users:     s.users,
		Accounts:  s.accounts,
		Rosters:   s.rosters,
		Bus:       s.bus,
		Replies:   st.Posts(),
		Fetcher:   s.fetcher,
		Registrar: s.pipeline,
		Retry:     cfg.Retry,
		IndexTTL:  cfg.MentionTree.IndexTTL,
		Logger:    logger,
	}

	if o.mute != "" {
		mute, err := filter.Parse(s.env, o.mute)
		if err != nil {
			_ = s.Close(ctx)
			return nil, fmt.Errorf("open session: mute: %w", err)
		}
		s.mute = mute
		s.pipeline.SetMute(mute)
	}

	logger.Info("session opened",
		"store", cfg.Store.Path(),
		"mode", storeOpts.Mode.String(),
		"viewers", len(cfg.Viewer.Accounts),
	)
	return s, nil
}

func (s *Session) hydrate(ctx context.Context) error {
	n, err := s.posts.Hydrate(s.store.Posts().Scan(ctx, nil))
	if err != nil {
		return fmt.Errorf("hydrate posts: %w", err)
	}
	u, err := s.users.Hydrate(s.store.Users().Scan(ctx, nil))
	if err != nil {
		return fmt.Errorf("hydrate users: %w", err)
	}
	s.logger.Info("caches hydrated", "posts", n, "users", u)
	return nil
}

func (s *Session) ID() uuid.UUID                { return s.id }
func (s *Session) Started() time.Time           { return s.started }
func (s *Session) Config() config.Config        { return s.cfg }
func (s *Session) Env() *filter.Env             { return s.env }
func (s *Session) Posts() *cache.PostCache      { return s.posts }
func (s *Session) Users() *cache.UserCache      { return s.users }
func (s *Session) Bus() *bus.Bus                { return s.bus }
func (s *Session) Accounts() *account.Registry  { return s.accounts }
func (s *Session) Pipeline() *pipeline.Pipeline { return s.pipeline }
func (s *Session) Rosters() *roster.Roster      { return s.rosters }

// Replay is the built-in network collaborator. Records added here are
// what ancestor fetches and list resolution can see.
func (s *Session) Replay() *network.Replay { return s.replay }

// Parse builds a filter bound to this session.
func (s *Session) Parse(query string) (*filter.Cluster, error) {
	return filter.Parse(s.env, query)
}

// NewTimeline parses query and opens a timeline over the post cache. The
// session closes it on Close unless the caller closes it first.
func (s *Session) NewTimeline(name, query string, opts ...timeline.Option) (*timeline.Timeline, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	f, err := s.Parse(query)
	if err != nil {
		return nil, err
	}
	opts = append([]timeline.Option{timeline.WithLogger(s.logger)}, opts...)
	tl, err := timeline.New(name, f, s.posts, s.bus, opts...)
	if err != nil {
		f.Dispose()
		return nil, err
	}

	s.mu.Lock()
	s.timelines[tl] = struct{}{}
	s.mu.Unlock()
	return tl, nil
}

// LookupUser finds a profile by screen name, asking the network
// collaborator and registering the result when no cache knows it.
func (s *Session) LookupUser(ctx context.Context, screenName string) (model.User, error) {
	u, ok, err := s.users.GetByScreenName(ctx, screenName)
	if err != nil {
		return model.User{}, fmt.Errorf("lookup @%s: %w", screenName, err)
	}
	if ok {
		return u, nil
	}

	u, err = s.fetcher.FetchUserByScreenName(ctx, screenName)
	if err != nil {
		return model.User{}, fmt.Errorf("lookup @%s: %w", screenName, err)
	}
	if _, err := s.pipeline.RegisterUser(ctx, u).Wait(ctx); err != nil && !model.IsStoreUnavailable(err) {
		return model.User{}, fmt.Errorf("lookup @%s: %w", screenName, err)
	}
	return u, nil
}

// Close shuts the session down: timelines first, then the pipeline drains
// its queue, then rosters, bus and store close. Safe to call twice.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tls := make([]*timeline.Timeline, 0, len(s.timelines))
	for tl := range s.timelines {
		tls = append(tls, tl)
	}
	s.timelines = nil
	s.mu.Unlock()

	var errs []error

	g, gctx := errgroup.WithContext(ctx)
	for _, tl := range tls {
		g.Go(func() error { return tl.Close(gctx) })
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("close timelines: %w", err))
	}
	if s.mute != nil {
		s.pipeline.SetMute(nil)
		s.mute.Dispose()
	}

	if err := s.pipeline.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close pipeline: %w", err))
	}
	s.rosters.Close()
	if err := s.bus.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	s.logger.Info("session closed", "uptime", time.Since(s.started).Round(time.Millisecond).String())
	return errors.Join(errs...)
}
