// Package filter implements the filter engine: negatable predicates over
// posts that can be composed into clusters, parsed from and formatted to
// the query language, and that ask their consumers to re-test posts when
// the state they depend on changes.
package filter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/skein/internal/account"
	"github.com/roach88/skein/internal/bus"
	"github.com/roach88/skein/internal/cache"
	"github.com/roach88/skein/internal/model"
	"github.com/roach88/skein/internal/pipeline"
	"github.com/roach88/skein/internal/query"
	"github.com/roach88/skein/internal/retry"
	"github.com/roach88/skein/internal/roster"
)

// DefaultIndexTTL is how long the mention tree trusts its reply index.
const DefaultIndexTTL = 10 * time.Second

// Filter is a negatable predicate over posts.
type Filter interface {
	// Match reports whether p passes, negation applied.
	Match(ctx context.Context, p model.Post) bool
	// Expr returns the query form of the filter.
	Expr() query.Expr
	// Describe returns a one-line human description.
	Describe() string
	// Signals returns the re-acceptance channel of the filter.
	Signals() *Signals
	// Dispose releases event subscriptions and background work. The owner
	// calls it when the filter is discarded.
	Dispose()
}

// ReplyEdges lists stored reply links as child id -> parent id.
type ReplyEdges interface {
	ReplyEdges(ctx context.Context) (map[uint64]uint64, error)
}

// PostFetcher looks up a single post on the network.
type PostFetcher interface {
	FetchPost(ctx context.Context, id uint64) (model.RawPost, error)
}

// Registrar feeds fetched posts back through the registration pipeline.
type Registrar interface {
	RegisterPost(ctx context.Context, raw model.RawPost) *pipeline.Future[*cache.PostEntry]
	Remove(ctx context.Context, id uint64) *pipeline.Future[bool]
}

// Env is the state filters read at evaluation time. Nil collaborators
// disable the filters that need them: those filters match nothing.
type Env struct {
	Posts     *cache.PostCache
	Users     *cache.UserCache
	Accounts  *account.Registry
	Rosters   *roster.Roster
	Bus       *bus.Bus
	Replies   ReplyEdges
	Fetcher   PostFetcher
	Registrar Registrar
	Retry     retry.Policy
	IndexTTL  time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

func (env *Env) logger() *slog.Logger {
	if env.Logger != nil {
		return env.Logger
	}
	return slog.Default()
}

func (env *Env) now() time.Time {
	if env.Now != nil {
		return env.Now()
	}
	return time.Now()
}

// user returns the cached profile of id.
func (env *Env) user(ctx context.Context, id uint64) (model.User, bool) {
	if env.Users == nil || id == 0 {
		return model.User{}, false
	}
	u, ok, err := env.Users.Get(ctx, id)
	if err != nil {
		env.logger().Debug("user lookup failed", "user_id", id, "error", err)
		return model.User{}, false
	}
	return u, ok
}

func (env *Env) screenName(ctx context.Context, id uint64) string {
	u, ok := env.user(ctx, id)
	if !ok {
		return ""
	}
	return u.ScreenName
}

// post returns the cached record of id.
func (env *Env) post(ctx context.Context, id uint64) (model.Post, bool) {
	if env.Posts == nil || id == 0 {
		return model.Post{}, false
	}
	p, ok, err := env.Posts.Load(ctx, id)
	if err != nil {
		env.logger().Debug("post lookup failed", "post_id", id, "error", err)
		return model.Post{}, false
	}
	return p, ok
}

// predicate is the variant-specific part of a Term filter.
type predicate interface {
	test(ctx context.Context, p model.Post) bool
	args() []query.Value
	describe() string
}

// Base is a single identifier filter. Variants supply the predicate;
// Base applies negation and owns signals and disposers.
type Base struct {
	identifier string
	negated    bool
	pred       predicate
	signals    Signals

	mu        sync.Mutex
	disposers []func()
	disposed  bool
}

func newBase(identifier string, negated bool, pred predicate) *Base {
	return &Base{identifier: identifier, negated: negated, pred: pred}
}

// Identifier returns the query identifier.
func (b *Base) Identifier() string { return b.identifier }

// Negated reports whether the predicate is inverted.
func (b *Base) Negated() bool { return b.negated }

// Match implements Filter.
func (b *Base) Match(ctx context.Context, p model.Post) bool {
	return b.pred.test(ctx, p) != b.negated
}

// Expr implements Filter.
func (b *Base) Expr() query.Expr {
	return &query.Term{Identifier: b.identifier, Negated: b.negated, Args: b.pred.args()}
}

// Describe implements Filter.
func (b *Base) Describe() string {
	if b.negated {
		return "not " + b.pred.describe()
	}
	return b.pred.describe()
}

// Signals implements Filter.
func (b *Base) Signals() *Signals { return &b.signals }

// onDispose registers fn to run on Dispose. After Dispose fn runs at once.
func (b *Base) onDispose(fn func()) {
	b.mu.Lock()
	if !b.disposed {
		b.disposers = append(b.disposers, fn)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	fn()
}

// Dispose implements Filter. It is safe to call more than once.
func (b *Base) Dispose() {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.disposed = true
	fns := b.disposers
	b.disposers = nil
	b.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// subscribe forwards bus events of kinds to handle until the filter is
// disposed. Without a bus it does nothing.
func (b *Base) subscribe(env *Env, kinds []bus.Kind, handle func(e bus.Event)) {
	if env.Bus == nil {
		return
	}
	sub, err := env.Bus.Subscribe("filter "+b.identifier, kinds, func(_ context.Context, e bus.Event) error {
		handle(e)
		return nil
	})
	if err != nil {
		env.logger().Warn("filter subscription failed", "filter", b.identifier, "error", err)
		return
	}
	b.onDispose(func() {
		if err := sub.Close(context.Background()); err != nil {
			env.logger().Debug("filter unsubscribe failed", "filter", b.identifier, "error", err)
		}
	})
}
