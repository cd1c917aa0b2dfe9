package timeline

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/skein/internal/account"
	"github.com/roach88/skein/internal/bus"
	"github.com/roach88/skein/internal/cache"
	"github.com/roach88/skein/internal/filter"
	"github.com/roach88/skein/internal/model"
	"github.com/roach88/skein/internal/network"
	"github.com/roach88/skein/internal/pipeline"
	"github.com/roach88/skein/internal/query"
	"github.com/roach88/skein/internal/retry"
	"github.com/roach88/skein/internal/roster"
	"github.com/roach88/skein/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	me    = uint64(1)
	alice = uint64(2)
	bob   = uint64(3)
)

var epoch = time.Unix(1700000000, 0).UTC()

type fixture struct {
	env    *filter.Env
	posts  *cache.PostCache
	bus    *bus.Bus
	pipe   *pipeline.Pipeline
	replay *network.Replay
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "timeline.db"), store.Options{Mode: store.Volatile})
	require.NoError(t, err)

	noSweep := cache.WithScheduler(func(func()) {})
	posts := cache.NewPostCache(s.Posts(), noSweep)
	users := cache.NewUserCache(s.Users(), noSweep)
	b := bus.New()
	accounts := account.NewRegistry(account.Viewer{ID: me, ScreenName: "me"})
	pipe := pipeline.New(posts, users, s.Posts(), s.Users(), b, accounts, pipeline.WithSessionStart(epoch))
	replay := network.NewReplay()
	policy := retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	rosters := roster.New(replay, roster.WithRetryPolicy(policy))

	t.Cleanup(func() {
		ctx := context.Background()
		require.NoError(t, pipe.Close(ctx))
		rosters.Close()
		require.NoError(t, b.Close(ctx))
		require.NoError(t, s.Close())
	})

	f := &fixture{
		env: &filter.Env{
			Posts:     posts,
			Users:     users,
			Accounts:  accounts,
			Rosters:   rosters,
			Bus:       b,
			Replies:   s.Posts(),
			Fetcher:   replay,
			Registrar: pipe,
			Retry:     policy,
		},
		posts:  posts,
		bus:    b,
		pipe:   pipe,
		replay: replay,
	}
	f.addUser(t, model.User{ID: alice, ScreenName: "alice"})
	f.addUser(t, model.User{ID: bob, ScreenName: "bob"})
	return f
}

func (f *fixture) addUser(t *testing.T, u model.User) {
	t.Helper()
	u.LastModifiedAt = 1
	_, err := f.pipe.RegisterUser(context.Background(), u).Wait(context.Background())
	require.NoError(t, err)
}

func (f *fixture) addPost(t *testing.T, raw model.RawPost) {
	t.Helper()
	if raw.CreatedAt.IsZero() {
		raw.CreatedAt = epoch.Add(time.Duration(raw.ID) * time.Second)
	}
	_, err := f.pipe.RegisterPost(context.Background(), raw).Wait(context.Background())
	require.NoError(t, err)
}

func (f *fixture) open(t *testing.T, src string, opts ...Option) *Timeline {
	t.Helper()
	c, err := filter.Parse(f.env, src)
	require.NoError(t, err)
	return f.openWith(t, c, opts...)
}

func (f *fixture) openWith(t *testing.T, flt filter.Filter, opts ...Option) *Timeline {
	t.Helper()
	tl, err := New("test", flt, f.posts, f.bus, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, tl.Close(context.Background()))
	})
	require.NoError(t, tl.Flush(context.Background()))
	return tl
}

// eventually flushes tl until cond holds.
func eventually(t *testing.T, tl *Timeline, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_ = tl.Flush(context.Background())
		return cond()
	}, 5*time.Second, 5*time.Millisecond, msg)
}

func TestTimeline_InitialMembership(t *testing.T) {
	f := newFixture(t)
	f.addPost(t, model.RawPost{ID: 10, AuthorID: alice, Text: "one"})
	f.addPost(t, model.RawPost{ID: 11, AuthorID: bob, Text: "two"})
	f.addPost(t, model.RawPost{ID: 12, AuthorID: alice, Text: "three"})

	tl := f.open(t, "user:alice")

	assert.Equal(t, []uint64{10, 12}, tl.IDs())
	assert.Equal(t, 2, tl.Len())
	assert.True(t, tl.Contains(10))
	assert.False(t, tl.Contains(11))
	assert.Equal(t, "test", tl.Name())
}

func TestTimeline_FollowsBusEvents(t *testing.T) {
	f := newFixture(t)
	tl := f.open(t, "user:alice")
	assert.Empty(t, tl.IDs())

	f.addPost(t, model.RawPost{ID: 20, AuthorID: alice, Text: "new"})
	f.addPost(t, model.RawPost{ID: 21, AuthorID: bob, Text: "other"})
	eventually(t, tl, func() bool { return tl.Contains(20) }, "added post joins")
	assert.False(t, tl.Contains(21))

	_, err := f.pipe.Remove(context.Background(), 20).Wait(context.Background())
	require.NoError(t, err)
	eventually(t, tl, func() bool { return !tl.Contains(20) }, "removed post leaves")
}

func TestTimeline_CountChangeReaccepts(t *testing.T) {
	f := newFixture(t)
	f.addPost(t, model.RawPost{ID: 30, AuthorID: alice, Text: "popular"})
	tl := f.open(t, "rt_count:[1..]")
	assert.Empty(t, tl.IDs())

	orig := model.RawPost{ID: 30, AuthorID: alice, Text: "popular", CreatedAt: epoch.Add(30 * time.Second)}
	f.addPost(t, model.RawPost{ID: 31, AuthorID: bob, Text: "RT", RepostOf: &orig})

	eventually(t, tl, func() bool { return tl.Contains(30) }, "reposted post joins")
	assert.False(t, tl.Contains(31))
}

func TestTimeline_MentionTreeGrows(t *testing.T) {
	f := newFixture(t)
	f.addPost(t, model.RawPost{ID: 3, AuthorID: alice, Text: "a"})
	f.addPost(t, model.RawPost{ID: 5, AuthorID: bob, Text: "b", InReplyToID: 3, InReplyToUserID: alice})
	f.addPost(t, model.RawPost{ID: 9, AuthorID: alice, Text: "c", InReplyToID: 5, InReplyToUserID: bob})
	f.addPost(t, model.RawPost{ID: 40, AuthorID: alice, Text: "unrelated"})

	tl := f.open(t, "mtree:5")

	eventually(t, tl, func() bool { return tl.Contains(3) }, "ancestor joins after the walk")
	assert.Equal(t, []uint64{3, 5, 9}, tl.IDs())
	assert.GreaterOrEqual(t, tl.Stats().PartialReaccepts, int64(1))
}

func TestTimeline_ListResolution(t *testing.T) {
	f := newFixture(t)
	f.replay.Add(network.Record{Kind: network.KindList, Owner: "me", Slug: "close", Members: []uint64{bob}})
	f.addPost(t, model.RawPost{ID: 50, AuthorID: alice, Text: "a"})
	f.addPost(t, model.RawPost{ID: 51, AuthorID: bob, Text: "b"})

	tl := f.open(t, "list:me,close")

	eventually(t, tl, func() bool { return tl.Contains(51) }, "list members join once resolved")
	assert.Equal(t, []uint64{51}, tl.IDs())
}

func TestTimeline_Observer(t *testing.T) {
	f := newFixture(t)
	f.addPost(t, model.RawPost{ID: 60, AuthorID: alice, Text: "a"})

	var (
		mu      sync.Mutex
		changes []Change
	)
	tl := f.open(t, "user:alice", WithObserver(func(c Change) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, c)
	}))

	_, err := f.pipe.Remove(context.Background(), 60).Wait(context.Background())
	require.NoError(t, err)
	eventually(t, tl, func() bool { return !tl.Contains(60) }, "removed")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Change{{Kind: Added, ID: 60}, {Kind: Removed, ID: 60}}, changes)
	assert.Equal(t, "added", Added.String())
	assert.Equal(t, "removed", Removed.String())
}

// countingFilter accepts everything and counts disposals.
type countingFilter struct {
	signals  filter.Signals
	disposed atomic.Int32
	accept   atomic.Bool
}

func (c *countingFilter) Match(context.Context, model.Post) bool { return c.accept.Load() }
func (c *countingFilter) Expr() query.Expr                        { return &query.Term{Identifier: "counting"} }
func (c *countingFilter) Describe() string                        { return "counting" }
func (c *countingFilter) Signals() *filter.Signals                { return &c.signals }
func (c *countingFilter) Dispose()                                { c.disposed.Add(1) }

func TestTimeline_ReacceptSignal(t *testing.T) {
	f := newFixture(t)
	f.addPost(t, model.RawPost{ID: 70, AuthorID: alice, Text: "a"})
	f.addPost(t, model.RawPost{ID: 71, AuthorID: bob, Text: "b"})

	flt := &countingFilter{}
	tl := f.openWith(t, flt)
	assert.Empty(t, tl.IDs())

	flt.accept.Store(true)
	flt.signals.RaiseReaccept()
	eventually(t, tl, func() bool { return tl.Len() == 2 }, "full re-accept picks up every post")

	flt.accept.Store(false)
	flt.signals.RaisePartialReaccept(70)
	eventually(t, tl, func() bool { return !tl.Contains(70) }, "partial re-accept drops 70")
	assert.True(t, tl.Contains(71), "partial re-accept leaves other posts alone")
}

func TestTimeline_PartialReacceptCoversReplies(t *testing.T) {
	f := newFixture(t)
	f.addPost(t, model.RawPost{ID: 80, AuthorID: alice, Text: "root"})
	f.addPost(t, model.RawPost{ID: 81, AuthorID: bob, Text: "reply", InReplyToID: 80, InReplyToUserID: alice})
	f.addPost(t, model.RawPost{ID: 82, AuthorID: alice, Text: "elsewhere"})

	flt := &countingFilter{}
	tl := f.openWith(t, flt)

	flt.accept.Store(true)
	flt.signals.RaisePartialReaccept(80)
	eventually(t, tl, func() bool { return tl.Contains(81) }, "reply below 80 re-tested")
	assert.Equal(t, []uint64{80, 81}, tl.IDs())
}

func TestTimeline_SetFilterDisposesPrevious(t *testing.T) {
	f := newFixture(t)
	f.addPost(t, model.RawPost{ID: 90, AuthorID: alice, Text: "a"})

	first := &countingFilter{}
	first.accept.Store(true)
	tl := f.openWith(t, first)
	assert.Equal(t, []uint64{90}, tl.IDs())

	c, err := filter.Parse(f.env, "user:bob")
	require.NoError(t, err)
	require.NoError(t, tl.SetFilter(c))
	require.NoError(t, tl.Flush(context.Background()))

	assert.Equal(t, int32(1), first.disposed.Load())
	assert.Empty(t, tl.IDs())
	assert.Same(t, filter.Filter(c), tl.Filter())

	first.signals.RaiseReaccept()
	require.NoError(t, tl.Flush(context.Background()))
	assert.Empty(t, tl.IDs(), "detached filter signals are ignored")
}

func TestTimeline_Close(t *testing.T) {
	f := newFixture(t)
	flt := &countingFilter{}
	tl, err := New("closing", flt, f.posts, f.bus)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, tl.Close(ctx))
	require.NoError(t, tl.Close(ctx))

	assert.Equal(t, int32(1), flt.disposed.Load())
	assert.ErrorIs(t, tl.Flush(ctx), ErrClosed)
	assert.ErrorIs(t, tl.SetFilter(&countingFilter{}), ErrClosed)

	flt.signals.RaiseReaccept()
}

func TestNew_NilCache(t *testing.T) {
	_, err := New("broken", &countingFilter{}, nil, nil)
	require.Error(t, err)
}

// storeLoader serves released payloads from a fixed set.
type storeLoader map[uint64]model.Post

func (l storeLoader) Get(_ context.Context, id uint64) (model.Post, bool, error) {
	p, ok := l[id]
	return p, ok, nil
}

func TestTimeline_FullReacceptKeepsPayloadsReleased(t *testing.T) {
	stored := storeLoader{}
	for i := uint64(1); i <= 3; i++ {
		stored[i] = model.Post{ID: i, AuthorID: alice, Text: "cold", CreatedAt: epoch}
	}
	posts := cache.NewPostCache(stored, cache.WithScheduler(func(func()) {}))
	_, err := posts.Hydrate(func(yield func(model.Post, error) bool) {
		for i := uint64(1); i <= 3; i++ {
			if !yield(stored[i], nil) {
				return
			}
		}
	})
	require.NoError(t, err)

	flt := &countingFilter{}
	flt.accept.Store(true)
	tl, err := New("cold", flt, posts, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, tl.Close(context.Background()))
	})

	eventually(t, tl, func() bool { return tl.Len() == 3 }, "released posts are re-tested")
	assert.Zero(t, posts.Stats().Resident)
}
