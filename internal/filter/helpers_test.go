package filter

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/skein/internal/account"
	"github.com/roach88/skein/internal/bus"
	"github.com/roach88/skein/internal/cache"
	"github.com/roach88/skein/internal/model"
	"github.com/roach88/skein/internal/network"
	"github.com/roach88/skein/internal/pipeline"
	"github.com/roach88/skein/internal/retry"
	"github.com/roach88/skein/internal/roster"
	"github.com/roach88/skein/internal/store"
)

const (
	me    = uint64(1)
	alice = uint64(2)
	bob   = uint64(3)
	carol = uint64(4)
)

var (
	epoch      = time.Unix(1700000000, 0).UTC()
	fastPolicy = retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
)

type testEnv struct {
	*Env
	pipe   *pipeline.Pipeline
	store  *store.Store
	replay *network.Replay
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "filter.db"), store.Options{Mode: store.Volatile})
	require.NoError(t, err)

	noSweep := cache.WithScheduler(func(func()) {})
	posts := cache.NewPostCache(s.Posts(), noSweep)
	users := cache.NewUserCache(s.Users(), noSweep)
	b := bus.New()
	accounts := account.NewRegistry(account.Viewer{ID: me, ScreenName: "me"})
	pipe := pipeline.New(posts, users, s.Posts(), s.Users(), b, accounts, pipeline.WithSessionStart(epoch))
	replay := network.NewReplay()
	rosters := roster.New(replay, roster.WithRetryPolicy(fastPolicy))

	te := &testEnv{
		Env: &Env{
			Posts:     posts,
			Users:     users,
			Accounts:  accounts,
			Rosters:   rosters,
			Bus:       b,
			Replies:   s.Posts(),
			Fetcher:   replay,
			Registrar: pipe,
			Retry:     fastPolicy,
		},
		pipe:   pipe,
		store:  s,
		replay: replay,
	}

	t.Cleanup(func() {
		ctx := context.Background()
		require.NoError(t, pipe.Close(ctx))
		rosters.Close()
		require.NoError(t, b.Close(ctx))
		require.NoError(t, s.Close())
	})
	return te
}

func (te *testEnv) addUser(t *testing.T, u model.User) {
	t.Helper()
	if u.LastModifiedAt == 0 {
		u.LastModifiedAt = 1
	}
	_, err := te.pipe.RegisterUser(context.Background(), u).Wait(context.Background())
	require.NoError(t, err)
}

func (te *testEnv) addPost(t *testing.T, raw model.RawPost) {
	t.Helper()
	if raw.CreatedAt.IsZero() {
		raw.CreatedAt = epoch.Add(time.Duration(raw.ID) * time.Second)
	}
	_, err := te.pipe.RegisterPost(context.Background(), raw).Wait(context.Background())
	require.NoError(t, err)
}

func (te *testEnv) load(t *testing.T, id uint64) model.Post {
	t.Helper()
	p, ok, err := te.Posts.Load(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok, "post %d not live", id)
	return p
}

// matching returns the ids among ids that f matches.
func (te *testEnv) matching(t *testing.T, f Filter, ids ...uint64) []uint64 {
	t.Helper()
	var out []uint64
	for _, id := range ids {
		if f.Match(context.Background(), te.load(t, id)) {
			out = append(out, id)
		}
	}
	return out
}

// seedCorpus registers a small social graph:
//
//	100 alice "hello #golang world @bob"
//	101 bob   reply to 100 "@alice hi"
//	102 carol repost of 100
//	103 alice direct message to bob
//	104 carol "Re: something"
//
// bob favorites 100. me follows alice, blocks carol and is followed by bob.
func (te *testEnv) seedCorpus(t *testing.T) []uint64 {
	t.Helper()
	ctx := context.Background()

	te.addUser(t, model.User{ID: me, ScreenName: "me"})
	te.addUser(t, model.User{
		ID:          alice,
		ScreenName:  "alice",
		DisplayName: "Alice A",
		Bio:         "Go engineer",
		Location:    "Tokyo",
		Website:     "https://example.com",
		IsProtected: true,
	})
	te.addUser(t, model.User{ID: bob, ScreenName: "bob", IsVerified: true})
	te.addUser(t, model.User{ID: carol, ScreenName: "carol"})

	orig := model.RawPost{ID: 100, AuthorID: alice, Text: "hello #golang world @bob"}
	te.addPost(t, orig)
	te.addPost(t, model.RawPost{ID: 101, AuthorID: bob, Text: "@alice hi", InReplyToID: 100, InReplyToUserID: alice})
	orig.CreatedAt = epoch.Add(100 * time.Second)
	te.addPost(t, model.RawPost{ID: 102, AuthorID: carol, Text: "RT", RepostOf: &orig})
	te.addPost(t, model.RawPost{ID: 103, AuthorID: alice, Text: "secret", IsDirectMessage: true, RecipientID: bob})
	te.addPost(t, model.RawPost{ID: 104, AuthorID: carol, Text: "Re: something"})

	_, err := te.pipe.RegisterFavorite(ctx, 100, bob).Wait(ctx)
	require.NoError(t, err)

	te.Accounts.Set(me, account.Following, []uint64{alice})
	te.Accounts.Set(me, account.Blocking, []uint64{carol})
	te.Accounts.Set(me, account.Followers, []uint64{bob})

	return []uint64{100, 101, 102, 103, 104}
}

// signalRecorder captures re-accept requests.
type signalRecorder struct {
	mu      sync.Mutex
	full    int
	partial []uint64
}

func record(t *testing.T, f Filter) *signalRecorder {
	t.Helper()
	r := &signalRecorder{}
	c1 := f.Signals().OnReaccept(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.full++
	})
	c2 := f.Signals().OnPartialReaccept(func(id uint64) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.partial = append(r.partial, id)
	})
	t.Cleanup(func() {
		c1()
		c2()
	})
	return r
}

func (r *signalRecorder) fullCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.full
}

func (r *signalRecorder) partials() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.partial...)
}

func parse(t *testing.T, env *Env, src string) *Cluster {
	t.Helper()
	c, err := Parse(env, src)
	require.NoError(t, err, src)
	t.Cleanup(c.Dispose)
	return c
}

func waitDone(t *testing.T, m *MentionTree) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("mention tree walk did not finish")
	}
}

func networkList(owner, slug string, members ...uint64) network.Record {
	return network.Record{Kind: network.KindList, Owner: owner, Slug: slug, Members: members}
}
