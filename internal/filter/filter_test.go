package filter

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/skein/internal/account"
	"github.com/roach88/skein/internal/model"
	"github.com/roach88/skein/internal/query"
	"github.com/roach88/skein/internal/retry"
	"github.com/roach88/skein/internal/roster"
)

func TestMain(m *testing.M) {
	// regexp2 keeps a shared timeout clock alive once a match deadline is set.
	goleak.VerifyTestMain(m, goleak.IgnoreAnyFunction("github.com/dlclark/regexp2.runClock"))
}

var describeCorpus = []string{
	`dmsg`,
	`dmsg!`,
	`protected | verified`,
	`retweeted!`,
	`rt_count:[3..]`,
	`fav_count:2`,
	`reply_count:(0..5)`,
	`text:go`,
	`text:"Go", true`,
	`text:"^re:", false, true`,
	`hashtag:"#golang"`,
	`bio:engineer`,
	`loc:tokyo & web:"example.com"`,
	`name:"Alice"`,
	`user:"@alice"`,
	`rt_from:bob | fav_from:bob`,
	`follow_from:me, true`,
	`follow_to:me`,
	`block_from!:"m*"`,
	`conv:alice,"@bob"`,
	`list:me,friends`,
	`mtree:42`,
	`(user:alice | user:bob) & dmsg!`,
	`(dmsg | retweeted)!`,
}

func TestDescribe_Golden(t *testing.T) {
	var buf bytes.Buffer
	for _, src := range describeCorpus {
		c := parse(t, nil, src)
		fmt.Fprintf(&buf, "%s\n=> %s\n=> %s\n", src, Format(c), c.Describe())
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "describe", buf.Bytes())
}

func TestMatch(t *testing.T) {
	te := newTestEnv(t)
	ids := te.seedCorpus(t)

	tests := []struct {
		query string
		want  []uint64
	}{
		{`dmsg`, []uint64{103}},
		{`dmsg!`, []uint64{100, 101, 102, 104}},
		{`protected`, []uint64{100, 103}},
		{`verified`, []uint64{101}},
		{`retweeted`, []uint64{102}},
		{`rt_count:[1..]`, []uint64{100}},
		{`fav_count:1`, []uint64{100}},
		{`reply_count:[1..]`, []uint64{100}},
		{`text:golang`, []uint64{100}},
		{`text:"HELLO"`, []uint64{100}},
		{`text:"HELLO", true`, nil},
		{`text:"^re:", false, true`, []uint64{104}},
		{`hashtag:GoLang`, []uint64{100}},
		{`bio:engineer`, []uint64{100, 103}},
		{`loc:tokyo`, []uint64{100, 103}},
		{`web:example`, []uint64{100, 103}},
		{`name:"alice a"`, []uint64{100, 103}},
		{`user:alice`, []uint64{100, 103}},
		{`user:"a*"`, []uint64{100, 103}},
		{`user:"@BOB"`, []uint64{101}},
		{`rt_from:carol`, []uint64{100}},
		{`fav_from:bob`, []uint64{100}},
		{`follow_from:me`, []uint64{100, 103}},
		{`follow_to:me`, []uint64{101}},
		{`block_from:me`, []uint64{102, 104}},
		{`conv:alice,bob`, []uint64{100, 101, 103}},
		{`(user:alice | user:bob) & dmsg!`, []uint64{100, 101}},
		{`(dmsg | retweeted)!`, []uint64{100, 101, 104}},
		{``, nil},
		{`()!`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			f := parse(t, te.Env, tt.query)
			assert.Equal(t, tt.want, te.matching(t, f, ids...))
		})
	}
}

func TestMatch_RoundTripPreservesBehavior(t *testing.T) {
	te := newTestEnv(t)
	ids := te.seedCorpus(t)

	for _, src := range describeCorpus {
		if src == `mtree:42` || src == `list:me,friends` {
			continue
		}
		t.Run(src, func(t *testing.T) {
			first := parse(t, te.Env, src)
			second := parse(t, te.Env, Format(first))
			assert.Equal(t, te.matching(t, first, ids...), te.matching(t, second, ids...))
			assert.Equal(t, Format(first), Format(second))
		})
	}
}

func TestNegation(t *testing.T) {
	te := newTestEnv(t)
	ids := te.seedCorpus(t)

	for _, ident := range []string{"dmsg", "verified", "retweeted", "user:alice", "rt_count:[1..]"} {
		t.Run(ident, func(t *testing.T) {
			f := parse(t, te.Env, ident)
			neg, err := Parse(te.Env, negate(ident))
			require.NoError(t, err)
			t.Cleanup(neg.Dispose)

			for _, id := range ids {
				p := te.load(t, id)
				assert.NotEqual(t, f.Match(context.Background(), p), neg.Match(context.Background(), p), "post %d", id)
			}
		})
	}
}

// negate inserts '!' after the identifier.
func negate(term string) string {
	for i, r := range term {
		if r == ':' {
			return term[:i] + "!" + term[i:]
		}
	}
	return term + "!"
}

func TestFollowFrom_RepostOfBlockedAuthor(t *testing.T) {
	te := newTestEnv(t)
	te.addUser(t, model.User{ID: alice, ScreenName: "alice"})
	te.addUser(t, model.User{ID: bob, ScreenName: "bob"})

	orig := model.RawPost{ID: 200, AuthorID: alice, Text: "original", CreatedAt: epoch}
	te.addPost(t, model.RawPost{ID: 201, AuthorID: bob, Text: "RT", RepostOf: &orig})
	te.Accounts.Set(me, account.Following, []uint64{bob})
	te.Accounts.Set(me, account.Blocking, []uint64{alice})

	strict := parse(t, te.Env, `follow_from:me`)
	lenient := parse(t, te.Env, `follow_from:me, true`)

	assert.Empty(t, te.matching(t, strict, 201))
	assert.Equal(t, []uint64{201}, te.matching(t, lenient, 201))
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{`nope`, `unknown filter "nope"`},
		{`dmsg:1`, "takes at most 0 arguments"},
		{`user`, "missing screen name"},
		{`conv:alice`, "missing second user"},
		{`rt_count:abc`, "range must be"},
		{`text:a, yes`, "case_sensitive must be true or false"},
		{`text:"(", false, true`, "bad pattern"},
		{`mtree:0`, "invalid post id 0"},
		{`mtree:x`, "post id must be a number"},
		{`user:a & (`, "expected filter identifier"},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			_, err := Parse(nil, tt.src)
			require.Error(t, err)
			assert.True(t, model.IsInvalidQuery(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestIdentifiers(t *testing.T) {
	assert.Equal(t, []string{
		"bio", "block_from", "conv", "dmsg", "fav_count", "fav_from", "follow_from", "follow_to",
		"hashtag", "list", "loc", "mtree", "name", "protected", "reply_count", "retweeted",
		"rt_count", "rt_from", "text", "user", "verified", "web",
	}, Identifiers())

	usage, ok := Usage("conv")
	assert.True(t, ok)
	assert.Equal(t, `conv:"user1", "user2"`, usage)
}

func TestCluster(t *testing.T) {
	ctx := context.Background()
	dm := model.Post{ID: 1, AuthorID: 2, IsDirectMessage: true, RecipientID: 3}
	plain := model.Post{ID: 2, AuthorID: 2}

	empty := NewCluster(query.OpAnd, false)
	assert.False(t, empty.Match(ctx, dm))
	assert.False(t, NewCluster(query.OpOr, true).Match(ctx, dm), "empty matches nothing even negated")
	assert.True(t, empty.Empty())

	or := NewCluster(query.OpOr, false, NewDirectMessage(false), NewRepost(false))
	assert.True(t, or.Match(ctx, dm))
	assert.False(t, or.Match(ctx, plain))

	and := NewCluster(query.OpAnd, true, NewDirectMessage(false), NewDirectMessage(true))
	assert.True(t, and.Match(ctx, dm), "a contradiction negated matches everything")
	assert.Equal(t, "(dmsg & dmsg!)!", Format(and))
}

func TestCluster_ForwardsSignals(t *testing.T) {
	inner := NewDirectMessage(false)
	c := NewCluster(query.OpAnd, false, NewCluster(query.OpOr, false, inner))
	rec := record(t, c)

	inner.Signals().RaiseReaccept()
	inner.Signals().RaisePartialReaccept(7)
	inner.Signals().RaisePartialReaccept(0)

	assert.Equal(t, 1, rec.fullCount())
	assert.Equal(t, []uint64{7}, rec.partials())

	c.Dispose()
	inner.Signals().RaiseReaccept()
	assert.Equal(t, 1, rec.fullCount(), "disposed cluster stops forwarding")
}

func TestCountFilter_PartialReacceptOnChange(t *testing.T) {
	te := newTestEnv(t)
	te.seedCorpus(t)

	f := parse(t, te.Env, `rt_count:[1..]`)
	rec := record(t, f)
	assert.Empty(t, te.matching(t, f, 104))

	orig := model.RawPost{ID: 104, AuthorID: carol, Text: "Re: something", CreatedAt: epoch.Add(104 * time.Second)}
	te.addPost(t, model.RawPost{ID: 105, AuthorID: alice, Text: "RT", RepostOf: &orig})

	require.Eventually(t, func() bool {
		for _, id := range rec.partials() {
			if id == 104 {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{104}, te.matching(t, f, 104))
}

func TestListFilter_ResolvesThenReaccepts(t *testing.T) {
	te := newTestEnv(t)
	ids := te.seedCorpus(t)
	te.replay.Add(networkList("me", "friends", alice, bob))

	f := parse(t, te.Env, `list:me,friends`)
	rec := record(t, f)

	assert.Empty(t, te.matching(t, f, 100), "unresolved list matches nothing")
	require.Eventually(t, func() bool { return rec.fullCount() >= 1 }, 5*time.Second, 10*time.Millisecond)

	// 101 replies to alice, a member; 103 is a direct message.
	assert.Equal(t, []uint64{100, 101, 103}, te.matching(t, f, ids...))

	te.addPost(t, model.RawPost{ID: 106, AuthorID: alice, Text: "@carol hey", InReplyToUserID: carol})
	assert.Empty(t, te.matching(t, f, 106), "reply to a non-member is outside the list timeline")
}

func TestListFilter_RetriesAfterResolutionGivesUp(t *testing.T) {
	te := newTestEnv(t)
	ids := te.seedCorpus(t)

	rosters := roster.New(te.replay, roster.WithRetryPolicy(retry.Policy{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		MaxAttempts:     1,
	}))
	t.Cleanup(rosters.Close)
	te.Rosters = rosters

	f := parse(t, te.Env, `list:me,friends`)
	rec := record(t, f)

	// The list is unknown to the network, so the first resolution gives up.
	assert.Empty(t, te.matching(t, f, 100))
	require.Eventually(t, func() bool { return rosters.Idle("me", "friends") }, 5*time.Second, time.Millisecond)
	assert.Zero(t, rec.fullCount())

	te.replay.Add(networkList("me", "friends", alice, bob))
	assert.Empty(t, te.matching(t, f, 100), "still unresolved while the fetch restarts")
	require.Eventually(t, func() bool { return rec.fullCount() >= 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{100, 101, 103}, te.matching(t, f, ids...))
}

func TestSignals_Cancel(t *testing.T) {
	var s Signals
	calls := 0
	cancel := s.OnReaccept(func() { calls++ })
	s.RaiseReaccept()
	cancel()
	s.RaiseReaccept()
	assert.Equal(t, 1, calls)
}

func TestBase_DisposeIdempotent(t *testing.T) {
	b := NewDirectMessage(false)
	runs := 0
	b.onDispose(func() { runs++ })
	b.Dispose()
	b.Dispose()
	b.onDispose(func() { runs++ })
	assert.Equal(t, 2, runs)
}

func TestMatchName(t *testing.T) {
	assert.True(t, matchName("Alice", "alice"))
	assert.True(t, matchName("alice", "@ALICE"))
	assert.True(t, matchName("alice_01", "alice_*"))
	assert.True(t, matchName("bob", "b?b"))
	assert.False(t, matchName("alice", "ali"))
	assert.False(t, matchName("", "*"))
}
