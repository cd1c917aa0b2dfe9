package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/skein/internal/account"
	"github.com/roach88/skein/internal/bus"
	"github.com/roach88/skein/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRegisterPost_AddsAndPersists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := f.register(t, raw(10, 5))
	assert.Equal(t, uint64(10), e.ID())
	assert.True(t, e.Persisted())
	assert.Equal(t, model.Exists, f.posts.Contains(10))

	stored, ok, err := f.store.Posts().Get(ctx, 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), stored.AuthorID)

	added := f.rec.of(bus.PostAdded)
	require.Len(t, added, 1)
	assert.Equal(t, uint64(10), added[0].PostID)
}

func TestRegisterPost_Idempotent(t *testing.T) {
	f := newFixture(t)

	e1 := f.register(t, raw(10, 5))
	e2 := f.register(t, raw(10, 5))
	assert.Same(t, e1, e2)
	assert.Len(t, f.rec.of(bus.PostAdded), 1)
	assert.Equal(t, int64(1), f.p.Stats().PostsDuplicate)
}

func TestRegisterPost_CorruptIsNeverInserted(t *testing.T) {
	f := newFixture(t)

	_, err := f.p.RegisterPost(context.Background(), raw(10, 0)).Wait(context.Background())
	assert.True(t, model.IsCorruptRecord(err))
	assert.Equal(t, model.Unreceived, f.posts.Contains(10))
	assert.Equal(t, int64(1), f.p.Stats().PostsRejected)
}

func TestRegisterPost_TombstonedIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.p.Remove(ctx, 10).Wait(ctx)
	require.NoError(t, err)

	_, err = f.p.RegisterPost(ctx, raw(10, 5)).Wait(ctx)
	assert.True(t, model.IsTombstoned(err))
	assert.Equal(t, model.ServerDeleted, f.posts.Contains(10))
}

func TestRegisterPost_ExpandsURLs(t *testing.T) {
	f := newFixture(t)

	r := raw(10, 5)
	r.Text = "読む https://t.co/a"
	r.URLs = []model.URLSpan{{Start: 3, End: 17, URL: "https://t.co/a", ExpandedURL: "https://example.com/long"}}
	f.register(t, r)

	assert.Equal(t, "読む https://example.com/long", f.snapshot(t, 10).Text)
}

func TestRegisterPost_RegistersEmbeddedAuthorFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := raw(10, 0)
	r.Author = &model.User{ID: 5, ScreenName: "five", LastModifiedAt: 1}
	f.register(t, r)

	u, ok, err := f.users.Get(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "five", u.ScreenName)
	assert.Equal(t, uint64(5), f.snapshot(t, 10).AuthorID)
}

func TestRepost_AccountedOnce(t *testing.T) {
	f := newFixture(t)

	orig := raw(10, 5)
	f.register(t, repostOf(20, 7, orig))
	f.register(t, repostOf(20, 7, orig))
	f.register(t, repostOf(21, 7, orig))

	p := f.snapshot(t, 10)
	assert.Equal(t, []uint64{7}, p.RepostedBy)
	assert.Equal(t, uint64(10), f.snapshot(t, 20).RepostOfID)

	stored, _, err := f.store.Posts().Get(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, stored.RepostedBy)
}

func TestRepost_Events(t *testing.T) {
	tests := []struct {
		name     string
		reposter uint64
		orig     model.RawPost
		want     int
	}{
		{"local original reposted", 7, raw(10, me), 1},
		{"remote original", 7, raw(10, 5), 0},
		{"local reposter", me, raw(10, 5), 0},
		{"backfilled original", 7, old(raw(10, me)), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.register(t, repostOf(20, tt.reposter, tt.orig))

			got := f.rec.of(bus.Reposted)
			require.Len(t, got, tt.want)
			if tt.want == 1 {
				assert.Equal(t, uint64(10), got[0].PostID)
				assert.Equal(t, tt.reposter, got[0].SourceUserID)
				assert.Equal(t, me, got[0].TargetUserID)
				assert.Len(t, f.p.Events(), 1)
			}
		})
	}
}

func TestReplyLinking_PlaceholderThenParent(t *testing.T) {
	f := newFixture(t)

	f.register(t, replyTo(raw(11, 5), 10))
	assert.Equal(t, model.PlaceholderExists, f.posts.Contains(10))
	ph, ok := f.posts.Get(10, false)
	require.True(t, ok)
	assert.Equal(t, []uint64{11}, ph.RepliedFrom())

	f.rec.reset()
	f.register(t, raw(10, 6))

	assert.Equal(t, model.Exists, f.posts.Contains(10))
	assert.Equal(t, []uint64{11}, f.snapshot(t, 10).RepliedFrom)

	changed := f.rec.of(bus.PostChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, uint64(11), changed[0].PostID)
}

func TestReplyLinking_AdoptsStoredOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orphan := raw(21, 5).Record()
	orphan.InReplyToID = 20
	require.NoError(t, f.store.Posts().Put(ctx, orphan))

	f.register(t, raw(20, 6))
	assert.Equal(t, []uint64{21}, f.snapshot(t, 20).RepliedFrom)
}

func TestReplyLinking_LiveParentChanges(t *testing.T) {
	f := newFixture(t)

	f.register(t, raw(10, 6))
	f.rec.reset()
	f.register(t, replyTo(raw(11, 5), 10))

	assert.Equal(t, []uint64{11}, f.snapshot(t, 10).RepliedFrom)
	changed := f.rec.of(bus.PostChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, uint64(10), changed[0].PostID)
}

func TestRemove_CascadesRepostAndReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, repostOf(20, 7, raw(10, 5)))
	f.register(t, replyTo(raw(30, 8), 10))

	removed, err := f.p.Remove(ctx, 20).Wait(ctx)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = f.p.Remove(ctx, 30).Wait(ctx)
	require.NoError(t, err)
	assert.True(t, removed)

	p := f.snapshot(t, 10)
	assert.Empty(t, p.RepostedBy)
	assert.Empty(t, p.RepliedFrom)
	assert.Equal(t, model.ServerDeleted, f.posts.Contains(20))
	assert.Len(t, f.rec.of(bus.PostRemoved), 2)

	_, ok, err := f.store.Posts().Get(ctx, 20)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTrim_AllowsReRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, raw(10, 5))
	removed, err := f.p.Trim(ctx, 10).Wait(ctx)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, model.Unreceived, f.posts.Contains(10))

	f.register(t, raw(10, 5))
	assert.Equal(t, model.Exists, f.posts.Contains(10))
	assert.Len(t, f.rec.of(bus.PostAdded), 2)
}

func TestFavorites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, raw(10, me))

	changed, err := f.p.RegisterFavorite(ctx, 10, 5).Wait(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = f.p.RegisterFavorite(ctx, 10, 5).Wait(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = f.p.RegisterFavorite(ctx, 10, me).Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, []uint64{me, 5}, f.snapshot(t, 10).FavoritedBy)
	favs := f.rec.of(bus.Favorited)
	require.Len(t, favs, 1, "local favoriter is not notified")
	assert.Equal(t, uint64(5), favs[0].SourceUserID)
	assert.Equal(t, me, favs[0].TargetUserID)

	_, err = f.p.RemoveFavorite(ctx, 10, 5).Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, f.rec.of(bus.Unfavorited), 1)
	assert.Equal(t, []uint64{me}, f.snapshot(t, 10).FavoritedBy)
}

type muteAuthor uint64

func (m muteAuthor) Match(_ context.Context, p model.Post) bool {
	return p.AuthorID == uint64(m)
}

func TestMute_SuppressesNotifications(t *testing.T) {
	f := newFixture(t, WithMute(muteAuthor(5)))
	ctx := context.Background()

	r := raw(10, 5)
	r.Text = "hi @me"
	f.register(t, r)
	assert.Empty(t, f.rec.of(bus.Mentioned))
	assert.Equal(t, int64(1), f.p.Stats().EventsMuted)

	f.p.SetMute(nil)
	r = raw(11, 5)
	r.Text = "again @ME"
	f.register(t, r)
	assert.Len(t, f.rec.of(bus.Mentioned), 1)

	_, err := f.p.RegisterFavorite(ctx, 11, 6).Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, f.rec.of(bus.Favorited), 1)
}

func TestArrivalEvents(t *testing.T) {
	f := newFixture(t)

	mention := raw(10, 5)
	mention.Text = "@me look"
	f.register(t, mention)

	backfill := old(raw(11, 5))
	backfill.Text = "@me old"
	f.register(t, backfill)

	reply := replyTo(raw(12, 5), 99)
	reply.InReplyToUserID = me
	f.register(t, reply)

	own := raw(13, me)
	own.Text = "@me self"
	f.register(t, own)

	dm := raw(14, 5)
	dm.IsDirectMessage = true
	dm.RecipientID = me
	f.register(t, dm)

	mentions := f.rec.of(bus.Mentioned)
	require.Len(t, mentions, 2)
	assert.Equal(t, uint64(10), mentions[0].PostID)
	assert.Equal(t, uint64(12), mentions[1].PostID)

	dms := f.rec.of(bus.DirectMessaged)
	require.Len(t, dms, 1)
	assert.Equal(t, me, dms[0].TargetUserID)
	assert.Equal(t, int64(2), f.p.Stats().EventsSuppressed)
}

func TestFollow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	changed, err := f.p.RegisterFollow(ctx, 5, me).Wait(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, f.accounts.Has(me, account.Followers, 5))

	_, err = f.p.RegisterFollow(ctx, me, 6).Wait(ctx)
	require.NoError(t, err)
	assert.True(t, f.accounts.Has(me, account.Following, 6))

	_, err = f.p.RemoveFollow(ctx, 5, me).Wait(ctx)
	require.NoError(t, err)

	assert.Len(t, f.rec.of(bus.Followed), 1)
	assert.Len(t, f.rec.of(bus.Unfollowed), 1)
	assert.False(t, f.accounts.Has(me, account.Followers, 5))

	_, err = f.p.RegisterFollow(ctx, 0, me).Wait(ctx)
	assert.True(t, model.IsCorruptRecord(err))
}

func TestRegisterUser_StaleDiscardedQuietly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.p.RegisterUser(ctx, model.User{ID: 5, ScreenName: "new", LastModifiedAt: 10}).Wait(ctx)
	require.NoError(t, err)
	_, err = f.p.RegisterUser(ctx, model.User{ID: 5, ScreenName: "old", LastModifiedAt: 3}).Wait(ctx)
	require.NoError(t, err)

	u, _, err := f.users.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "new", u.ScreenName)
	assert.Len(t, f.rec.of(bus.UserUpdated), 1)
	assert.Equal(t, int64(1), f.p.Stats().UsersStale)

	stored, ok, err := f.store.Users().Get(ctx, 5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", stored.ScreenName)
}

func TestStoreFailure_KeepsEntryPinned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Close())

	e, err := f.p.RegisterPost(ctx, raw(10, 5)).Wait(ctx)
	require.Error(t, err)
	assert.True(t, model.IsStoreUnavailable(err))
	require.NotNil(t, e)
	assert.False(t, e.Persisted())
	assert.Equal(t, model.Exists, f.posts.Contains(10))
	assert.Equal(t, int64(1), f.p.Stats().StoreFailures)
}

func TestClose_DrainsThenRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	futures := make([]*Future[bool], 0, 20)
	for i := uint64(1); i <= 20; i++ {
		f.p.RegisterPost(ctx, raw(100+i, 5))
		futures = append(futures, f.p.RegisterFavorite(ctx, 100+i, 6))
	}

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.p.Close(closeCtx))

	for _, fut := range futures {
		assert.True(t, fut.Ready())
	}
	assert.Equal(t, int64(20), f.p.Stats().PostsAdded)

	_, err := f.p.RegisterPost(ctx, raw(500, 5)).Wait(ctx)
	assert.True(t, model.IsPipelineClosed(err))
}

func TestEventLog(t *testing.T) {
	f := newFixture(t, WithEventLogSize(2))
	ctx := context.Background()
	f.register(t, raw(10, me))

	for _, u := range []uint64{5, 6, 7} {
		_, err := f.p.RegisterFavorite(ctx, 10, u).Wait(ctx)
		require.NoError(t, err)
	}

	events := f.p.Events()
	require.Len(t, events, 2)
	assert.Equal(t, uint64(6), events[0].SourceUserID)
	assert.Equal(t, uint64(7), events[1].SourceUserID)

	assert.True(t, f.p.RemoveEvent(events[0].ID))
	assert.False(t, f.p.RemoveEvent(events[0].ID))
	assert.Len(t, f.p.Events(), 1)
}

func TestExpandURLs(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		spans []model.URLSpan
		want  string
	}{
		{"none", "plain", nil, "plain"},
		{
			"two spans applied back to front",
			"a http://x b http://y",
			[]model.URLSpan{
				{Start: 2, End: 10, ExpandedURL: "https://long-x"},
				{Start: 13, End: 21, ExpandedURL: "https://long-y"},
			},
			"a https://long-x b https://long-y",
		},
		{"fallback to url", "go http://s", []model.URLSpan{{Start: 3, End: 11, URL: "http://s2"}}, "go http://s2"},
		{"out of range skipped", "short", []model.URLSpan{{Start: 2, End: 40, ExpandedURL: "x"}}, "short"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpandURLs(tt.text, tt.spans))
		})
	}
}
