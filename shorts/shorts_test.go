package shorts_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomasmach/cai/config"
	"github.com/tomasmach/cai/shorts"
)

type fakeDiscord struct {
	mu        sync.Mutex
	sends     []*discordgo.MessageSend
	edits     []*discordgo.MessageEdit
	responses []*discordgo.InteractionResponse
}

func (f *fakeDiscord) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, data)
	return &discordgo.Message{ID: fmt.Sprintf("bot-%d", len(f.sends)), ChannelID: channelID}, nil
}

func (f *fakeDiscord) ChannelMessageEditComplex(m *discordgo.MessageEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, m)
	return &discordgo.Message{ID: m.ID}, nil
}

func (f *fakeDiscord) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeDiscord) lastSend() *discordgo.MessageSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[len(f.sends)-1]
}

type fakeVideos struct {
	videos  []Video
	err     error
	queries []string
}

type Video = shorts.Video

func (f *fakeVideos) Search(_ context.Context, query string, max int) ([]string, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	ids := make([]string, 0, len(f.videos))
	for _, v := range f.videos {
		ids = append(ids, v.ID)
	}
	return ids, nil
}

func (f *fakeVideos) Details(_ context.Context, ids []string) ([]Video, error) {
	return f.videos, nil
}

type fixture struct {
	game   *shorts.Game
	dg     *fakeDiscord
	videos *fakeVideos
	coll   *shorts.Collection
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	coll, err := shorts.OpenCollection(filepath.Join(t.TempDir(), "collections.db"))
	require.NoError(t, err)
	t.Cleanup(func() { coll.Close() })

	cfg := &config.Config{Shorts: config.ShortsConfig{
		Enabled:             true,
		Channel:             "shorts",
		Owner:               "boss",
		OwnerQuery:          "oputo",
		Keywords:            []string{"cat", "meme", "food"},
		DrawCooldownMinutes: 15,
		TakeCooldownMinutes: 5,
		PageSize:            5,
	}}
	f := &fixture{
		dg:     &fakeDiscord{},
		videos: &fakeVideos{},
		coll:   coll,
		now:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	f.game = shorts.NewGame(config.NewStoreFromConfig(cfg), f.videos, coll, f.dg)
	f.game.SetNow(func() time.Time { return f.now })
	t.Cleanup(f.game.Close)
	return f
}

func chatMsg(user, content string) shorts.Message {
	return shorts.Message{ID: "m-" + content, ChannelID: "c1", ChannelName: "shorts", AuthorID: "id-" + user, AuthorName: user, Content: content}
}

func button(userID, customID string, msg *discordgo.Message) *discordgo.Interaction {
	return &discordgo.Interaction{
		Type:      discordgo.InteractionMessageComponent,
		ChannelID: "c1",
		Data:      discordgo.MessageComponentInteractionData{CustomID: customID},
		Member:    &discordgo.Member{User: &discordgo.User{ID: userID, Username: userID}},
		Message:   msg,
	}
}

func customIDs(components []discordgo.MessageComponent) []string {
	var ids []string
	for _, c := range components {
		row := c.(discordgo.ActionsRow)
		for _, b := range row.Components {
			ids = append(ids, b.(discordgo.Button).CustomID)
		}
	}
	return ids
}

func TestParseDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"PT59S":   59 * time.Second,
		"PT1M5S":  65 * time.Second,
		"PT2M":    2 * time.Minute,
		"PT1H":    time.Hour,
		"P0D":     0,
		"garbage": 0,
		"":        0,
	}
	for in, want := range tests {
		if got := shorts.ParseDuration(in); got != want {
			t.Errorf("ParseDuration(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRandomQuery(t *testing.T) {
	keywords := []string{"a", "b", "c", "d", "e"}
	for i := 0; i < 50; i++ {
		parts := strings.Split(shorts.RandomQuery(keywords), " OR ")
		assert.GreaterOrEqual(t, len(parts), 2)
		assert.LessOrEqual(t, len(parts), 4)
		seen := map[string]bool{}
		for _, p := range parts {
			assert.False(t, seen[p], "keyword %q picked twice", p)
			seen[p] = true
		}
	}
	assert.Equal(t, "only", shorts.RandomQuery([]string{"only"}))
	assert.Empty(t, shorts.RandomQuery(nil))
}

func TestYouTubeClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "yt-key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/search":
			assert.Equal(t, "short", r.URL.Query().Get("videoDuration"))
			assert.Equal(t, "cat OR meme", r.URL.Query().Get("q"))
			fmt.Fprint(w, `{"items":[{"id":{"videoId":"v1"}},{"id":{"videoId":"v2"}}]}`)
		case "/videos":
			assert.Equal(t, "v1,v2", r.URL.Query().Get("id"))
			fmt.Fprint(w, `{"items":[
				{"id":"v1","snippet":{"title":"Cats &amp; dogs"},"statistics":{"likeCount":"42"},"contentDetails":{"duration":"PT45S"}},
				{"id":"v2","snippet":{"title":"Long"},"statistics":{},"contentDetails":{"duration":"PT3M"}}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	yt := shorts.NewYouTube("yt-key", srv.URL+"/")
	ids, err := yt.Search(context.Background(), "cat OR meme", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, ids)

	videos, err := yt.Details(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, videos, 2)
	assert.Equal(t, Video{ID: "v1", Title: "Cats & dogs", Likes: 42, Duration: 45 * time.Second}, videos[0])
	assert.Equal(t, 0, videos[1].Likes)
	assert.Equal(t, "https://www.youtube.com/shorts/v1", videos[0].URL())

	_, err = shorts.NewYouTube("wrong", srv.URL).Search(context.Background(), "x", 1)
	assert.Error(t, err)
	_, err = shorts.NewYouTube("", srv.URL).Search(context.Background(), "x", 1)
	assert.Error(t, err)
}

func TestCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	added, err := f.coll.Add(ctx, "u1", "https://y/1", "first")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = f.coll.Add(ctx, "u1", "https://y/1", "first again")
	require.NoError(t, err)
	assert.False(t, added, "duplicate must be ignored")
	_, err = f.coll.Add(ctx, "u1", "https://y/2", "second")
	require.NoError(t, err)
	_, err = f.coll.Add(ctx, "u2", "https://y/1", "first")
	require.NoError(t, err)

	items, err := f.coll.List(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []shorts.Item{{URL: "https://y/1", Title: "first"}, {URL: "https://y/2", Title: "second"}}, items)

	items, err = f.coll.List(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDrawFiltersAndPostsTakeButton(t *testing.T) {
	f := newFixture(t)
	f.videos.videos = []Video{
		{ID: "long", Title: "too long", Likes: 100, Duration: 90 * time.Second},
		{ID: "meh", Title: "unloved", Likes: 3, Duration: 30 * time.Second},
		{ID: "good", Title: "Funny cat", Likes: 50, Duration: 30 * time.Second},
	}

	require.True(t, f.game.HandleMessage(context.Background(), chatMsg("alice", "sd")))

	sent := f.dg.lastSend()
	assert.Equal(t, "🎬 Funny cat\n❤️ Likes: 50\n⏱ Duration: 30s\n🔗 https://www.youtube.com/shorts/good", sent.Content)
	assert.Equal(t, []string{"collect_https://www.youtube.com/shorts/good"}, customIDs(sent.Components))
	assert.Contains(t, f.videos.queries[0], " OR ")
}

func TestDrawCooldown(t *testing.T) {
	f := newFixture(t)
	f.videos.videos = []Video{{ID: "v", Title: "t", Likes: 10, Duration: time.Second}}
	ctx := context.Background()

	f.game.HandleMessage(ctx, chatMsg("alice", "sd"))
	f.now = f.now.Add(10*time.Minute + 30*time.Second)
	f.game.HandleMessage(ctx, chatMsg("alice", "sd"))
	assert.Contains(t, f.dg.lastSend().Content, "wait 5 more minute")
	assert.Len(t, f.videos.queries, 1)

	f.game.HandleMessage(ctx, chatMsg("bob", "sd"))
	assert.Len(t, f.videos.queries, 2, "cooldown is per user")

	f.now = f.now.Add(5 * time.Minute)
	f.game.HandleMessage(ctx, chatMsg("alice", "sd"))
	assert.Len(t, f.videos.queries, 3)
}

func TestDrawRetriesOnceWhenNothingMatches(t *testing.T) {
	f := newFixture(t)
	f.videos.videos = []Video{{ID: "v", Title: "t", Likes: 0, Duration: time.Second}}

	f.game.HandleMessage(context.Background(), chatMsg("alice", "sd"))

	assert.Len(t, f.videos.queries, 2)
	require.Len(t, f.dg.sends, 2)
	assert.Contains(t, f.dg.sends[0].Content, "drawing again")
	assert.Contains(t, f.dg.sends[1].Content, "Still no Shorts")
}

func TestDrawSearchError(t *testing.T) {
	f := newFixture(t)
	f.videos.err = errors.New("quota exceeded")

	f.game.HandleMessage(context.Background(), chatMsg("alice", "sd"))
	require.Len(t, f.dg.sends, 1)
	assert.Contains(t, f.dg.sends[0].Content, "Could not reach YouTube")
}

func TestOwnerQueryAndFiltering(t *testing.T) {
	f := newFixture(t)
	f.videos.videos = []Video{{ID: "v", Title: "t", Likes: 10, Duration: time.Second}}
	ctx := context.Background()

	assert.False(t, f.game.HandleMessage(ctx, chatMsg("alice", "oputo")), "only the owner may use the fixed query")
	assert.True(t, f.game.HandleMessage(ctx, chatMsg("boss", "oputo")))
	assert.Equal(t, []string{"oputo"}, f.videos.queries)

	other := chatMsg("carol", "sd")
	other.ChannelName = "general"
	assert.False(t, f.game.HandleMessage(ctx, other))
	bot := chatMsg("robot", "sd")
	bot.IsBot = true
	assert.False(t, f.game.HandleMessage(ctx, bot))
	assert.False(t, f.game.HandleMessage(ctx, chatMsg("carol", "hello")))
}

func TestTakeCollectsOnceAndEditsMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	drawn := &discordgo.Message{ID: "bot-1", Content: "🎬 Funny cat\n❤️ Likes: 50\n⏱ Duration: 30s\n🔗 https://www.youtube.com/shorts/good"}
	id := "collect_https://www.youtube.com/shorts/good"

	require.True(t, f.game.HandleInteraction(ctx, button("u1", id, drawn)))

	items, err := f.coll.List(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []shorts.Item{{URL: "https://www.youtube.com/shorts/good", Title: "Funny cat"}}, items)

	require.Len(t, f.dg.edits, 1)
	assert.True(t, strings.HasSuffix(*f.dg.edits[0].Content, "<@u1> collected this!"))
	assert.Empty(t, *f.dg.edits[0].Components)
	assert.Equal(t, discordgo.InteractionResponseDeferredMessageUpdate, f.dg.responses[0].Type)

	// Within the take cooldown the click is acknowledged and nothing else happens.
	f.now = f.now.Add(time.Minute)
	f.game.HandleInteraction(ctx, button("u1", "collect_https://www.youtube.com/shorts/other", drawn))
	items, _ = f.coll.List(ctx, "u1")
	assert.Len(t, items, 1)
	assert.Len(t, f.dg.edits, 1)
}

func TestListPagingWrapsAndIsOwnerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 1; i <= 7; i++ {
		_, err := f.coll.Add(ctx, "id-alice", fmt.Sprintf("https://y/%d", i), fmt.Sprintf("video %d", i))
		require.NoError(t, err)
	}

	require.True(t, f.game.HandleMessage(ctx, chatMsg("alice", "sc")))
	listing := f.dg.lastSend()
	require.Len(t, listing.Embeds, 1)
	assert.Equal(t, "Your collected Shorts (page 1/2)", listing.Embeds[0].Title)
	assert.Contains(t, listing.Embeds[0].Description, "1. [video 1](https://y/1)")
	assert.NotContains(t, listing.Embeds[0].Description, "video 6")
	ids := customIDs(listing.Components)
	require.Len(t, ids, 2)
	prev, next := ids[0], ids[1]

	f.game.HandleInteraction(ctx, button("id-bob", next, nil))
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, f.dg.responses[0].Type)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, f.dg.responses[0].Data.Flags)

	f.game.HandleInteraction(ctx, button("id-alice", prev, nil))
	assert.Equal(t, "Your collected Shorts (page 2/2)", f.dg.responses[1].Data.Embeds[0].Title, "prev wraps to the last page")
	assert.Contains(t, f.dg.responses[1].Data.Embeds[0].Description, "6. [video 6](https://y/6)")

	f.game.HandleInteraction(ctx, button("id-alice", next, nil))
	assert.Equal(t, "Your collected Shorts (page 1/2)", f.dg.responses[2].Data.Embeds[0].Title, "next wraps to the first page")

	f.game.ExpireListings()
	require.Len(t, f.dg.edits, 1)
	assert.Equal(t, "bot-1", f.dg.edits[0].ID)
	assert.Empty(t, *f.dg.edits[0].Components)

	f.game.HandleInteraction(ctx, button("id-alice", next, nil))
	assert.Contains(t, f.dg.responses[3].Data.Content, "expired")
}

func TestListEmpty(t *testing.T) {
	f := newFixture(t)
	f.game.HandleMessage(context.Background(), chatMsg("alice", "sc"))
	assert.Contains(t, f.dg.lastSend().Content, "haven't collected")
}
