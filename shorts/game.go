// Package shorts is the collectible short-video mini-game: members draw a
// random short video, take it into their collection with a button and page
// through what they collected.
package shorts

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/tomasmach/cai/config"
	"github.com/tomasmach/cai/metrics"
)

const (
	collectPrefix = "collect_"
	searchResults = 10
	maxDuration   = 80 * time.Second
	minLikes      = 10
	listingTTL    = 2 * time.Minute
	customIDLimit = 100
)

// Message is an incoming chat message in the game channel.
type Message struct {
	ID          string
	ChannelID   string
	ChannelName string
	AuthorID    string
	AuthorName  string
	IsBot       bool
	Content     string
}

// VideoSource finds candidate videos. *YouTube satisfies it.
type VideoSource interface {
	Search(ctx context.Context, query string, max int) ([]string, error)
	Details(ctx context.Context, ids []string) ([]Video, error)
}

// Discord is the part of *discordgo.Session the game uses.
type Discord interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
}

type Game struct {
	cfgStore   *config.Store
	videos     VideoSource
	collection *Collection
	dg         Discord
	pager      *pager
	logger     *slog.Logger
	now        func() time.Time

	mu           sync.Mutex
	drawCooldown map[string]time.Time
	takeCooldown map[string]time.Time
}

func NewGame(cfgStore *config.Store, videos VideoSource, collection *Collection, dg Discord) *Game {
	g := &Game{
		cfgStore:     cfgStore,
		videos:       videos,
		collection:   collection,
		dg:           dg,
		logger:       slog.With("component", "shorts"),
		now:          time.Now,
		drawCooldown: make(map[string]time.Time),
		takeCooldown: make(map[string]time.Time),
	}
	g.pager = newPager(listingTTL, g.closeListing)
	return g
}

// Close cancels pending listing expiries.
func (g *Game) Close() {
	g.pager.stop()
}

// HandleMessage runs a game command. It reports whether msg was one.
func (g *Game) HandleMessage(ctx context.Context, msg Message) bool {
	cfg := g.cfgStore.Get().Shorts
	if !cfg.Enabled || msg.IsBot || msg.ChannelName != cfg.Channel {
		return false
	}
	switch {
	case msg.Content == "sd":
		g.draw(ctx, msg, "")
	case msg.Content == cfg.OwnerQuery && cfg.Owner != "" && msg.AuthorName == cfg.Owner:
		g.draw(ctx, msg, cfg.OwnerQuery)
	case msg.Content == "sc":
		g.list(ctx, msg)
	default:
		return false
	}
	return true
}

// HandleInteraction handles the game's buttons. It reports whether the
// interaction belonged to the game.
func (g *Game) HandleInteraction(ctx context.Context, i *discordgo.Interaction) bool {
	if i.Type != discordgo.InteractionMessageComponent {
		return false
	}
	id := i.MessageComponentData().CustomID
	switch {
	case strings.HasPrefix(id, collectPrefix):
		g.take(ctx, i, strings.TrimPrefix(id, collectPrefix))
	case strings.HasPrefix(id, pagePrevPrefix):
		g.turnPage(i, strings.TrimPrefix(id, pagePrevPrefix), false)
	case strings.HasPrefix(id, pageNextPrefix):
		g.turnPage(i, strings.TrimPrefix(id, pageNextPrefix), true)
	default:
		return false
	}
	return true
}

// cooldownLeft returns how long userID still has to wait, and starts a new
// cooldown when there is nothing left to wait.
func (g *Game) cooldownLeft(m map[string]time.Time, userID string, period time.Duration) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if last, ok := m[userID]; ok {
		if left := period - now.Sub(last); left > 0 {
			return left
		}
	}
	m[userID] = now
	return 0
}

func (g *Game) draw(ctx context.Context, msg Message, query string) {
	cfg := g.cfgStore.Get().Shorts
	period := time.Duration(cfg.DrawCooldownMinutes) * time.Minute
	if left := g.cooldownLeft(g.drawCooldown, msg.AuthorID, period); left > 0 {
		metrics.ShortsTotal.WithLabelValues("cooldown").Inc()
		minutes := int(math.Ceil(left.Minutes()))
		g.reply(msg, fmt.Sprintf("⏳ You need to wait %d more minute(s) before you can use sd again.", minutes))
		return
	}

	// One retry when nothing passes the filters.
	for attempt := 0; attempt < 2; attempt++ {
		q := query
		if q == "" {
			q = RandomQuery(cfg.Keywords)
		}
		v, err := g.pick(ctx, q)
		if err != nil {
			g.logger.Error("draw failed", "error", err, "query", q)
			g.reply(msg, "😢 Could not reach YouTube right now, please try again later.")
			return
		}
		if v == nil {
			metrics.ShortsTotal.WithLabelValues("empty").Inc()
			if attempt == 0 {
				g.reply(msg, "😢 No Shorts matched, drawing again...")
			}
			continue
		}
		g.logger.Info("drew short", "query", q, "video_id", v.ID, "user", msg.AuthorName)
		metrics.ShortsTotal.WithLabelValues("draw").Inc()
		g.send(msg.ChannelID, &discordgo.MessageSend{
			Content:    DrawText(*v),
			Components: []discordgo.MessageComponent{takeButton(v.URL())},
			Reference:  &discordgo.MessageReference{MessageID: msg.ID, ChannelID: msg.ChannelID},
		})
		return
	}
	g.reply(msg, "😢 Still no Shorts matched, try again later.")
}

// pick searches query and returns a random video that is short enough and
// liked enough, or nil when none is.
func (g *Game) pick(ctx context.Context, query string) (*Video, error) {
	ids, err := g.videos.Search(ctx, query, searchResults)
	if err != nil {
		return nil, err
	}
	videos, err := g.videos.Details(ctx, ids)
	if err != nil {
		return nil, err
	}
	var ok []Video
	for _, v := range videos {
		if v.Duration < maxDuration && v.Likes >= minLikes {
			ok = append(ok, v)
		}
	}
	if len(ok) == 0 {
		return nil, nil
	}
	v := ok[rand.IntN(len(ok))]
	return &v, nil
}

// DrawText is the message posted for a drawn video. Its first line is the
// title line a Take stores.
func DrawText(v Video) string {
	return fmt.Sprintf("🎬 %s\n❤️ Likes: %d\n⏱ Duration: %ds\n🔗 %s",
		v.Title, v.Likes, int(v.Duration.Seconds()), v.URL())
}

// RandomQuery joins two to four distinct random keywords with " OR ".
func RandomQuery(keywords []string) string {
	if len(keywords) == 0 {
		return ""
	}
	n := min(2+rand.IntN(3), len(keywords))
	picked := make([]string, 0, n)
	for _, idx := range rand.Perm(len(keywords))[:n] {
		picked = append(picked, keywords[idx])
	}
	return strings.Join(picked, " OR ")
}

func takeButton(url string) discordgo.MessageComponent {
	id := collectPrefix + url
	if len(id) > customIDLimit {
		id = id[:customIDLimit]
	}
	return discordgo.ActionsRow{
		Components: []discordgo.MessageComponent{
			discordgo.Button{CustomID: id, Label: "Take", Style: discordgo.SuccessButton},
		},
	}
}

func (g *Game) take(ctx context.Context, i *discordgo.Interaction, url string) {
	user := interactionUser(i)
	if user == nil {
		return
	}
	period := time.Duration(g.cfgStore.Get().Shorts.TakeCooldownMinutes) * time.Minute
	if g.cooldownLeft(g.takeCooldown, user.ID, period) > 0 {
		metrics.ShortsTotal.WithLabelValues("cooldown").Inc()
		g.respond(i, &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate})
		return
	}
	g.respond(i, &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate})

	content := ""
	if i.Message != nil {
		content = i.Message.Content
	}
	title, _, _ := strings.Cut(content, "\n")
	title = strings.TrimSpace(strings.TrimPrefix(title, "🎬"))
	if title == "" {
		title = url
	}

	added, err := g.collection.Add(ctx, user.ID, url, title)
	if err != nil {
		g.logger.Error("collect failed", "error", err, "user_id", user.ID)
		return
	}
	if !added || i.Message == nil {
		return
	}
	metrics.ShortsTotal.WithLabelValues("take").Inc()
	g.logger.Info("short collected", "user", user.Username, "url", url)

	edit := discordgo.NewMessageEdit(i.ChannelID, i.Message.ID).
		SetContent(fmt.Sprintf("%s\n\n<@%s> collected this!", content, user.ID))
	edit.Components = &[]discordgo.MessageComponent{}
	if _, err := g.dg.ChannelMessageEditComplex(edit); err != nil {
		g.logger.Warn("edit collected message failed", "error", err)
	}
}

func (g *Game) list(ctx context.Context, msg Message) {
	items, err := g.collection.List(ctx, msg.AuthorID)
	if err != nil {
		g.logger.Error("list collection failed", "error", err)
		g.reply(msg, "The collection is not available right now, please try again.")
		return
	}
	if len(items) == 0 {
		g.reply(msg, "You haven't collected any Shorts yet!")
		return
	}
	metrics.ShortsTotal.WithLabelValues("list").Inc()

	l := &listing{owner: msg.AuthorID, items: items, pageSize: max(g.cfgStore.Get().Shorts.PageSize, 1)}
	id := g.pager.add(l)
	sentMsg, err := g.dg.ChannelMessageSendComplex(msg.ChannelID, &discordgo.MessageSend{
		Embeds:     []*discordgo.MessageEmbed{l.embed()},
		Components: pageButtons(id),
		Reference:  &discordgo.MessageReference{MessageID: msg.ID, ChannelID: msg.ChannelID},
	})
	if err != nil {
		g.logger.Error("send collection listing failed", "error", err)
		g.pager.drop(id)
		return
	}
	g.pager.attach(id, sentMsg.ChannelID, sentMsg.ID)
}

func (g *Game) turnPage(i *discordgo.Interaction, id string, forward bool) {
	user := interactionUser(i)
	if user == nil {
		return
	}
	embed, found, allowed := g.pager.turn(id, user.ID, forward)
	switch {
	case !found:
		g.ephemeral(i, "This list has expired, send sc again.")
	case !allowed:
		g.ephemeral(i, "You can't use these buttons!")
	default:
		g.respond(i, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{Embeds: []*discordgo.MessageEmbed{embed}},
		})
	}
}

// closeListing removes the paging buttons from an expired listing.
func (g *Game) closeListing(l *listing) {
	if l.messageID == "" {
		return
	}
	edit := discordgo.NewMessageEdit(l.channelID, l.messageID)
	edit.Components = &[]discordgo.MessageComponent{}
	if _, err := g.dg.ChannelMessageEditComplex(edit); err != nil {
		g.logger.Warn("remove listing buttons failed", "error", err)
	}
}

func (g *Game) reply(msg Message, content string) {
	g.send(msg.ChannelID, &discordgo.MessageSend{
		Content:   content,
		Reference: &discordgo.MessageReference{MessageID: msg.ID, ChannelID: msg.ChannelID},
	})
}

func (g *Game) send(channelID string, data *discordgo.MessageSend) {
	if _, err := g.dg.ChannelMessageSendComplex(channelID, data); err != nil {
		g.logger.Error("send message failed", "error", err, "channel_id", channelID)
	}
}

func (g *Game) respond(i *discordgo.Interaction, resp *discordgo.InteractionResponse) {
	if err := g.dg.InteractionRespond(i, resp); err != nil {
		g.logger.Warn("interaction respond failed", "error", err)
	}
}

func (g *Game) ephemeral(i *discordgo.Interaction, content string) {
	g.respond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content, Flags: discordgo.MessageFlagsEphemeral},
	})
}

func interactionUser(i *discordgo.Interaction) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}
