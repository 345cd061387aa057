// Package bot provides the Discord gateway wrapper and message routing.
package bot

import (
	"context"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/tomasmach/cai/dispatch"
	"github.com/tomasmach/cai/shorts"
)

// Dispatcher queues chat messages for the reply pipeline.
type Dispatcher interface {
	Submit(msg dispatch.Message) bool
}

// Game handles the mini-game commands and buttons.
type Game interface {
	HandleMessage(ctx context.Context, msg shorts.Message) bool
	HandleInteraction(ctx context.Context, i *discordgo.Interaction) bool
}

// Bot wraps the Discord session and message routing.
type Bot struct {
	session    *discordgo.Session
	ctx        context.Context
	dispatcher Dispatcher
	game       Game
	logger     *slog.Logger
}

// New creates a new Bot, configures intents, and registers the handlers.
// Routing targets are set with SetDispatcher and SetGame before Start.
func New(token string) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	b := &Bot{session: session, ctx: context.Background(), logger: slog.With("component", "bot")}
	session.AddHandler(b.onMessageCreate)
	session.AddHandler(b.onInteractionCreate)
	session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		b.logger.Info("logged in", "user", r.User.Username, "guilds", len(r.Guilds))
	})

	return b, nil
}

// Session returns the underlying Discord session.
func (b *Bot) Session() *discordgo.Session {
	return b.session
}

func (b *Bot) SetDispatcher(d Dispatcher) { b.dispatcher = d }

// SetGame enables the mini-game. A nil game leaves it off.
func (b *Bot) SetGame(g Game) { b.game = g }

// Start opens the Discord gateway connection. ctx is handed to the handlers
// for the lifetime of the connection.
func (b *Bot) Start(ctx context.Context) error {
	b.ctx = ctx
	return b.session.Open()
}

// Stop closes the Discord gateway connection.
func (b *Bot) Stop() error {
	return b.session.Close()
}

func (b *Bot) onMessageCreate(s *discordgo.Session, msg *discordgo.MessageCreate) {
	if msg.Author == nil {
		return
	}
	if s.State != nil && s.State.User != nil && msg.Author.ID == s.State.User.ID {
		return
	}
	channelName := b.channelName(s, msg.ChannelID)

	if b.game != nil && b.game.HandleMessage(b.ctx, gameMessage(msg.Message, channelName)) {
		return
	}
	if b.dispatcher == nil {
		b.logger.Warn("message received but dispatcher not set, dropping", "channel_id", msg.ChannelID)
		return
	}
	b.dispatcher.Submit(chatMessage(msg.Message, channelName))
}

func (b *Bot) onInteractionCreate(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if b.game == nil || i.Interaction == nil {
		return
	}
	b.game.HandleInteraction(b.ctx, i.Interaction)
}

// channelName resolves a channel ID from the state cache, falling back to the API.
func (b *Bot) channelName(s *discordgo.Session, channelID string) string {
	if s.State != nil {
		if ch, err := s.State.Channel(channelID); err == nil {
			return ch.Name
		}
	}
	ch, err := s.Channel(channelID)
	if err != nil {
		b.logger.Debug("resolve channel name failed", "error", err, "channel_id", channelID)
		return ""
	}
	return ch.Name
}

// chatMessage converts a gateway message into a pipeline message. Only the
// first attachment is used, and it is skipped when its content type says it
// is not an image. An unknown content type is kept.
func chatMessage(m *discordgo.Message, channelName string) dispatch.Message {
	out := dispatch.Message{
		ID:          m.ID,
		ChannelID:   m.ChannelID,
		ChannelName: channelName,
		Content:     m.Content,
		Time:        m.Timestamp,
	}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
		out.AuthorName = m.Author.Username
		out.IsBot = m.Author.Bot
	}
	if len(m.Attachments) > 0 && m.Attachments[0] != nil {
		a := m.Attachments[0]
		if a.ContentType == "" || strings.HasPrefix(a.ContentType, "image/") {
			out.Attachment = &dispatch.Attachment{URL: a.URL, ContentType: a.ContentType}
		}
	}
	return out
}

func gameMessage(m *discordgo.Message, channelName string) shorts.Message {
	out := shorts.Message{
		ID:          m.ID,
		ChannelID:   m.ChannelID,
		ChannelName: channelName,
		Content:     m.Content,
	}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
		out.AuthorName = m.Author.Username
		out.IsBot = m.Author.Bot
	}
	return out
}
