// Package dispatch runs the per-message reply pipeline: filtering, operator
// commands, prompt composition, generation, reconciliation, delivery and
// history updates. All pipelines run on one worker goroutine so history
// appends never interleave.
package dispatch

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomasmach/cai/config"
	"github.com/tomasmach/cai/convo"
	"github.com/tomasmach/cai/llm"
	"github.com/tomasmach/cai/metrics"
	"github.com/tomasmach/cai/persona"
	"github.com/tomasmach/cai/prompt"
	"github.com/tomasmach/cai/recap"
)

const queueSize = 100

var typingInterval = 8 * time.Second

// Attachment is the first file attached to an incoming message.
type Attachment struct {
	URL         string
	ContentType string
}

// Message is an incoming chat message, already detached from the gateway types.
type Message struct {
	ID          string
	ChannelID   string
	ChannelName string
	AuthorID    string
	AuthorName  string
	IsBot       bool
	Content     string
	Attachment  *Attachment
	Time        time.Time
}

// Messenger is the chat surface the pipeline talks to. Send methods return
// the ID of the message they created.
type Messenger interface {
	Reply(channelID, replyToID, content string) (string, error)
	ReplyWithFile(channelID, replyToID, content, filePath string) (string, error)
	Send(channelID, content string) (string, error)
	Delete(channelID, messageID string) error
	Typing(channelID string) error
}

// Summarizer produces recaps. *recap.Summarizer satisfies it.
type Summarizer interface {
	Summarize(ctx context.Context, history []convo.Exchange, botName, language string) (string, bool)
}

// Status is a snapshot of the controller for the operator surfaces.
type Status struct {
	QueueDepth    int       `json:"queue_depth"`
	HistoryLength int       `json:"history_length"`
	Processed     int64     `json:"processed"`
	LastActive    time.Time `json:"last_active"`
}

// Controller owns the message queue and the worker that drains it.
type Controller struct {
	cfgStore   *config.Store
	personas   *persona.Store
	history    *convo.Store
	gen        llm.Generator
	summarizer Summarizer
	messenger  Messenger
	scratch    *prompt.Scratch
	logger     *slog.Logger

	msgCh      chan Message
	processed  atomic.Int64
	lastActive atomic.Int64 // UnixNano; written by the worker, read by Status()
	transients sync.WaitGroup
}

// Deps bundles the collaborators a Controller needs.
type Deps struct {
	Config     *config.Store
	Personas   *persona.Store
	History    *convo.Store
	Generator  llm.Generator
	Summarizer Summarizer
	Messenger  Messenger
}

func New(d Deps) *Controller {
	return &Controller{
		cfgStore:   d.Config,
		personas:   d.Personas,
		history:    d.History,
		gen:        d.Generator,
		summarizer: d.Summarizer,
		messenger:  d.Messenger,
		scratch:    prompt.NewScratch(d.Config.Get().Persona.ScratchFile),
		logger:     slog.With("component", "dispatch"),
		msgCh:      make(chan Message, queueSize),
	}
}

var mentionPattern = regexp.MustCompile(`<@!?\d+>`)

// StripMentions removes user mentions from s and trims the result.
func StripMentions(s string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(s, ""))
}

// Accepts reports whether msg is one the bot answers: bots are ignored except
// the target user, and only the target channel or the target user is heard.
func Accepts(doc persona.Document, msg Message) bool {
	fromTarget := msg.AuthorName == doc.TargetUsername
	if msg.IsBot && !fromTarget {
		return false
	}
	return msg.ChannelName == doc.TargetChannel || fromTarget
}

// Submit queues msg for the worker. It returns false when the message is
// filtered out or the queue is full.
func (c *Controller) Submit(msg Message) bool {
	if !Accepts(c.personas.Load(), msg) {
		return false
	}
	select {
	case c.msgCh <- msg:
		return true
	default:
		c.logger.Warn("message queue full, dropping message", "channel_id", msg.ChannelID, "message_id", msg.ID)
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return false
	}
}

// Run drains the queue until ctx is cancelled. Messages still queued at
// shutdown are handled with a 30 second budget, and pending transient
// deletions are flushed before Run returns.
func (c *Controller) Run(ctx context.Context) {
	defer c.transients.Wait()
	for {
		select {
		case msg := <-c.msgCh:
			c.handle(ctx, msg)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			n := len(c.msgCh)
			for i := 0; i < n; i++ {
				c.handle(drainCtx, <-c.msgCh)
			}
			return
		}
	}
}

func (c *Controller) Status() Status {
	var last time.Time
	if n := c.lastActive.Load(); n != 0 {
		last = time.Unix(0, n)
	}
	return Status{
		QueueDepth:    len(c.msgCh),
		HistoryLength: c.history.Len(),
		Processed:     c.processed.Load(),
		LastActive:    last,
	}
}

// ResetHistory clears the history and the saved recap.
func (c *Controller) ResetHistory() error {
	if err := c.history.Reset(); err != nil {
		return err
	}
	return c.personas.SaveRecap("")
}

// Rewind drops the n most recent exchanges. A failed save is logged by the store.
func (c *Controller) Rewind(n int) {
	if n <= 0 {
		return
	}
	_ = c.history.Truncate(-n)
}

// startTyping sends a typing indicator immediately and refreshes it every
// 8 seconds until the returned cancel function is called.
func (c *Controller) startTyping(ctx context.Context, channelID string) context.CancelFunc {
	typingCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.messenger.Typing(channelID); err != nil {
			c.logger.Warn("channel typing error", "error", err, "channel_id", channelID)
		}
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.messenger.Typing(channelID); err != nil {
					c.logger.Debug("channel typing refresh error", "error", err, "channel_id", channelID)
				}
			case <-typingCtx.Done():
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// transient replies with text and removes both the reply and the triggering
// message after the configured delay. Delete failures are logged only.
func (c *Controller) transient(ctx context.Context, msg Message, text string) {
	sentID, err := c.messenger.Reply(msg.ChannelID, msg.ID, text)
	if err != nil {
		c.logger.Error("send transient reply failed", "error", err, "channel_id", msg.ChannelID)
		return
	}
	delay := time.Duration(c.cfgStore.Get().Bot.TransientSeconds) * time.Second
	c.transients.Add(1)
	go func() {
		defer c.transients.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		}
		for _, id := range []string{sentID, msg.ID} {
			if err := c.messenger.Delete(msg.ChannelID, id); err != nil {
				c.logger.Warn("delete transient message failed", "error", err, "message_id", id)
			}
		}
	}()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compile-time check that the recap summarizer fits.
var _ Summarizer = (*recap.Summarizer)(nil)
