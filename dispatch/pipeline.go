package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomasmach/cai/config"
	"github.com/tomasmach/cai/convo"
	"github.com/tomasmach/cai/llm"
	"github.com/tomasmach/cai/metrics"
	"github.com/tomasmach/cai/persona"
	"github.com/tomasmach/cai/prompt"
	"github.com/tomasmach/cai/recap"
	"github.com/tomasmach/cai/reconcile"
)

const (
	ResetNotice  = "**Chat history has been reset.**"
	RewindNotice = "**Chat history has been rewound.**"
)

func (c *Controller) handle(ctx context.Context, msg Message) {
	c.lastActive.Store(time.Now().UnixNano())
	defer c.processed.Add(1)

	logger := c.logger.With("pipeline_id", uuid.NewString(), "channel_id", msg.ChannelID, "author", msg.AuthorName)
	doc := c.personas.Load()

	if c.command(ctx, logger, doc, msg) {
		metrics.MessagesTotal.WithLabelValues("command").Inc()
		return
	}

	outcome, err := c.respond(ctx, logger, doc, msg)
	if err != nil {
		logger.Error("reply pipeline failed", "error", err)
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		c.transient(ctx, msg, c.cfgStore.Get().Reconcile.Apologies.Failure)
		return
	}
	metrics.MessagesTotal.WithLabelValues(outcome).Inc()
}

// command runs an operator command when msg is one. Commands are only taken
// from the target user.
func (c *Controller) command(ctx context.Context, logger *slog.Logger, doc persona.Document, msg Message) bool {
	if msg.AuthorName != doc.TargetUsername || !strings.HasPrefix(msg.Content, "!") {
		return false
	}
	var reply string
	switch {
	case strings.HasPrefix(msg.Content, "!reset"):
		if err := c.ResetHistory(); err != nil {
			logger.Error("reset history failed", "error", err)
		}
		reply = ResetNotice
	case strings.HasPrefix(msg.Content, "!rewind"):
		c.Rewind(1)
		reply = RewindNotice
	case strings.HasPrefix(msg.Content, "!status"):
		p, err := doc.Persona()
		if err != nil {
			reply = err.Error()
			break
		}
		reply = fmt.Sprintf("Name: %s\nDescription: %s\nModel: %s", p.Name, p.Description, doc.ModelID())
	case strings.HasPrefix(msg.Content, "!mode"):
		reply = c.setMode(logger, strings.TrimSpace(strings.TrimPrefix(msg.Content, "!mode")))
	default:
		return false
	}
	logger.Info("operator command", "command", strings.Fields(msg.Content)[0])
	if _, err := c.messenger.Reply(msg.ChannelID, msg.ID, reply); err != nil {
		logger.Error("command reply failed", "error", err)
	}
	return true
}

func (c *Controller) setMode(logger *slog.Logger, mode string) string {
	switch mode {
	case "default", persona.ModeUnrestricted:
	default:
		return "**Usage: !mode default|" + persona.ModeUnrestricted + "**"
	}
	if err := c.personas.SetMode(mode); err != nil {
		logger.Error("save bot mode failed", "error", err)
		return "**Could not change the mode.**"
	}
	return "**Mode set to " + mode + ".**"
}

// respond runs the reply pipeline and returns its outcome label.
func (c *Controller) respond(ctx context.Context, logger *slog.Logger, doc persona.Document, msg Message) (string, error) {
	cfg := c.cfgStore.Get()
	p, err := doc.Persona()
	if err != nil {
		return "", err
	}
	text := StripMentions(msg.Content)
	c.history.SetMaxSize(doc.MaxMemorySize)

	if err := c.scratch.Reset(); err != nil {
		logger.Warn("scratch reset failed", "error", err)
	}

	stopTyping := c.startTyping(ctx, msg.ChannelID)
	defer stopTyping()
	if err := sleepCtx(ctx, thinkingDelay(cfg.Bot)); err != nil {
		return "", err
	}

	var tags []string
	if p.Emotion != "" {
		if tags, err = persona.EmotionTags(cfg.Persona.EmotionsDir, p.Emotion); err != nil {
			logger.Warn("emotion tags unavailable", "error", err)
		}
	}

	recapText := doc.Recap
	if c.summarizer != nil && recap.ShouldRun(c.history.Len()) {
		if r, ok := c.summarizer.Summarize(ctx, c.history.Snapshot(), p.Name, cfg.Bot.Language); ok {
			recapText = r
		}
	}

	in := prompt.Input{
		Doc:           doc,
		Persona:       p,
		EmotionTags:   tags,
		Recap:         recapText,
		Speaker:       msg.AuthorName,
		Message:       text,
		Time:          msg.Time,
		HasAttachment: msg.Attachment != nil,
	}
	if in.Time.IsZero() {
		in.Time = time.Now()
	}
	if last, ok := c.history.Last(); ok {
		in.Last = &last
	}
	if msg.Attachment != nil {
		img, err := c.scratch.Fetch(ctx, msg.Attachment.URL, msg.Attachment.ContentType)
		if err != nil {
			// the model never saw the image, so any caption it returns is made up
			logger.Warn("attachment fetch failed, continuing without image", "error", err)
			in.HasAttachment = false
		}
		in.Image = img
	}

	composer := prompt.NewComposer(cfg.Bot.Language, sampling(cfg.LLM), location(logger, cfg.Bot.Timezone))
	req := composer.Compose(in)

	start := time.Now()
	raw, err := c.gen.Generate(ctx, req)
	metrics.GenerationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}

	rec := reconcile.New(substitutions(cfg.Reconcile), apologies(cfg.Reconcile), observeStage)
	res := rec.Reconcile(raw, reconcile.Flags{EmotionEnabled: p.Emotion != "", HasAttachment: in.HasAttachment})

	if rec.IsSyntheticError(res.Reply) {
		logger.Info("reply not recovered, sending transient apology", "raw_len", len(raw))
		c.transient(ctx, msg, res.Reply)
		return "suppressed", nil
	}

	if err := c.deliver(ctx, logger, cfg, p, msg, res); err != nil {
		return "", err
	}

	c.history.Append(convo.Exchange{
		Time:         composer.Timestamp(in.Time),
		Speaker:      msg.AuthorName,
		UserMessage:  prompt.UserText(text),
		BotReply:     res.Reply,
		ImageCaption: res.Image,
	})
	logger.Info("replied", "reply_len", len(res.Reply), "history", c.history.Len())
	return "replied", nil
}

// deliver sends the reply with the emotion picture when the persona has one
// for the chosen emotion, and falls back to chunked text otherwise.
func (c *Controller) deliver(ctx context.Context, logger *slog.Logger, cfg *config.Config, p persona.Personality, msg Message, res reconcile.Result) error {
	text := strings.TrimSpace(res.Reply)
	if res.Emotion != nil && p.Emotion != "" && units(text) <= cfg.Bot.ChunkLimit {
		if path, ok := persona.EmotionImage(cfg.Persona.EmotionsDir, p.Emotion, *res.Emotion); ok {
			_, err := c.messenger.ReplyWithFile(msg.ChannelID, msg.ID, text, path)
			if err == nil {
				return nil
			}
			logger.Warn("illustrated reply failed, falling back to text", "error", err, "emotion", *res.Emotion)
		}
	}

	chunks := SplitMessage(text, cfg.Bot.ChunkLimit, cfg.Bot.ChunkWindow)
	for i, chunk := range chunks {
		if i > 0 {
			if err := sleepCtx(ctx, time.Duration(cfg.Bot.ChunkDelayMs)*time.Millisecond); err != nil {
				return err
			}
		}
		var err error
		if i == 0 {
			_, err = c.messenger.Reply(msg.ChannelID, msg.ID, chunk)
		} else {
			_, err = c.messenger.Send(msg.ChannelID, chunk)
		}
		if err != nil {
			return fmt.Errorf("send reply chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func thinkingDelay(b config.BotConfig) time.Duration {
	lo, hi := b.ThinkingMinMs, b.ThinkingMaxMs
	if hi <= lo {
		return time.Duration(lo) * time.Millisecond
	}
	return time.Duration(lo+rand.IntN(hi-lo+1)) * time.Millisecond
}

func sampling(l config.LLMConfig) llm.Options {
	return llm.Options{
		Temperature:     l.Temperature,
		TopK:            l.TopK,
		TopP:            l.TopP,
		MaxOutputTokens: l.MaxOutputTokens,
	}
}

func location(logger *slog.Logger, name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		logger.Warn("unknown timezone, using local time", "timezone", name, "error", err)
		return time.Local
	}
	return loc
}

func substitutions(r config.ReconcileConfig) []reconcile.Substitution {
	subs := make([]reconcile.Substitution, 0, len(r.Substitutions))
	for _, s := range r.Substitutions {
		subs = append(subs, reconcile.Substitution{Pattern: s.Pattern, Replacement: s.Replacement})
	}
	return subs
}

func apologies(r config.ReconcileConfig) reconcile.Apologies {
	return reconcile.Apologies{
		Unprocessable: r.Apologies.Unprocessable,
		Ungenerated:   r.Apologies.Ungenerated,
		Misunderstood: r.Apologies.Misunderstood,
	}
}

func observeStage(s reconcile.Stage) {
	metrics.ReconcileStage.WithLabelValues(string(s)).Inc()
}
