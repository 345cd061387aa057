// Package recap condenses the conversation history into a short summary that
// stands in for the full history in prompts.
package recap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tomasmach/cai/convo"
	"github.com/tomasmach/cai/llm"
	"github.com/tomasmach/cai/metrics"
)

// Every is the history length modulus at which a new recap is produced.
const Every = 3

// ShouldRun reports whether a recap is due for a history of length n.
func ShouldRun(n int) bool {
	return n > 0 && n%Every == 0
}

// Saver persists a recap. persona.Store satisfies it.
type Saver interface {
	SaveRecap(recap string) error
}

type Summarizer struct {
	gen    llm.Generator
	saver  Saver
	model  string
	logger *slog.Logger
}

func New(gen llm.Generator, saver Saver, model string) *Summarizer {
	return &Summarizer{
		gen:    gen,
		saver:  saver,
		model:  model,
		logger: slog.With("component", "recap"),
	}
}

// Summarize asks the model for a recap of history and saves it. It returns
// false when no recap was produced; the saved recap is left untouched then.
// A save failure is logged and the fresh recap is still returned.
func (s *Summarizer) Summarize(ctx context.Context, history []convo.Exchange, botName, language string) (string, bool) {
	if len(history) == 0 {
		return "", false
	}
	req := llm.Request{
		Text: instructions(Transcript(history, botName), language),
		Options: llm.Options{
			Model:           s.model,
			Temperature:     0.3,
			TopK:            20,
			TopP:            0.8,
			MaxOutputTokens: 300,
		},
	}
	out, err := s.gen.Generate(ctx, req)
	if err != nil {
		s.logger.Warn("recap generation failed", "error", err)
		metrics.RecapTotal.WithLabelValues("failed").Inc()
		return "", false
	}
	out = strings.TrimSpace(out)
	if out == "" {
		s.logger.Warn("recap generation returned no text")
		metrics.RecapTotal.WithLabelValues("failed").Inc()
		return "", false
	}
	if err := s.saver.SaveRecap(out); err != nil {
		s.logger.Error("save recap failed", "error", err)
	}
	metrics.RecapTotal.WithLabelValues("ok").Inc()
	s.logger.Debug("recap updated", "exchanges", len(history), "chars", len(out))
	return out, true
}

// Transcript renders history as "speaker: message" / "bot: reply" pairs
// separated by blank lines.
func Transcript(history []convo.Exchange, botName string) string {
	blocks := make([]string, 0, len(history))
	for _, e := range history {
		blocks = append(blocks, fmt.Sprintf("%s: %s\n%s: %s", e.Speaker, e.UserMessage, botName, e.BotReply))
	}
	return strings.Join(blocks, "\n\n")
}

func instructions(transcript, language string) string {
	var b strings.Builder
	b.WriteString("Summarize the following chat conversation.\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Use at most 200 words.\n")
	fmt.Fprintf(&b, "- Write the summary in %s.\n", language)
	b.WriteString("- Keep the key points, the topics discussed and any decisions or plans.\n")
	b.WriteString("- Note how the participants felt and how the mood changed.\n")
	b.WriteString("- Keep the context needed to continue the conversation naturally.\n")
	b.WriteString("- Answer with the summary only, without a heading or preamble.\n\n")
	b.WriteString("Conversation:\n")
	b.WriteString(transcript)
	return b.String()
}
