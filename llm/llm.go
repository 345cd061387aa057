// Package llm provides the text generation backends: Google Gemini through
// the genai SDK and OpenRouter through its chat-completions HTTP API.
package llm

import (
	"context"
	"fmt"

	"github.com/tomasmach/cai/config"
)

// Image is an inline attachment sent alongside the prompt text.
type Image struct {
	Data     []byte
	MIMEType string
}

// Options are per-request sampling settings. Zero values mean "provider default".
type Options struct {
	Model           string
	Temperature     float32
	TopK            float32
	TopP            float32
	MaxOutputTokens int32
}

// Request is a single-turn generation request.
type Request struct {
	Text    string
	Image   *Image
	Options Options
}

// Generator produces text for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// New returns the generator selected by llm.provider.
func New(ctx context.Context, cfgStore *config.Store) (Generator, error) {
	switch p := cfgStore.Get().LLM.Provider; p {
	case "gemini":
		return NewGemini(ctx, cfgStore)
	case "openrouter":
		return NewOpenRouter(cfgStore), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", p)
	}
}
