package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/tomasmach/cai/config"
)

// safetySettings disables content blocking for every category the API
// exposes; moderation is left to the persona document's mode.
var safetySettings = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
	{Category: genai.HarmCategoryCivicIntegrity, Threshold: genai.HarmBlockThresholdBlockNone},
}

// Gemini generates text with the Gemini API.
type Gemini struct {
	client   *genai.Client
	cfgStore *config.Store
}

// NewGemini creates a client using llm.gemini_key. The key is bound at
// construction; changing it requires a restart.
func NewGemini(ctx context.Context, cfgStore *config.Store) (*Gemini, error) {
	cfg := cfgStore.Get().LLM
	if cfg.GeminiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.GeminiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.GeminiBaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.GeminiBaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, cfgStore: cfgStore}, nil
}

func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	if req.Options.Model == "" {
		return "", fmt.Errorf("no model selected")
	}
	timeout := time.Duration(g.cfgStore.Get().LLM.RequestTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	parts := []*genai.Part{genai.NewPartFromText(req.Text)}
	if req.Image != nil && len(req.Image.Data) > 0 {
		parts = append(parts, genai.NewPartFromBytes(req.Image.Data, req.Image.MIMEType))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := g.client.Models.GenerateContent(ctx, req.Options.Model, contents, generateConfig(req.Options))
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("gemini returned no text")
	}
	return text, nil
}

func generateConfig(o Options) *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{
		SafetySettings:  safetySettings,
		MaxOutputTokens: o.MaxOutputTokens,
	}
	if o.Temperature != 0 {
		gc.Temperature = genai.Ptr(o.Temperature)
	}
	if o.TopK != 0 {
		gc.TopK = genai.Ptr(o.TopK)
	}
	if o.TopP != 0 {
		gc.TopP = genai.Ptr(o.TopP)
	}
	return gc
}
