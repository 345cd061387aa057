// Package config handles TOML configuration loading and path resolution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Bot       BotConfig
	LLM       LLMConfig
	Persona   PersonaConfig
	History   HistoryConfig
	Reconcile ReconcileConfig
	Shorts    ShortsConfig
	Web       WebConfig
	Logs      LogsConfig
}

type BotConfig struct {
	Token            string `toml:"token"`
	EnvFile          string `toml:"env_file"`
	Language         string `toml:"language"`
	Timezone         string `toml:"timezone"`
	ThinkingMinMs    int    `toml:"thinking_min_ms"`
	ThinkingMaxMs    int    `toml:"thinking_max_ms"`
	TransientSeconds int    `toml:"transient_seconds"`
	ChunkLimit       int    `toml:"chunk_limit"`
	ChunkWindow      int    `toml:"chunk_window"`
	ChunkDelayMs     int    `toml:"chunk_delay_ms"`
}

type LLMConfig struct {
	Provider              string  `toml:"provider"` // "gemini" | "openrouter"
	GeminiKey             string  `toml:"gemini_key"`
	GeminiBaseURL         string  `toml:"gemini_base_url"`
	OpenRouterKey         string  `toml:"openrouter_key"`
	BaseURL               string  `toml:"base_url"`
	RequestTimeoutSeconds int     `toml:"request_timeout_seconds"`
	RecapModel            string  `toml:"recap_model"`
	Temperature           float32 `toml:"temperature"`
	TopK                  float32 `toml:"top_k"`
	TopP                  float32 `toml:"top_p"`
	MaxOutputTokens       int32   `toml:"max_output_tokens"`
}

type PersonaConfig struct {
	File        string `toml:"file"`
	EmotionsDir string `toml:"emotions_dir"`
	ScratchFile string `toml:"scratch_file"`
}

type HistoryConfig struct {
	Backend string `toml:"backend"` // "file" | "bolt"
	Path    string `toml:"path"`
}

type ReconcileConfig struct {
	Substitutions []Substitution `toml:"substitutions"`
	Apologies     ApologyConfig  `toml:"apologies"`
}

// Substitution is one literal rewrite applied to model output, in declaration order.
type Substitution struct {
	Pattern     string `toml:"pattern"`
	Replacement string `toml:"replacement"`
}

type ApologyConfig struct {
	Unprocessable string `toml:"unprocessable"`
	Ungenerated   string `toml:"ungenerated"`
	Misunderstood string `toml:"misunderstood"`
	Failure       string `toml:"failure"`
}

type ShortsConfig struct {
	Enabled             bool     `toml:"enabled"`
	Channel             string   `toml:"channel"`
	Owner               string   `toml:"owner"`
	OwnerQuery          string   `toml:"owner_query"`
	APIKey              string   `toml:"api_key"`
	BaseURL             string   `toml:"base_url"`
	Keywords            []string `toml:"keywords"`
	DBPath              string   `toml:"db_path"`
	DrawCooldownMinutes int      `toml:"draw_cooldown_minutes"`
	TakeCooldownMinutes int      `toml:"take_cooldown_minutes"`
	PageSize            int      `toml:"page_size"`
}

type WebConfig struct {
	Addr string `toml:"addr"`
}

type LogsConfig struct {
	DBPath string `toml:"db_path"`
}

var validProviders = map[string]bool{"gemini": true, "openrouter": true}

var validBackends = map[string]bool{"file": true, "bolt": true}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Bot.EnvFile == "" {
		cfg.Bot.EnvFile = filepath.Join(filepath.Dir(path), ".env")
	}
	if err := LoadEnv(ExpandPath(cfg.Bot.EnvFile)); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)

	if cfg.Bot.Token == "" {
		return nil, fmt.Errorf("bot.token is required")
	}
	if !validProviders[cfg.LLM.Provider] {
		return nil, fmt.Errorf("llm.provider %q is invalid (must be gemini or openrouter)", cfg.LLM.Provider)
	}
	if cfg.LLM.Provider == "gemini" && cfg.LLM.GeminiKey == "" {
		return nil, fmt.Errorf("llm.gemini_key is required for the gemini provider")
	}
	if cfg.LLM.Provider == "openrouter" && cfg.LLM.OpenRouterKey == "" {
		return nil, fmt.Errorf("llm.openrouter_key is required for the openrouter provider")
	}
	if !validBackends[cfg.History.Backend] {
		return nil, fmt.Errorf("history.backend %q is invalid (must be file or bolt)", cfg.History.Backend)
	}
	if cfg.Bot.ThinkingMinMs > cfg.Bot.ThinkingMaxMs {
		return nil, fmt.Errorf("bot.thinking_min_ms (%d) exceeds bot.thinking_max_ms (%d)", cfg.Bot.ThinkingMinMs, cfg.Bot.ThinkingMaxMs)
	}
	if cfg.Bot.ChunkWindow >= cfg.Bot.ChunkLimit {
		return nil, fmt.Errorf("bot.chunk_window (%d) must be below bot.chunk_limit (%d)", cfg.Bot.ChunkWindow, cfg.Bot.ChunkLimit)
	}
	for i, sub := range cfg.Reconcile.Substitutions {
		if sub.Pattern == "" {
			return nil, fmt.Errorf("reconcile.substitutions[%d].pattern is empty", i)
		}
	}
	if cfg.Shorts.Enabled && cfg.Shorts.APIKey == "" {
		return nil, fmt.Errorf("shorts.api_key is required when shorts.enabled is set")
	}

	return &cfg, nil
}

// applyEnv lets secrets live outside the TOML file. Values already present in
// the environment win over the file.
func applyEnv(cfg *Config) {
	overrides := []struct {
		key string
		dst *string
	}{
		{"CAI_DISCORD_TOKEN", &cfg.Bot.Token},
		{"GEMINI_API_KEY", &cfg.LLM.GeminiKey},
		{"OPENROUTER_API_KEY", &cfg.LLM.OpenRouterKey},
		{"YOUTUBE_API_KEY", &cfg.Shorts.APIKey},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.key); v != "" {
			*o.dst = v
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Bot.Language == "" {
		cfg.Bot.Language = "English"
	}
	if cfg.Bot.ThinkingMinMs == 0 && cfg.Bot.ThinkingMaxMs == 0 {
		cfg.Bot.ThinkingMinMs = 1000
		cfg.Bot.ThinkingMaxMs = 3000
	}
	if cfg.Bot.TransientSeconds == 0 {
		cfg.Bot.TransientSeconds = 5
	}
	if cfg.Bot.ChunkLimit == 0 {
		cfg.Bot.ChunkLimit = 1800
	}
	if cfg.Bot.ChunkWindow == 0 {
		cfg.Bot.ChunkWindow = 1400
	}
	if cfg.Bot.ChunkDelayMs == 0 {
		cfg.Bot.ChunkDelayMs = 500
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "gemini"
	}
	if cfg.LLM.RequestTimeoutSeconds == 0 {
		cfg.LLM.RequestTimeoutSeconds = 60
	}
	if cfg.LLM.RecapModel == "" {
		cfg.LLM.RecapModel = "gemini-2.0-flash"
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 1.5
	}
	if cfg.LLM.TopK == 0 {
		cfg.LLM.TopK = 40
	}
	if cfg.LLM.TopP == 0 {
		cfg.LLM.TopP = 0.95
	}
	if cfg.LLM.MaxOutputTokens == 0 {
		cfg.LLM.MaxOutputTokens = 8192
	}

	if cfg.Persona.File == "" {
		cfg.Persona.File = "botConfig.json"
	}
	if cfg.Persona.EmotionsDir == "" {
		cfg.Persona.EmotionsDir = "emotions"
	}
	if cfg.Persona.ScratchFile == "" {
		cfg.Persona.ScratchFile = "imageAttach.png"
	}

	if cfg.History.Backend == "" {
		cfg.History.Backend = "file"
	}
	if cfg.History.Path == "" {
		if cfg.History.Backend == "bolt" {
			cfg.History.Path = "chatHistory.bolt"
		} else {
			cfg.History.Path = "chatHistory.json"
		}
	}

	a := &cfg.Reconcile.Apologies
	if a.Unprocessable == "" {
		a.Unprocessable = "Sorry, I couldn't process that answer."
	}
	if a.Ungenerated == "" {
		a.Ungenerated = "Sorry, I can't come up with an answer right now. Please try asking again."
	}
	if a.Misunderstood == "" {
		a.Misunderstood = "Sorry, I don't understand the question right now. Please ask again."
	}
	if a.Failure == "" {
		a.Failure = "Sorry, something went wrong. Please try again."
	}

	if cfg.Shorts.DrawCooldownMinutes == 0 {
		cfg.Shorts.DrawCooldownMinutes = 15
	}
	if cfg.Shorts.TakeCooldownMinutes == 0 {
		cfg.Shorts.TakeCooldownMinutes = 5
	}
	if cfg.Shorts.PageSize == 0 {
		cfg.Shorts.PageSize = 5
	}
	if cfg.Shorts.DBPath == "" {
		cfg.Shorts.DBPath = "collections.db"
	}
	if cfg.Shorts.Channel == "" {
		cfg.Shorts.Channel = "shorts"
	}
	if cfg.Shorts.OwnerQuery == "" {
		cfg.Shorts.OwnerQuery = "oputo"
	}
	if cfg.Shorts.BaseURL == "" {
		cfg.Shorts.BaseURL = "https://www.googleapis.com/youtube/v3"
	}
	if len(cfg.Shorts.Keywords) == 0 {
		cfg.Shorts.Keywords = []string{"meme", "cat", "food", "funny", "instagram", "ishowspeed", "artist", "mistake when drawing", "sushi monsters"}
	}

	if cfg.Web.Addr == "" {
		cfg.Web.Addr = ":4000"
	}
	if cfg.Logs.DBPath == "" {
		cfg.Logs.DBPath = "logs.db"
	}

	for _, p := range []*string{
		&cfg.Bot.EnvFile, &cfg.Persona.File, &cfg.Persona.EmotionsDir, &cfg.Persona.ScratchFile,
		&cfg.History.Path, &cfg.Shorts.DBPath, &cfg.Logs.DBPath,
	} {
		*p = ExpandPath(*p)
	}
}

// Resolve returns the config file path from CAI_CONFIG env var,
// falling back to ~/.config/cai/config.toml.
// The --config CLI flag is handled separately by the commands package.
func Resolve() string {
	path := os.Getenv("CAI_CONFIG")
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".config", "cai", "config.toml")
	}
	path = os.ExpandEnv(path)
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// ExpandPath expands env vars and a leading ~/.
func ExpandPath(path string) string {
	if path == "" {
		return ""
	}
	path = os.ExpandEnv(path)
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return path
}
