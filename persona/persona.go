// Package persona loads the JSON persona document that selects the bot's
// identity, model, target channel and operating mode. The document is
// re-read for every message so edits take effect without a restart.
package persona

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// ErrNoPersona is returned when currentPersonality names no entry.
var ErrNoPersona = errors.New("current personality not defined")

// ModeUnrestricted is the botMode value that adds the unrestricted instruction.
const ModeUnrestricted = "nsfw"

// Personality is one selectable identity.
type Personality struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Emotion     string `json:"emotion,omitempty"` // emotion image namespace
}

// Document mirrors botConfig.json.
type Document struct {
	Personality        map[string]Personality `json:"personality"`
	CurrentPersonality string                 `json:"currentPersonality"`
	MaxMemorySize      int                    `json:"maxMemorySize"`
	Model              map[string]string      `json:"model"`
	CurrentModel       string                 `json:"currentModel"`
	TargetChannel      string                 `json:"targetChannel"`
	TargetUsername     string                 `json:"targetUsername"`
	BotMode            string                 `json:"botMode"`
	Recap              string                 `json:"recap,omitempty"`
}

// Default is used whenever the document cannot be read.
func Default() Document {
	return Document{
		Personality: map[string]Personality{
			"default": {Name: "Assistant", Description: "Helpful AI assistant"},
		},
		CurrentPersonality: "default",
		MaxMemorySize:      30,
		Model:              map[string]string{"gemini-2.0-flash": "gemini-2.0-flash"},
		CurrentModel:       "gemini-2.0-flash",
		TargetChannel:      "general",
		TargetUsername:     "user",
		BotMode:            "default",
	}
}

// Persona returns the selected personality.
func (d Document) Persona() (Personality, error) {
	p, ok := d.Personality[d.CurrentPersonality]
	if !ok {
		return Personality{}, fmt.Errorf("%w: %q", ErrNoPersona, d.CurrentPersonality)
	}
	return p, nil
}

// ModelID resolves currentModel through the model alias table. An alias
// missing from the table is used as the model id itself.
func (d Document) ModelID() string {
	if id, ok := d.Model[d.CurrentModel]; ok && id != "" {
		return id
	}
	return d.CurrentModel
}

func (d Document) Unrestricted() bool {
	return d.BotMode == ModeUnrestricted
}

// Store reads and patches the document file.
type Store struct {
	path    string
	writeMu sync.Mutex
	logger  *slog.Logger
}

func NewStore(path string) *Store {
	return &Store{path: path, logger: slog.With("component", "persona", "path", path)}
}

func (s *Store) Path() string { return s.path }

// Load reads the document fresh from disk. Read or parse failures are logged
// and the built-in default is returned.
func (s *Store) Load() Document {
	doc, err := s.read()
	if err != nil {
		s.logger.Warn("failed to load persona document, using defaults", "error", err)
		return Default()
	}
	if doc.MaxMemorySize <= 0 {
		doc.MaxMemorySize = Default().MaxMemorySize
	}
	return doc
}

func (s *Store) read() (Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Document{}, fmt.Errorf("read persona document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decode persona document: %w", err)
	}
	return doc, nil
}

// Raw returns the document bytes as stored.
func (s *Store) Raw() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read persona document: %w", err)
	}
	return data, nil
}

// Replace validates data as a persona document and atomically swaps it in.
func (s *Store) Replace(data []byte) error {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid persona document: %w", err)
	}
	if _, err := doc.Persona(); err != nil {
		return fmt.Errorf("invalid persona document: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeFile(data)
}

// SaveRecap stores recap under the "recap" key, leaving all other keys as they are.
func (s *Store) SaveRecap(recap string) error {
	return s.patch("recap", recap)
}

// SetMode stores the botMode key.
func (s *Store) SetMode(mode string) error {
	return s.patch("botMode", mode)
}

// patch rewrites a single top-level key. Keys this package does not know
// about survive the rewrite.
func (s *Store) patch(key string, value any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	raw := map[string]json.RawMessage{}
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		seed, err := json.Marshal(Default())
		if err != nil {
			return fmt.Errorf("encode default persona document: %w", err)
		}
		data = seed
	case err != nil:
		return fmt.Errorf("read persona document: %w", err)
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode persona document: %w", err)
	}

	v, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	raw[key] = v

	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("encode persona document: %w", err)
	}
	return s.writeFile(out)
}

func (s *Store) writeFile(data []byte) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create persona dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write persona document: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename persona document: %w", err)
	}
	return nil
}
