// Package convo keeps the bounded, persisted history of completed
// user/bot exchanges that feeds prompt composition and recaps.
package convo

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Exchange is one completed turn. The JSON keys match the on-disk history
// format so existing history files keep loading.
type Exchange struct {
	Time         string  `json:"time"`
	Speaker      string  `json:"users"`
	UserMessage  string  `json:"userMessage"`
	BotReply     string  `json:"Bot"`
	ImageCaption *string `json:"img"`
}

// Caption returns the image caption, treating the placeholder values models
// produce for "no image" as absent.
func (e Exchange) Caption() (string, bool) {
	if e.ImageCaption == nil {
		return "", false
	}
	c := strings.TrimSpace(*e.ImageCaption)
	switch strings.ToLower(c) {
	case "", "none", "null":
		return "", false
	}
	return c, true
}

// Persister is the durable backing for a Store.
type Persister interface {
	// Load returns the saved exchanges, or nil with no error when nothing was saved yet.
	Load() ([]Exchange, error)
	Save([]Exchange) error
}

// Store is an ordered, bounded FIFO of exchanges. Every mutation is written
// through to the Persister; write failures are logged and the in-memory
// state is kept.
type Store struct {
	mu      sync.Mutex
	items   []Exchange
	maxSize int
	p       Persister
	logger  *slog.Logger
}

// Open builds a Store and loads whatever the persister holds. Unreadable
// history is logged and the store starts empty.
func Open(p Persister, maxSize int) *Store {
	if maxSize < 1 {
		maxSize = 1
	}
	s := &Store{
		maxSize: maxSize,
		p:       p,
		logger:  slog.With("component", "convo"),
	}
	items, err := p.Load()
	if err != nil {
		s.logger.Warn("failed to load conversation history, starting empty", "error", err)
		items = nil
	}
	if len(items) > maxSize {
		items = items[len(items)-maxSize:]
	}
	s.items = items
	s.logger.Info("conversation history loaded", "exchanges", len(s.items), "max_size", maxSize)
	return s
}

// Append adds e at the end, evicting the oldest exchanges first so the
// store never exceeds its bound.
func (s *Store) Append(e Exchange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.items) >= s.maxSize {
		s.items = s.items[1:]
	}
	s.items = append(s.items, e)
	s.persist()
}

// Reset drops every exchange. The returned error is the persister's; the
// in-memory store is empty either way.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	return s.persist()
}

// Truncate removes exchanges from index n to the end. A negative n counts
// from the end, so Truncate(-1) drops the latest exchange.
func (s *Store) Truncate(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		n = max(len(s.items)+n, 0)
	}
	if n >= len(s.items) {
		return nil
	}
	s.items = s.items[:n]
	return s.persist()
}

// SetMaxSize changes the bound. A smaller bound takes effect on the next Append.
func (s *Store) SetMaxSize(n int) {
	if n < 1 {
		return
	}
	s.mu.Lock()
	s.maxSize = n
	s.mu.Unlock()
}

// Snapshot returns a copy of the exchanges, oldest first.
func (s *Store) Snapshot() []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Exchange, len(s.items))
	copy(out, s.items)
	return out
}

// Last returns the most recent exchange.
func (s *Store) Last() (Exchange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return Exchange{}, false
	}
	return s.items[len(s.items)-1], true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// persist must be called with s.mu held. Failures are logged and returned.
func (s *Store) persist() error {
	snapshot := make([]Exchange, len(s.items))
	copy(snapshot, s.items)
	if err := s.p.Save(snapshot); err != nil {
		s.logger.Error("failed to persist conversation history", "error", err, "exchanges", len(snapshot))
		return fmt.Errorf("persist history: %w", err)
	}
	return nil
}
