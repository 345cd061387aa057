// Package logstore provides SQLite-backed persistent storage for slog entries
// and a custom slog.Handler that tees log records to an inner handler and to the DB.
package logstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const migrationSQL = `
CREATE TABLE IF NOT EXISTS logs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    ts          DATETIME NOT NULL,
    level       TEXT NOT NULL,
    msg         TEXT NOT NULL,
    component   TEXT NOT NULL DEFAULT '',
    channel_id  TEXT NOT NULL DEFAULT '',
    pipeline_id TEXT NOT NULL DEFAULT '',
    attrs       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_logs_component ON logs(component);
CREATE INDEX IF NOT EXISTS idx_logs_pipeline ON logs(pipeline_id);
`

const maxRows = 10000

// LogRow is a single log entry returned by List.
type LogRow struct {
	ID         int64     `db:"id" json:"id"`
	CreatedAt  time.Time `db:"ts" json:"ts"`
	Level      string    `db:"level" json:"level"`
	Msg        string    `db:"msg" json:"msg"`
	Component  string    `db:"component" json:"component,omitempty"`
	ChannelID  string    `db:"channel_id" json:"channel_id,omitempty"`
	PipelineID string    `db:"pipeline_id" json:"pipeline_id,omitempty"`
	Attrs      string    `db:"attrs" json:"attrs,omitempty"`
}

// Filter narrows List. Empty fields do not filter.
type Filter struct {
	Component  string
	PipelineID string
	Level      string // "debug", "info", "warn" or "error": minimum level
	Limit      int
	Offset     int
}

// Store persists slog records in SQLite.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the log store at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log db dir: %w", err)
	}
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open log db: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), migrationSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("log db migration: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type entry struct {
	ts         time.Time
	level      string
	msg        string
	component  string
	channelID  string
	pipelineID string
	attrs      string
}

// write persists a single log entry. Errors are discarded: logging them here
// would recurse back into slog. Prunes the table 1 in 500 writes.
func (s *Store) write(ctx context.Context, e entry) {
	_, _ = s.db.ExecContext(ctx,
		`INSERT INTO logs (ts, level, msg, component, channel_id, pipeline_id, attrs) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ts, e.level, e.msg, e.component, e.channelID, e.pipelineID, e.attrs,
	)
	if rand.IntN(500) == 0 {
		s.prune(context.Background())
	}
}

// prune keeps the newest maxRows rows.
func (s *Store) prune(ctx context.Context) {
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM logs WHERE id NOT IN (SELECT id FROM logs ORDER BY id DESC LIMIT ?)`, maxRows)
}

var levelRank = map[string]int{"debug": -4, "info": 0, "warn": 4, "error": 8}

// List returns matching rows newest first, plus the total number of matches.
func (s *Store) List(ctx context.Context, f Filter) ([]LogRow, int, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}

	var (
		where []string
		args  []any
	)
	if f.Component != "" {
		where = append(where, "component = ?")
		args = append(args, f.Component)
	}
	if f.PipelineID != "" {
		where = append(where, "pipeline_id = ?")
		args = append(args, f.PipelineID)
	}
	if n, ok := levelRank[strings.ToLower(f.Level)]; ok {
		where = append(where, "CASE level WHEN 'DEBUG' THEN -4 WHEN 'INFO' THEN 0 WHEN 'WARN' THEN 4 WHEN 'ERROR' THEN 8 ELSE 0 END >= ?")
		args = append(args, n)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM logs"+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("count logs: %w", err)
	}

	var out []LogRow
	err := s.db.SelectContext(ctx, &out,
		"SELECT id, ts, level, msg, component, channel_id, pipeline_id, attrs FROM logs"+clause+
			" ORDER BY id DESC LIMIT ? OFFSET ?",
		append(args, f.Limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list logs: %w", err)
	}
	return out, total, nil
}

// indexed are the attrs stored in their own columns rather than in attrs.
var indexed = map[string]bool{"component": true, "channel_id": true, "pipeline_id": true}

// Handler is a slog.Handler that tees records to an inner handler and to a Store.
// Attrs added via WithAttrs are accumulated so that component, channel_id and
// pipeline_id are available even when they were attached before the log call.
type Handler struct {
	inner    slog.Handler
	store    *Store
	preAttrs map[string]string
}

// NewHandler wraps inner with a tee to store.
func NewHandler(inner slog.Handler, store *Store) *Handler {
	return &Handler{inner: inner, store: store, preAttrs: make(map[string]string)}
}

func (h *Handler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	child := &Handler{
		inner:    h.inner.WithAttrs(attrs),
		store:    h.store,
		preAttrs: copyMap(h.preAttrs),
	}
	for _, a := range attrs {
		child.preAttrs[a.Key] = a.Value.String()
	}
	return child
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		inner:    h.inner.WithGroup(name),
		store:    h.store,
		preAttrs: copyMap(h.preAttrs),
	}
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	cols := map[string]string{}
	extra := make(map[string]any)
	for k, v := range h.preAttrs {
		if indexed[k] {
			cols[k] = v
		} else {
			extra[k] = v
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if indexed[a.Key] {
			cols[a.Key] = a.Value.String()
		} else {
			extra[a.Key] = a.Value.Any()
		}
		return true
	})

	var attrsJSON string
	if len(extra) > 0 {
		b, _ := json.Marshal(extra)
		attrsJSON = string(b)
	}

	h.store.write(ctx, entry{
		ts:         r.Time,
		level:      r.Level.String(),
		msg:        r.Message,
		component:  cols["component"],
		channelID:  cols["channel_id"],
		pipelineID: cols["pipeline_id"],
		attrs:      attrsJSON,
	})
	return nil
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
