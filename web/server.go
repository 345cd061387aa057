package web

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/tomasmach/cai/config"
	"github.com/tomasmach/cai/convo"
	"github.com/tomasmach/cai/dispatch"
	"github.com/tomasmach/cai/logstore"
	"github.com/tomasmach/cai/metrics"
	"github.com/tomasmach/cai/persona"
)

//go:embed static
var staticFiles embed.FS

const maxBody = 1 << 20

// Controller is the part of the dispatch controller the operator surface drives.
type Controller interface {
	Status() dispatch.Status
	ResetHistory() error
	Rewind(n int)
}

// Deps are the collaborators the server reads from and mutates.
// Logs may be nil, in which case /api/logs reports the store as disabled.
type Deps struct {
	Config     *config.Store
	Personas   *persona.Store
	History    *convo.Store
	Controller Controller
	Logs       *logstore.Store
}

type Server struct {
	cfgStore   *config.Store
	personas   *persona.Store
	history    *convo.Store
	controller Controller
	logs       *logstore.Store
	sseSubs    []chan string
	ssesMu     sync.Mutex
	writeMu    sync.Mutex // guards config and env file writes
	handler    http.Handler
	httpServer *http.Server
	logger     *slog.Logger
}

func New(addr string, d Deps) *Server {
	s := &Server{
		cfgStore:   d.Config,
		personas:   d.Personas,
		history:    d.History,
		controller: d.Controller,
		logs:       d.Logs,
		logger:     slog.With("component", "web"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /config", s.handleGetPersona)
	mux.HandleFunc("POST /config", s.handlePostPersona)
	mux.HandleFunc("GET /env", s.handleGetEnv)
	mux.HandleFunc("POST /env", s.handlePostEnv)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("POST /api/config", s.handlePostConfig)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/events", s.handleSSE)
	mux.HandleFunc("GET /api/history", s.handleGetHistory)
	mux.HandleFunc("DELETE /api/history", s.handleResetHistory)
	mux.HandleFunc("POST /api/history/rewind", s.handleRewind)
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "ok")
	})
	sub, _ := fs.Sub(staticFiles, "static")
	mux.HandleFunc("/", http.FileServer(http.FS(sub)).ServeHTTP)

	s.handler = cors(mux)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// cors allows the dashboard to be served from another origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartStatusPoller pushes a status event to every SSE subscriber every 5 seconds.
func (s *Server) StartStatusPoller(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				data, err := json.Marshal(s.status())
				if err != nil {
					s.logger.Error("marshal status", "error", err)
					continue
				}
				s.broadcast(fmt.Sprintf("event: status\ndata: %s\n\n", data))
			}
		}
	}()
}

func (s *Server) subscribe() chan string {
	ch := make(chan string, 16)
	s.ssesMu.Lock()
	s.sseSubs = append(s.sseSubs, ch)
	s.ssesMu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan string) {
	s.ssesMu.Lock()
	defer s.ssesMu.Unlock()
	for i, sub := range s.sseSubs {
		if sub == ch {
			s.sseSubs = append(s.sseSubs[:i], s.sseSubs[i+1:]...)
			return
		}
	}
}

func (s *Server) broadcast(msg string) {
	s.ssesMu.Lock()
	defer s.ssesMu.Unlock()
	for _, ch := range s.sseSubs {
		select {
		case ch <- msg:
		default:
			// drop slow subscriber
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	data, err := s.personas.Raw()
	if err != nil {
		s.logger.Error("read persona document", "error", err)
		http.Error(w, "failed to read persona document", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handlePostPersona(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if err := s.personas.Replace(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Info("persona document replaced", "bytes", len(body))
	s.broadcast("event: persona_updated\ndata: {}\n\n")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) envPath() string {
	return config.ExpandPath(s.cfgStore.Get().Bot.EnvFile)
}

func (s *Server) handleGetEnv(w http.ResponseWriter, r *http.Request) {
	env, err := config.ReadEnv(s.envPath())
	if err != nil {
		s.logger.Error("read env file", "error", err)
		http.Error(w, "failed to read env file", http.StatusInternalServerError)
		return
	}
	writeJSON(w, env)
}

// handlePostEnv replaces the env file and reloads the config so overrides
// such as API keys take effect.
func (s *Server) handlePostEnv(w http.ResponseWriter, r *http.Request) {
	var env map[string]string
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&env); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := config.WriteEnv(s.envPath(), env); err != nil {
		s.logger.Error("write env file", "error", err)
		http.Error(w, "failed to write env file", http.StatusInternalServerError)
		return
	}
	if s.cfgStore.Path() != "" {
		if _, err := s.cfgStore.Reload(); err != nil {
			s.logger.Warn("reload config after env update", "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.cfgStore.Path())
	if err != nil {
		s.logger.Error("read config file", "error", err)
		http.Error(w, "failed to read config", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write(data)
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cfgPath := s.cfgStore.Path()
	// Validate a temp copy before touching the real config.
	tmpPath := cfgPath + ".tmp"
	if err := os.WriteFile(tmpPath, body, 0o644); err != nil {
		s.logger.Error("write temp config", "error", err)
		http.Error(w, "failed to write config", http.StatusInternalServerError)
		return
	}
	if _, err := config.Load(tmpPath); err != nil {
		os.Remove(tmpPath)
		http.Error(w, fmt.Sprintf("invalid config: %v", err), http.StatusBadRequest)
		return
	}
	if err := os.Rename(tmpPath, cfgPath); err != nil {
		os.Remove(tmpPath)
		s.logger.Error("rename config file", "error", err)
		http.Error(w, "failed to write config", http.StatusInternalServerError)
		return
	}

	if _, err := s.cfgStore.Reload(); err != nil {
		s.logger.Error("reload config", "error", err)
		http.Error(w, fmt.Sprintf("reload failed: %v", err), http.StatusInternalServerError)
		return
	}

	s.broadcast("event: config_reloaded\ndata: {}\n\n")
	w.WriteHeader(http.StatusNoContent)
}

type statusView struct {
	Persona    string          `json:"persona"`
	Model      string          `json:"model"`
	Mode       string          `json:"mode"`
	Controller dispatch.Status `json:"controller"`
}

func (s *Server) status() statusView {
	doc := s.personas.Load()
	v := statusView{
		Model:      doc.ModelID(),
		Mode:       doc.BotMode,
		Controller: s.controller.Status(),
	}
	if p, err := doc.Persona(); err == nil {
		v.Persona = p.Name
	}
	return v
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status())
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-ch:
			fmt.Fprint(w, msg)
			flusher.Flush()
		}
	}
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	items := s.history.Snapshot()
	if items == nil {
		items = []convo.Exchange{}
	}
	writeJSON(w, map[string]any{
		"history": items,
		"length":  len(items),
	})
}

func (s *Server) handleResetHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.ResetHistory(); err != nil {
		s.logger.Error("reset history", "error", err)
		http.Error(w, "failed to reset history", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRewind(w http.ResponseWriter, r *http.Request) {
	n := 1
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			http.Error(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	s.controller.Rewind(n)
	writeJSON(w, map[string]any{"length": s.history.Len()})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		http.Error(w, "log store disabled", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	f := logstore.Filter{
		Component:  q.Get("component"),
		PipelineID: q.Get("pipeline_id"),
		Level:      q.Get("level"),
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}

	rows, total, err := s.logs.List(r.Context(), f)
	if err != nil {
		s.logger.Error("list logs", "error", err)
		http.Error(w, "failed to list logs", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []logstore.LogRow{}
	}
	writeJSON(w, map[string]any{
		"logs":  rows,
		"total": total,
	})
}
