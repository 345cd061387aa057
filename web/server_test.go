package web_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tomasmach/cai/config"
	"github.com/tomasmach/cai/convo"
	"github.com/tomasmach/cai/dispatch"
	"github.com/tomasmach/cai/logstore"
	"github.com/tomasmach/cai/persona"
	"github.com/tomasmach/cai/web"
)

const personaDoc = `{
  "personality": {"mika": {"name": "Mika", "description": "A cheerful cat girl"}},
  "currentPersonality": "mika",
  "maxMemorySize": 10,
  "model": {"flash": "gemini-2.0-flash"},
  "currentModel": "flash",
  "targetChannel": "general",
  "targetUsername": "alice",
  "botMode": "default"
}`

type fakeController struct {
	history *convo.Store
	resets  int
}

func (f *fakeController) Status() dispatch.Status {
	return dispatch.Status{QueueDepth: 2, HistoryLength: f.history.Len(), Processed: 7}
}

func (f *fakeController) ResetHistory() error {
	f.resets++
	return f.history.Reset()
}

func (f *fakeController) Rewind(n int) { _ = f.history.Truncate(-n) }

type env struct {
	ts      *httptest.Server
	dir     string
	history *convo.Store
	ctrl    *fakeController
	logs    *logstore.Store
}

func newTestServer(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	cfgData := "[bot]\ntoken=\"x\"\nenv_file=\"" + filepath.Join(dir, ".env") + "\"\n[llm]\ngemini_key=\"test\"\n"
	if err := os.WriteFile(cfgPath, []byte(cfgData), 0o644); err != nil {
		t.Fatal(err)
	}
	store, err := config.NewStore(cfgPath)
	if err != nil {
		t.Fatal(err)
	}

	personaPath := filepath.Join(dir, "botConfig.json")
	if err := os.WriteFile(personaPath, []byte(personaDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	history := convo.Open(convo.FilePersister{Path: filepath.Join(dir, "chatHistory.json")}, 10)
	for _, msg := range []string{"one", "two", "three"} {
		history.Append(convo.Exchange{Speaker: "alice", UserMessage: msg, BotReply: "re " + msg})
	}

	logs, err := logstore.Open(filepath.Join(dir, "logs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { logs.Close() })

	ctrl := &fakeController{history: history}
	srv := web.New(":0", web.Deps{
		Config:     store,
		Personas:   persona.NewStore(personaPath),
		History:    history,
		Controller: ctrl,
		Logs:       logs,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &env{ts: ts, dir: dir, history: history, ctrl: ctrl, logs: logs}
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthzAndCORS(t *testing.T) {
	e := newTestServer(t)

	resp := do(t, http.MethodGet, e.ts.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected permissive CORS header, got %q", got)
	}

	resp = do(t, http.MethodOptions, e.ts.URL+"/config", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight got %d, want 204", resp.StatusCode)
	}
}

func TestPersonaDocument(t *testing.T) {
	e := newTestServer(t)

	resp := do(t, http.MethodGet, e.ts.URL+"/config", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get got %d", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if string(data) != personaDoc {
		t.Fatalf("unexpected document: %s", data)
	}

	updated := strings.Replace(personaDoc, "A cheerful cat girl", "A grumpy cat girl", 1)
	resp = do(t, http.MethodPost, e.ts.URL+"/config", updated)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("post got %d", resp.StatusCode)
	}
	onDisk, err := os.ReadFile(filepath.Join(e.dir, "botConfig.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(onDisk), "grumpy") {
		t.Errorf("document not replaced: %s", onDisk)
	}
}

func TestPersonaDocumentRejectsInvalid(t *testing.T) {
	e := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{nope"},
		{"unknown current personality", `{"personality": {}, "currentPersonality": "ghost"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, e.ts.URL+"/config", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("got %d, want 400", resp.StatusCode)
			}
		})
	}

	onDisk, _ := os.ReadFile(filepath.Join(e.dir, "botConfig.json"))
	if string(onDisk) != personaDoc {
		t.Errorf("invalid document overwrote the file: %s", onDisk)
	}
}

func TestEnvReadWrite(t *testing.T) {
	t.Setenv("CAI_WEB_TEST_KEY", "")
	e := newTestServer(t)

	resp := do(t, http.MethodGet, e.ts.URL+"/env", "")
	var got map[string]string
	json.NewDecoder(resp.Body).Decode(&got)
	if len(got) != 0 {
		t.Fatalf("want empty env, got %v", got)
	}

	resp = do(t, http.MethodPost, e.ts.URL+"/env", `{"CAI_WEB_TEST_KEY": "secret"}`)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("post got %d", resp.StatusCode)
	}
	if os.Getenv("CAI_WEB_TEST_KEY") != "secret" {
		t.Errorf("env var not exported to the process")
	}

	resp = do(t, http.MethodGet, e.ts.URL+"/env", "")
	got = nil
	json.NewDecoder(resp.Body).Decode(&got)
	if got["CAI_WEB_TEST_KEY"] != "secret" {
		t.Errorf("env not persisted, got %v", got)
	}

	resp = do(t, http.MethodPost, e.ts.URL+"/env", "[1, 2]")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body got %d, want 400", resp.StatusCode)
	}
}

func TestServiceConfigRejectsInvalid(t *testing.T) {
	e := newTestServer(t)

	resp := do(t, http.MethodPost, e.ts.URL+"/api/config", "[llm]\nprovider=\"bogus\"\n")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", resp.StatusCode)
	}
	data, _ := os.ReadFile(filepath.Join(e.dir, "config.toml"))
	if strings.Contains(string(data), "bogus") {
		t.Errorf("invalid config was written")
	}
}

func TestStatus(t *testing.T) {
	e := newTestServer(t)

	resp := do(t, http.MethodGet, e.ts.URL+"/api/status", "")
	var got struct {
		Persona    string          `json:"persona"`
		Model      string          `json:"model"`
		Mode       string          `json:"mode"`
		Controller dispatch.Status `json:"controller"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Persona != "Mika" || got.Model != "gemini-2.0-flash" || got.Mode != "default" {
		t.Errorf("unexpected status %+v", got)
	}
	if got.Controller.QueueDepth != 2 || got.Controller.HistoryLength != 3 || got.Controller.Processed != 7 {
		t.Errorf("unexpected controller status %+v", got.Controller)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	e := newTestServer(t)

	resp := do(t, http.MethodGet, e.ts.URL+"/api/history", "")
	var list struct {
		History []convo.Exchange `json:"history"`
		Length  int              `json:"length"`
	}
	json.NewDecoder(resp.Body).Decode(&list)
	if list.Length != 3 || list.History[0].UserMessage != "one" {
		t.Fatalf("unexpected history %+v", list)
	}

	resp = do(t, http.MethodPost, e.ts.URL+"/api/history/rewind?n=2", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rewind got %d", resp.StatusCode)
	}
	if e.history.Len() != 1 {
		t.Errorf("expected 1 exchange after rewind, got %d", e.history.Len())
	}

	for _, bad := range []string{"0", "-1", "x"} {
		resp = do(t, http.MethodPost, e.ts.URL+"/api/history/rewind?n="+bad, "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("rewind n=%s got %d, want 400", bad, resp.StatusCode)
		}
	}

	resp = do(t, http.MethodDelete, e.ts.URL+"/api/history", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("reset got %d", resp.StatusCode)
	}
	if e.ctrl.resets != 1 || e.history.Len() != 0 {
		t.Errorf("history not reset: resets=%d len=%d", e.ctrl.resets, e.history.Len())
	}
}

func TestLogsEndpoint(t *testing.T) {
	e := newTestServer(t)

	logger := slog.New(logstore.NewHandler(slog.NewTextHandler(io.Discard, nil), e.logs))
	logger.Info("replied", "component", "dispatch", "pipeline_id", "p1")
	logger.Warn("queue full", "component", "dispatch", "pipeline_id", "p2")
	logger.Info("recap saved", "component", "recap")

	resp := do(t, http.MethodGet, e.ts.URL+"/api/logs?component=dispatch&level=warn", "")
	var got struct {
		Logs  []logstore.LogRow `json:"logs"`
		Total int               `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Total != 1 || len(got.Logs) != 1 || got.Logs[0].Msg != "queue full" {
		t.Errorf("unexpected logs %+v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestServer(t)

	resp := do(t, http.MethodGet, e.ts.URL+"/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics got %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	io.Copy(&buf, resp.Body)
	if !strings.Contains(buf.String(), "go_goroutines") {
		t.Errorf("metrics output missing runtime collectors")
	}
}
