package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JonMunkholm/bulkimport/internal/config"
	"github.com/JonMunkholm/bulkimport/internal/core"
	"github.com/JonMunkholm/bulkimport/internal/database"
)

const peopleCSV = "NOM;PRENOMS;DATE DE NAISSANCE\nKONE;Awa;15/03/1990\nTRAORE;Ali;\nkone;AWA;15/03/1990\n"

type testEnv struct {
	server *Server
	store  *database.MemoryStore
	dir    string
}

func newTestEnv(t *testing.T, mutate func(*config.Config, *Deps)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		Server: config.ServerConfig{RequestTimeout: 10 * time.Second},
		Import: config.ImportConfig{
			BatchSize:        2,
			MaxFileSize:      1 << 20,
			BatchTimeout:     5 * time.Second,
			ProgressInterval: 10 * time.Millisecond,
			Dedupe:           true,
			Encoding:         "utf-8",
			MaxConcurrent:    2,
			MaxWaitTime:      50 * time.Millisecond,
			Timeout:          time.Minute,
			Retention:        time.Minute,
			Dir:              dir,
		},
	}
	store := database.NewMemoryStore()
	deps := Deps{Records: store}
	if mutate != nil {
		mutate(cfg, &deps)
	}

	service := core.NewService(store, &database.MemoryAudit{}, core.OSFilesystem{}, cfg.Import.ServiceConfig())
	s := NewServer(service, cfg, deps)
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	return &testEnv{server: s, store: store, dir: dir}
}

func (e *testEnv) writeFile(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(e.dir, name), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
	defer cancel()
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req.WithContext(ctx))
	return rec
}

func jsonRequest(method, path string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (e *testEnv) start(t *testing.T, req *http.Request) string {
	t.Helper()
	rec := e.do(t, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body.String())
	}
	return decode[map[string]string](t, rec)["importId"]
}

func (e *testEnv) waitResult(t *testing.T, id string) resultResponse {
	t.Helper()
	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/api/imports/"+id+"/result?wait=true", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("result status = %d: %s", rec.Code, rec.Body.String())
	}
	return decode[resultResponse](t, rec)
}

func TestStartImport_ServerPath(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeFile(t, "people.csv", peopleCSV)

	id := env.start(t, jsonRequest(http.MethodPost, "/api/imports", startRequest{Path: "people.csv", OwnerID: "agent-7", ImportID: "imp-1"}))
	if id != "imp-1" {
		t.Errorf("importId = %q, want imp-1", id)
	}

	res := env.waitResult(t, id)
	if !res.Success || res.State != core.StateCompleted {
		t.Fatalf("result = %+v", res.ImportResult)
	}
	if res.Stats.Imported != 2 || res.Stats.Duplicates != 1 {
		t.Errorf("stats = %+v, want 2 imported 1 duplicate", res.Stats)
	}

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/imports/imp-1/records?limit=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("records status = %d", rec.Code)
	}
	body := decode[struct {
		Count   int64         `json:"count"`
		Records []core.Record `json:"records"`
	}](t, rec)
	if body.Count != 2 || len(body.Records) != 1 {
		t.Errorf("records = %+v, want count 2 with 1 returned", body)
	}
}

func TestStartImport_Upload(t *testing.T) {
	env := newTestEnv(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("owner_id", "agent-7")
	fw, _ := mw.CreateFormFile("file", "people.csv")
	fw.Write([]byte(peopleCSV))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/imports", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	id := env.start(t, req)
	res := env.waitResult(t, id)
	if res.Stats.Imported != 2 {
		t.Errorf("Imported = %d, want 2", res.Stats.Imported)
	}

	// The spooled upload is removed once the import finishes.
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, _ := os.ReadDir(env.dir)
		if len(entries) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("upload not cleaned up: %v", entries)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartImport_UploadTooLarge(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config, _ *Deps) { c.Import.MaxFileSize = 16 })

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "people.csv")
	fw.Write([]byte(peopleCSV))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/imports", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := env.do(t, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413: %s", rec.Code, rec.Body.String())
	}
	if got := decode[ErrorResponse](t, rec).Code; got != core.CodeFileTooLarge {
		t.Errorf("code = %q, want %q", got, core.CodeFileTooLarge)
	}
	if entries, _ := os.ReadDir(env.dir); len(entries) != 0 {
		t.Errorf("partial upload left behind: %v", entries)
	}
}

func TestStartImport_BadRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"missing path", jsonRequest(http.MethodPost, "/api/imports", startRequest{})},
		{"escapes import dir", jsonRequest(http.MethodPost, "/api/imports", startRequest{Path: "../etc/passwd"})},
		{"absolute path", jsonRequest(http.MethodPost, "/api/imports", startRequest{Path: "/etc/passwd"})},
		{"invalid json", httptest.NewRequest(http.MethodPost, "/api/imports", strings.NewReader("{"))},
		{"long import id", jsonRequest(http.MethodPost, "/api/imports", startRequest{Path: "a.csv", ImportID: strings.Repeat("x", 200)})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestImportResult_Failure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeFile(t, "bad.csv", "NOM;DATE DE NAISSANCE\nKONE;15/03/1990\n")

	id := env.start(t, jsonRequest(http.MethodPost, "/api/imports", startRequest{Path: "bad.csv"}))
	res := env.waitResult(t, id)

	if res.State != core.StateFailed || res.Success {
		t.Fatalf("result = %+v, want failed", res.ImportResult)
	}
	if res.UserMessage == nil || res.UserMessage.Code != core.CodeMissingColumn {
		t.Errorf("userMessage = %+v, want %s", res.UserMessage, core.CodeMissingColumn)
	}
}

func TestAnalyze(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeFile(t, "people.csv", peopleCSV)
	env.writeFile(t, "bad.csv", "NOM\nKONE\n")

	rec := env.do(t, jsonRequest(http.MethodPost, "/api/imports/analyze", startRequest{Path: "people.csv"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[map[string]any](t, rec)
	if got["estimatedRows"] != float64(3) || got["delimiter"] != ";" || got["estimatedBatches"] != float64(2) {
		t.Errorf("analysis = %v", got)
	}

	rec = env.do(t, jsonRequest(http.MethodPost, "/api/imports/analyze", startRequest{Path: "bad.csv"}))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if code := decode[ErrorResponse](t, rec).Code; code != core.CodeMissingColumn {
		t.Errorf("code = %q, want %q", code, core.CodeMissingColumn)
	}
}

func TestUnknownImport(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/imports/nope", nil),
		httptest.NewRequest(http.MethodGet, "/api/imports/nope/result", nil),
		httptest.NewRequest(http.MethodPost, "/api/imports/nope/cancel", nil),
		httptest.NewRequest(http.MethodGet, "/api/imports/nope/events", nil),
	} {
		rec := env.do(t, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s: status = %d, want 404", req.Method, req.URL.Path, rec.Code)
			continue
		}
		if code := decode[ErrorResponse](t, rec).Code; code != "IMP003" {
			t.Errorf("%s %s: code = %q, want IMP003", req.Method, req.URL.Path, code)
		}
	}
}

func TestImportEvents_AfterFinish(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeFile(t, "people.csv", peopleCSV)

	id := env.start(t, jsonRequest(http.MethodPost, "/api/imports", startRequest{Path: "people.csv"}))
	env.waitResult(t, id)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/imports/"+id+"/events", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: complete\n") || !strings.Contains(body, "id: 1\n") {
		t.Errorf("stream = %q, want the replayed complete event", body)
	}
}

func TestListAndLimiter(t *testing.T) {
	env := newTestEnv(t, nil)
	env.writeFile(t, "people.csv", peopleCSV)
	id := env.start(t, jsonRequest(http.MethodPost, "/api/imports", startRequest{Path: "people.csv"}))
	env.waitResult(t, id)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/imports", nil))
	list := decode[struct {
		Imports []core.Status     `json:"imports"`
		Limiter core.LimiterStatus `json:"limiter"`
	}](t, rec)
	if len(list.Imports) != 1 || list.Imports[0].ImportBatchID != id {
		t.Errorf("imports = %+v", list.Imports)
	}
	if list.Limiter.MaxConcurrent != 2 {
		t.Errorf("limiter = %+v", list.Limiter)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}

	down := newTestEnv(t, func(_ *config.Config, d *Deps) {
		d.Ping = func(context.Context) error { return errors.New("connection refused") }
	})
	rec = down.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config, _ *Deps) {
		c.Security = config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"secret"}}
	})

	if rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/imports", nil)); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/imports", nil)
	req.Header.Set("X-API-Key", "secret")
	if rec := env.do(t, req); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec := env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Errorf("healthz should not need a key, got %d", rec.Code)
	}
}

func TestAuditNotConfigured(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/imports/x/audit", nil))
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&core.ValidationError{Code: core.CodeMissingColumn}, http.StatusUnprocessableEntity},
		{&core.ValidationError{Code: core.CodeFileTooLarge}, http.StatusRequestEntityTooLarge},
		{core.ErrImportNotFound, http.StatusNotFound},
		{core.ErrAlreadyRunning, http.StatusConflict},
		{core.ErrTooManyImports, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
