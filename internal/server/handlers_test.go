package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mathserve/wolframd/internal/auth"
	"github.com/mathserve/wolframd/internal/config"
	"github.com/mathserve/wolframd/internal/kernel"
	"github.com/mathserve/wolframd/internal/security"
)

// fakeEngine scripts engine outcomes for handler tests.
type fakeEngine struct {
	outcome   kernel.Outcome
	available bool
	lastCode  string
	lastMode  kernel.Mode
	lastTo    time.Duration
}

func (f *fakeEngine) Execute(ctx context.Context, code string, timeout time.Duration, mode kernel.Mode) kernel.Outcome {
	f.lastCode = code
	f.lastMode = mode
	f.lastTo = timeout
	return f.outcome
}

func (f *fakeEngine) Available(ctx context.Context) (bool, error) {
	if !f.available {
		return false, errors.New("no kernel")
	}
	return true, nil
}

func (f *fakeEngine) SessionInfo() kernel.SessionInfo {
	return kernel.SessionInfo{Active: f.available, State: "ready", KernelVersion: "14.2.0"}
}

func newTestServer(engine Engine) *Server {
	cfg := config.Default()
	validator := security.NewValidator(true, 0)
	return New(cfg, engine, validator, nil, nil)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("response is not JSON: %v\nbody: %s", err, rec.Body.String())
		}
	}
	return rec, decoded
}

func TestHandleExecute_Success(t *testing.T) {
	engine := &fakeEngine{outcome: kernel.Outcome{
		Success: true,
		Result:  &kernel.Value{Kind: kernel.KindExpr, Raw: "4"},
		Elapsed: 12 * time.Millisecond,
	}}
	h := newTestServer(engine).Handler()

	rec, body := doJSON(t, h, http.MethodPost, "/execute", `{"code":"2 + 2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["success"] != true {
		t.Errorf("success = %v, want true", body["success"])
	}
	if body["result"] != "4" {
		t.Errorf("result = %v, want 4", body["result"])
	}
	if body["execution_time"].(float64) <= 0 {
		t.Errorf("execution_time = %v, want positive", body["execution_time"])
	}
	if engine.lastCode != "2 + 2" || engine.lastMode != kernel.ModeExpression {
		t.Errorf("engine got code=%q mode=%v", engine.lastCode, engine.lastMode)
	}
}

func TestHandleExecute_TextFormatUsesOutputField(t *testing.T) {
	engine := &fakeEngine{outcome: kernel.Outcome{
		Success: true,
		Result:  &kernel.Value{Kind: kernel.KindText, Raw: "Hello, World!"},
		Elapsed: time.Millisecond,
	}}
	h := newTestServer(engine).Handler()

	rec, body := doJSON(t, h, http.MethodPost, "/execute", `{"code":"Print[\"Hello, World!\"]; Null","format":"text"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["output"] != "Hello, World!" {
		t.Errorf("output = %v, want Hello, World!", body["output"])
	}
	if _, ok := body["result"]; ok {
		t.Error("result field should be omitted for textual output")
	}
	if engine.lastMode != kernel.ModeTextual {
		t.Errorf("mode = %v, want textual", engine.lastMode)
	}
}

func TestHandleExecute_TimeoutForwarded(t *testing.T) {
	engine := &fakeEngine{outcome: kernel.Outcome{Success: true, Result: &kernel.Value{Raw: "1"}}}
	h := newTestServer(engine).Handler()

	doJSON(t, h, http.MethodPost, "/execute", `{"code":"1","timeout":2.5}`)
	if engine.lastTo != 2500*time.Millisecond {
		t.Errorf("timeout = %v, want 2.5s", engine.lastTo)
	}
}

func TestHandleExecute_BadRequests(t *testing.T) {
	h := newTestServer(&fakeEngine{}).Handler()

	cases := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"missing code", http.MethodPost, `{}`, http.StatusBadRequest},
		{"invalid json", http.MethodPost, `{`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, `{"code":"1","bogus":true}`, http.StatusBadRequest},
		{"bad format", http.MethodPost, `{"code":"1","format":"latex"}`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, ``, http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, _ := doJSON(t, h, tc.method, "/execute", tc.body)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestHandleExecute_ScreeningRejection(t *testing.T) {
	engine := &fakeEngine{}
	h := newTestServer(engine).Handler()

	rec, body := doJSON(t, h, http.MethodPost, "/execute", `{"code":"Run[\"rm -rf /\"]"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if body["success"] != false {
		t.Errorf("success = %v, want false", body["success"])
	}
	warnings, ok := body["warnings"].([]any)
	if !ok || len(warnings) == 0 {
		t.Errorf("warnings = %v, want at least one", body["warnings"])
	}
	if engine.lastCode != "" {
		t.Error("rejected code must never reach the engine")
	}
}

func TestHandleEvaluate_IsTextual(t *testing.T) {
	engine := &fakeEngine{outcome: kernel.Outcome{
		Success: true,
		Result:  &kernel.Value{Kind: kernel.KindText, Raw: "120"},
		Elapsed: time.Millisecond,
	}}
	h := newTestServer(engine).Handler()

	rec, body := doJSON(t, h, http.MethodPost, "/evaluate", `{"expression":"5!"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	// /evaluate is the loose endpoint: OutputForm text in the output field.
	if body["output"] != "120" {
		t.Errorf("output = %v, want 120", body["output"])
	}
	if _, ok := body["result"]; ok {
		t.Error("result field should be omitted for textual output")
	}
	if engine.lastMode != kernel.ModeTextual {
		t.Errorf("mode = %v, want textual", engine.lastMode)
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/evaluate", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing expression status = %d, want 400", rec.Code)
	}
}

func TestHandleExecute_FailedOutcomeIsHTTP200(t *testing.T) {
	engine := &fakeEngine{outcome: kernel.Outcome{
		Success: false,
		Err:     "evaluation timed out after 30 seconds",
		Elapsed: 30 * time.Second,
	}}
	h := newTestServer(engine).Handler()

	rec, body := doJSON(t, h, http.MethodPost, "/execute", `{"code":"Pause[3600]"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (outcome carries the failure)", rec.Code)
	}
	if body["success"] != false {
		t.Errorf("success = %v, want false", body["success"])
	}
	if !strings.Contains(body["error"].(string), "timed out") {
		t.Errorf("error = %v, want timeout message", body["error"])
	}
}

func TestHandleSession(t *testing.T) {
	h := newTestServer(&fakeEngine{available: true}).Handler()

	rec, body := doJSON(t, h, http.MethodGet, "/session", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["active"] != true || body["state"] != "ready" {
		t.Errorf("session body = %v", body)
	}
	if body["kernel_version"] != "14.2.0" {
		t.Errorf("kernel_version = %v, want 14.2.0", body["kernel_version"])
	}
}

func TestHandleHealthAndReady(t *testing.T) {
	h := newTestServer(&fakeEngine{available: true}).Handler()

	rec, body := doJSON(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, h, http.MethodGet, "/ready", "")
	if rec.Code != http.StatusOK || body["status"] != "ready" {
		t.Errorf("ready = %d %v", rec.Code, body)
	}

	h = newTestServer(&fakeEngine{available: false}).Handler()
	rec, body = doJSON(t, h, http.MethodGet, "/ready", "")
	if rec.Code != http.StatusServiceUnavailable || body["status"] != "not ready" {
		t.Errorf("not-ready = %d %v", rec.Code, body)
	}
}

func TestHandleIndex(t *testing.T) {
	h := newTestServer(&fakeEngine{}).Handler()

	rec, body := doJSON(t, h, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK || body["service"] != "wolframd" {
		t.Errorf("index = %d %v", rec.Code, body)
	}

	rec, _ = doJSON(t, h, http.MethodGet, "/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", rec.Code)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	h := newTestServer(&fakeEngine{available: true}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "test-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "test-123" {
		t.Errorf("X-Request-ID = %q, want test-123 (caller's ID reused)", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID should be generated when absent")
	}
}

func TestAuthRequired(t *testing.T) {
	store, err := auth.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer func() { _ = store.Close() }()

	_, tokenID, err := store.CreateToken("test", auth.ScopeExecute, nil)
	if err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}

	cfg := config.Default()
	cfg.Server.AuthRequired = true
	engine := &fakeEngine{outcome: kernel.Outcome{Success: true, Result: &kernel.Value{Raw: "4"}}}
	h := New(cfg, engine, security.NewValidator(true, 0), store, nil).Handler()

	// No token: rejected before reaching the engine.
	rec, _ := doJSON(t, h, http.MethodPost, "/execute", `{"code":"2 + 2"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", rec.Code)
	}
	if engine.lastCode != "" {
		t.Error("unauthenticated request reached the engine")
	}

	// Valid Bearer token: served.
	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"code":"2 + 2"}`))
	req.Header.Set("Authorization", "Bearer "+tokenID)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status with token = %d, want 200", rec.Code)
	}

	// Diagnostics stay open.
	rec, _ = doJSON(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200 without auth", rec.Code)
	}
}

func TestTokenScopeEnforcement(t *testing.T) {
	store, err := auth.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer func() { _ = store.Close() }()

	_, readToken, err := store.CreateToken("viewer", auth.ScopeReadOnly, nil)
	if err != nil {
		t.Fatalf("CreateToken(read-only) error = %v", err)
	}
	_, execToken, err := store.CreateToken("runner", auth.ScopeExecute, nil)
	if err != nil {
		t.Fatalf("CreateToken(execute) error = %v", err)
	}

	cfg := config.Default()
	cfg.Server.AuthRequired = true
	engine := &fakeEngine{available: true, outcome: kernel.Outcome{Success: true, Result: &kernel.Value{Raw: "4"}}}
	h := New(cfg, engine, security.NewValidator(true, 0), store, nil).Handler()

	do := func(method, path, body, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	// Read-only tokens never reach the kernel.
	bodies := map[string]string{
		"/execute":  `{"code":"2 + 2"}`,
		"/evaluate": `{"expression":"2 + 2"}`,
	}
	for path, body := range bodies {
		rec := do(http.MethodPost, path, body, readToken)
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s with read-only token status = %d, want 403", path, rec.Code)
		}
	}
	if engine.lastCode != "" {
		t.Error("read-only token's code reached the engine")
	}

	// Diagnostics remain within a read-only token's scope.
	if rec := do(http.MethodGet, "/session", "", readToken); rec.Code != http.StatusOK {
		t.Errorf("/session with read-only token status = %d, want 200", rec.Code)
	}

	// Executing scope runs code.
	if rec := do(http.MethodPost, "/execute", `{"code":"2 + 2"}`, execToken); rec.Code != http.StatusOK {
		t.Errorf("/execute with execute token status = %d, want 200", rec.Code)
	}
}
