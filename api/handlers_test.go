package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stellarlinkco/appgen-eval/internal/assess"
	"github.com/stellarlinkco/appgen-eval/internal/buildtest"
	"github.com/stellarlinkco/appgen-eval/internal/environment"
	"github.com/stellarlinkco/appgen-eval/internal/prompt"
	"github.com/stellarlinkco/appgen-eval/internal/rating"
	"github.com/stellarlinkco/appgen-eval/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testEnvironment(t *testing.T) *environment.Environment {
	t.Helper()
	env, err := environment.New(environment.Definition{
		ID:          "web-apps",
		DisplayName: "Web apps",
		Frameworks:  []string{"react", "vite"},
		Ratings: []environment.Rating{
			{ID: "build-clean", Category: environment.CategoryHigh, ScoreReduction: 25, Groups: []string{"build"}},
		},
		Categories: map[string]environment.Category{
			environment.CategoryHigh:   {MaxPoints: 50},
			environment.CategoryMedium: {MaxPoints: 30},
			environment.CategoryLow:    {MaxPoints: 20},
		},
	})
	if err != nil {
		t.Fatalf("environment.New: %v", err)
	}
	return env
}

func seededStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	started := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	info := &assess.RunInfo{
		ID:              "run_seeded",
		GroupID:         "grp_seeded",
		ProtocolVersion: assess.ProtocolVersion,
		EnvironmentID:   "web-apps",
		RatingHash:      "cafe",
		ExecutorID:      "local",
		StartedAt:       started,
		FinishedAt:      started.Add(time.Minute),
		Results: []assess.AssessmentResult{{
			PromptName: "todo",
			PromptText: "build a todo app",
			Step:       1,
			Build:      buildtest.CheckResult{Name: "build", Passed: true},
			Score:      &rating.Score{Points: 90, MaxPoints: 100},
		}},
	}
	if err := st.SaveRun(context.Background(), info); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	return st
}

func testServer(t *testing.T) *Server {
	t.Helper()
	t.Setenv("APPGEN_EVAL_API_KEY", "")
	t.Setenv("APPGEN_EVAL_DISABLE_AUTH", "true")

	prompts := []*prompt.Definition{
		{Name: "todo", Text: "build a todo app"},
		{Name: "notes", Steps: []*prompt.Definition{
			{Name: "notes/step-1", Text: "scaffold"},
			{Name: "notes/step-2", Text: "extend"},
		}},
	}
	srv, err := NewServer(seededStore(t), testEnvironment(t), prompts, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func doRequest(t *testing.T, srv *Server, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, w.Body.String())
	}
}

func TestNewServer_RequiresAuthConfiguration(t *testing.T) {
	t.Setenv("APPGEN_EVAL_API_KEY", "")
	t.Setenv("APPGEN_EVAL_DISABLE_AUTH", "")
	_, err := NewServer(seededStore(t), testEnvironment(t), nil, nil)
	if err == nil {
		t.Fatalf("NewServer: expected auth configuration error")
	}
}

func TestAPIKeyAuth(t *testing.T) {
	t.Setenv("APPGEN_EVAL_API_KEY", "secret")
	t.Setenv("APPGEN_EVAL_DISABLE_AUTH", "")
	srv, err := NewServer(seededStore(t), testEnvironment(t), nil, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	if w := doRequest(t, srv, http.MethodGet, "/api/health", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no key: got %d want 401", w.Code)
	}
	if w := doRequest(t, srv, http.MethodGet, "/api/health", map[string]string{"X-API-Key": "wrong"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: got %d want 401", w.Code)
	}
	if w := doRequest(t, srv, http.MethodGet, "/api/health", map[string]string{"X-API-Key": "secret"}); w.Code != http.StatusOK {
		t.Fatalf("right key: got %d want 200", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	srv := testServer(t)
	w := doRequest(t, srv, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health: got %d", w.Code)
	}
	var body map[string]string
	decodeBody(t, w, &body)
	if body["status"] != "ok" {
		t.Fatalf("health body: got %v", body)
	}
}

func TestHandleGetEnvironment(t *testing.T) {
	srv := testServer(t)
	w := doRequest(t, srv, http.MethodGet, "/api/environment", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("environment: got %d", w.Code)
	}
	var body environmentSummary
	decodeBody(t, w, &body)
	if body.ID != "web-apps" || body.MaxPoints != 100 || body.RatingCount != 1 {
		t.Fatalf("environment body: got %+v", body)
	}
}

func TestHandleListPrompts(t *testing.T) {
	srv := testServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/prompts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("prompts: got %d", w.Code)
	}
	var all []promptSummary
	decodeBody(t, w, &all)
	if len(all) != 2 {
		t.Fatalf("prompts: got %+v", all)
	}
	if all[1].Name != "notes" || all[1].Steps != 2 {
		t.Fatalf("multi-step summary: got %+v", all[1])
	}

	w = doRequest(t, srv, http.MethodGet, "/api/prompts?name=todo", nil)
	var filtered []promptSummary
	decodeBody(t, w, &filtered)
	if len(filtered) != 1 || filtered[0].Name != "todo" {
		t.Fatalf("filtered prompts: got %+v", filtered)
	}
}

func TestHandleListRuns(t *testing.T) {
	srv := testServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/runs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("runs: got %d", w.Code)
	}
	var runs []store.RunRecord
	decodeBody(t, w, &runs)
	if len(runs) != 1 || runs[0].ID != "run_seeded" {
		t.Fatalf("runs body: got %+v", runs)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/runs?environment=mobile-apps", nil)
	var empty []store.RunRecord
	decodeBody(t, w, &empty)
	if len(empty) != 0 {
		t.Fatalf("filtered runs: got %+v", empty)
	}

	if w := doRequest(t, srv, http.MethodGet, "/api/runs?limit=zero", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: got %d want 400", w.Code)
	}
	if w := doRequest(t, srv, http.MethodGet, "/api/runs?since=not-a-time", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad since: got %d want 400", w.Code)
	}
}

func TestHandleGetRun(t *testing.T) {
	srv := testServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/runs/run_seeded", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get run: got %d", w.Code)
	}
	var run store.RunRecord
	decodeBody(t, w, &run)
	if run.EnvironmentID != "web-apps" || run.ResultCount != 1 {
		t.Fatalf("run body: got %+v", run)
	}

	if w := doRequest(t, srv, http.MethodGet, "/api/runs/run_missing", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing run: got %d want 404", w.Code)
	}
}

func TestHandleGetRunResults(t *testing.T) {
	srv := testServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/runs/run_seeded/results", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("results: got %d", w.Code)
	}
	var results []store.ResultRecord
	decodeBody(t, w, &results)
	if len(results) != 1 || results[0].PromptName != "todo" || results[0].Points != 90 {
		t.Fatalf("results body: got %+v", results)
	}
	if results[0].Result.PromptText != "build a todo app" {
		t.Fatalf("payload: got %+v", results[0].Result)
	}

	if w := doRequest(t, srv, http.MethodGet, "/api/runs/run_missing/results", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing run results: got %d want 404", w.Code)
	}
}

func TestHandleGetPromptHistory(t *testing.T) {
	srv := testServer(t)

	w := doRequest(t, srv, http.MethodGet, "/api/history/todo", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history: got %d", w.Code)
	}
	var history []store.PromptScore
	decodeBody(t, w, &history)
	if len(history) != 1 || history[0].Points != 90 {
		t.Fatalf("history body: got %+v", history)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/history/unknown", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unknown prompt history: got %d", w.Code)
	}
	var none []store.PromptScore
	decodeBody(t, w, &none)
	if len(none) != 0 {
		t.Fatalf("unknown prompt history body: got %+v", none)
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Setenv("APPGEN_EVAL_API_KEY", "")
	t.Setenv("APPGEN_EVAL_DISABLE_AUTH", "true")

	srv, err := NewServer(seededStore(t), testEnvironment(t), nil, []string{"https://dash.example.com"})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	w := doRequest(t, srv, http.MethodOptions, "/api/health", map[string]string{"Origin": "https://dash.example.com"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight: got %d want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example.com" {
		t.Fatalf("allow origin: got %q", got)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/health", map[string]string{"Origin": "https://evil.example.com"})
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("disallowed origin got header %q", got)
	}
}
