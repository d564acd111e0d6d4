package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"genflow/internal/config"
	"genflow/internal/eventbus"
	"genflow/internal/store"
	logx "genflow/pkg/logx"
)

func testApp(t *testing.T) *App {
	t.Helper()
	a := &App{
		log:     logx.Nop(),
		bus:     eventbus.New(),
		metrics: newMetrics(),
	}
	a.jobs = store.New(a.bus)
	return a
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestJobCRUDRoutes(t *testing.T) {
	a := testApp(t)
	h := a.router()

	// Create.
	rec := doJSON(t, h, http.MethodPost, "/v1/jobs", map[string]any{
		"payload": map[string]any{"prompt": "a cat on a synth"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: code = %d, body = %s", rec.Code, rec.Body)
	}
	var created store.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Empty payload rejected.
	rec = doJSON(t, h, http.MethodPost, "/v1/jobs", map[string]any{"payload": map[string]any{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty payload: code = %d", rec.Code)
	}

	// List.
	rec = doJSON(t, h, http.MethodGet, "/v1/jobs", nil)
	var jobs []store.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != created.ID {
		t.Fatalf("jobs = %+v", jobs)
	}

	// Patch payload.
	rec = doJSON(t, h, http.MethodPatch, "/v1/jobs/"+created.ID, map[string]any{
		"payload": map[string]any{"prompt": "a dog on a synth"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: code = %d, body = %s", rec.Code, rec.Body)
	}

	// Reset from pending is allowed.
	rec = doJSON(t, h, http.MethodPost, "/v1/jobs/"+created.ID+"/reset", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: code = %d, body = %s", rec.Code, rec.Body)
	}

	// Delete, then 404 on repeat.
	rec = doJSON(t, h, http.MethodDelete, "/v1/jobs/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: code = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodDelete, "/v1/jobs/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("repeat delete: code = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	a := testApp(t)
	rec := doJSON(t, a.router(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestValidate(t *testing.T) {
	ok := &config.Config{}
	ok.Service.BaseURL = "https://service.example"
	if err := Validate(context.Background(), ok); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	missing := &config.Config{}
	if err := Validate(context.Background(), missing); err == nil {
		t.Fatal("missing service.base_url accepted")
	}

	badAcct := &config.Config{}
	badAcct.Service.BaseURL = "x"
	badAcct.Accounts = []config.AccountConfig{{ID: "a"}}
	if err := Validate(context.Background(), badAcct); err == nil {
		t.Fatal("account without cookies_path accepted")
	}

	badDur := &config.Config{}
	badDur.Service.BaseURL = "x"
	badDur.Poller.Interval = "soon"
	if err := Validate(context.Background(), badDur); err == nil {
		t.Fatal("invalid duration accepted")
	}
}
