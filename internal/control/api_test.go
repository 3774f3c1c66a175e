package control

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"rampart/internal/cache"
	"rampart/internal/config"
	"rampart/internal/detect"
	"rampart/internal/embed"
	"rampart/internal/pipeline"
	"rampart/internal/policy"
	"rampart/internal/store"
	"rampart/internal/vector"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()

	regex, err := detect.NewRegexDetector(
		func() (*config.PatternDoc, error) { return config.DefaultPatterns(), nil }, nil, nil)
	if err != nil {
		t.Fatalf("NewRegexDetector() error: %v", err)
	}
	policies, err := policy.New(
		func() (*config.PolicyDoc, error) { return config.DefaultPolicies(), nil }, nil, nil)
	if err != nil {
		t.Fatalf("policy.New() error: %v", err)
	}

	idx := vector.NewMemoryIndex(64)
	semantic := detect.NewSemanticDetector(embed.NewLocal(64), idx, detect.SemanticOptions{})

	p := pipeline.New(pipeline.Options{
		Regex:    regex,
		Semantic: semantic,
		Policies: policies,
		Cache:    cache.New(store.NewMemoryKV(), cache.Options{}),
		Index:    idx,
	})
	return New(p, policies)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, out any) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decoding %s %s response: %v\nbody: %s", method, path, err, rec.Body.String())
		}
	}
	return rec
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t)

	var resp HealthResponse
	rec := doJSON(t, h, http.MethodGet, "/healthz", "", &resp)

	if rec.Code != http.StatusOK || resp.Status != "ok" {
		t.Errorf("got (%d, %q)", rec.Code, resp.Status)
	}
}

func TestValidateEndpoint(t *testing.T) {
	h := newTestHandler(t)

	var result pipeline.Result
	rec := doJSON(t, h, http.MethodPost, "/v1/validate",
		`{"prompt": "My SSN is 123-45-6789"}`, &result)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
	if result.Status != pipeline.StatusBlocked || result.IsSafe {
		t.Errorf("result = (%q, safe=%v), want (blocked, false)", result.Status, result.IsSafe)
	}
	if result.RequestID == "" {
		t.Error("missing request_id")
	}
}

func TestValidateRejectsEmptyPrompt(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/validate", `{"prompt": ""}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestValidateMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/v1/validate", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestBatchValidateEndpoint(t *testing.T) {
	h := newTestHandler(t)

	var resp BatchResponse
	rec := doJSON(t, h, http.MethodPost, "/v1/validate/batch",
		`{"prompts": [{"prompt": "hello"}, {"prompt": "My SSN is 123-45-6789"}]}`, &resp)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
	if resp.Total != 2 {
		t.Fatalf("Total = %d, want 2", resp.Total)
	}
	if resp.Results[0].Status != pipeline.StatusAllowed || resp.Results[1].Status != pipeline.StatusBlocked {
		t.Errorf("statuses = (%q, %q)", resp.Results[0].Status, resp.Results[1].Status)
	}
}

func TestPoliciesEndpoints(t *testing.T) {
	h := newTestHandler(t)

	var list PoliciesResponse
	rec := doJSON(t, h, http.MethodGet, "/v1/policies", "", &list)
	if rec.Code != http.StatusOK || list.Total < 3 || list.Default != "default" {
		t.Errorf("list = %+v (status %d)", list, rec.Code)
	}

	var info policy.Info
	rec = doJSON(t, h, http.MethodGet, "/v1/policies/strict", "", &info)
	if rec.Code != http.StatusOK || info.ID != "strict" || !info.Enabled {
		t.Errorf("info = %+v (status %d)", info, rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/policies/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown policy status = %d, want 404", rec.Code)
	}
}

func TestPatternLifecycle(t *testing.T) {
	h := newTestHandler(t)

	var created map[string]string
	rec := doJSON(t, h, http.MethodPost, "/v1/patterns",
		`{"text": "my corporate vpn password", "category": "credentials", "severity": "high"}`, &created)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
	id := created["pattern_id"]
	if id == "" {
		t.Fatal("no generated pattern_id")
	}

	rec = doJSON(t, h, http.MethodDelete, "/v1/patterns/"+id, "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("delete status = %d, body: %s", rec.Code, rec.Body.String())
	}
}

func TestThresholdEndpoint(t *testing.T) {
	h := newTestHandler(t)

	var resp ThresholdRequest
	rec := doJSON(t, h, http.MethodPut, "/v1/semantic/threshold", `{"threshold": 0.9}`, &resp)
	if rec.Code != http.StatusOK || resp.Threshold != 0.9 {
		t.Errorf("got (%d, %v)", rec.Code, resp.Threshold)
	}

	rec = doJSON(t, h, http.MethodPut, "/v1/semantic/threshold", `{"threshold": 1.5}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("out-of-range status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/semantic/threshold", "", &resp)
	if rec.Code != http.StatusOK || resp.Threshold != 0.9 {
		t.Errorf("read back got (%d, %v)", rec.Code, resp.Threshold)
	}
}

func TestStatsEndpoint(t *testing.T) {
	h := newTestHandler(t)

	var stats pipeline.Stats
	rec := doJSON(t, h, http.MethodGet, "/v1/stats", "", &stats)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if stats.DefaultPolicy != "default" || !stats.CacheEnabled {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRecentDetectionsEndpoint(t *testing.T) {
	h := newTestHandler(t)

	doJSON(t, h, http.MethodPost, "/v1/validate", `{"prompt": "My SSN is 123-45-6789"}`, nil)

	var resp RecentDetectionsResponse
	rec := doJSON(t, h, http.MethodGet, "/v1/detections/recent?limit=5", "", &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp.Total != 1 || resp.Records[0].Status != "blocked" {
		t.Errorf("resp = %+v", resp)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/detections/recent?limit=bad", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestReloadEndpoint(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/reload", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/validate", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}
