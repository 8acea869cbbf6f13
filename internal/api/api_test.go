package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/inferops/gateway/internal/alerts"
	"github.com/inferops/gateway/internal/batch"
	"github.com/inferops/gateway/internal/dispatcher"
	"github.com/inferops/gateway/internal/middleware"
	"github.com/inferops/gateway/internal/registry"
	"github.com/inferops/gateway/internal/scheduler"
)

func onlineRegistry(nodes ...registry.Node) *registry.Registry {
	reg := registry.New(nodes)
	for _, n := range nodes {
		reg.UpdateMetrics(n.ID, 1, registry.Metrics{Models: []string{"llama3"}})
	}
	return reg
}

func testServer(reg *registry.Registry) http.Handler {
	sched := scheduler.New(scheduler.DefaultWeights(), time.Second)
	dcfg := dispatcher.DefaultConfig()
	dcfg.ConnectTimeout = 500 * time.Millisecond
	dcfg.RetryBackoff = time.Millisecond
	d := dispatcher.New(reg, sched, dcfg)
	e := batch.New(reg, d, batch.DefaultConfig(), nil)
	return New(reg, d, e, alerts.DefaultThresholds(), nil)
}

func TestStatusAllReturnsSnapshot(t *testing.T) {
	reg := onlineRegistry(registry.Node{ID: 1, Name: "a"})
	h := testServer(reg)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status/all", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var views []registry.NodeView
	if err := json.Unmarshal(w.Body.Bytes(), &views); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(views) != 1 || views[0].ID != 1 {
		t.Fatalf("unexpected views: %+v", views)
	}
}

func TestChatCompletionsNoNodesReturns503(t *testing.T) {
	reg := registry.New(nil)
	h := testServer(reg)

	body := []byte(`{"model":"llama3","stream":false}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
	var out map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	if out["detail"] == "" {
		t.Fatalf("expected a detail message, got %+v", out)
	}
}

func TestChatCompletionsBufferedSetsAssignedNodeHeader(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer upstream.Close()

	reg := onlineRegistry(registry.Node{ID: 7, Name: "n7", LLMURL: upstream.URL})
	h := testServer(reg)

	body := []byte(`{"model":"llama3","stream":false}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Assigned-Node") == "" {
		t.Fatalf("expected X-Assigned-Node header to be set")
	}
}

// TestChatCompletionsStreamsThroughFullMiddlewareChain drives a real SSE
// request through middleware.CORS(middleware.Logging(mux)) over a real
// net/http server, the same wiring cmd/gateway/main.go uses. It exists
// to catch a responseRecorder that swallows http.Flusher: if Logging's
// wrapper doesn't forward Flush, handleChatCompletions's
// `w.(http.Flusher)` assertion fails and node_assigned never arrives.
func TestChatCompletionsStreamsThroughFullMiddlewareChain(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		io.WriteString(w, `{"choices":[{"delta":{"content":"hi"}}]}`+"\n")
		flusher.Flush()
	}))
	defer upstream.Close()

	reg := onlineRegistry(registry.Node{ID: 1, Name: "n1", LLMURL: upstream.URL})
	handler := middleware.CORS(middleware.Logging(testServer(reg)))
	gateway := httptest.NewServer(handler)
	defer gateway.Close()

	body := []byte(`{"model":"llama3","stream":true}`)
	resp, err := http.Post(gateway.URL+"/api/v1/chat/completions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	joined := strings.Join(lines, "\n")

	if !strings.Contains(joined, "event: node_assigned") {
		t.Fatalf("expected a node_assigned event, got: %s", joined)
	}
	if !strings.Contains(joined, "[DONE]") {
		t.Fatalf("expected a terminating [DONE] frame, got: %s", joined)
	}
}

func TestDatasetUploadRejectsZeroDataCount(t *testing.T) {
	reg := onlineRegistry(registry.Node{ID: 1, Name: "a"})
	h := testServer(reg)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "dataset.json")
	part.Write([]byte(`[{"x":1},{"x":2}]`))
	mw.WriteField("data_count", "0")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/dataset/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for data_count=0, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDatasetUploadThenStatusRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer upstream.Close()

	reg := onlineRegistry(registry.Node{ID: 1, Name: "a", LLMURL: upstream.URL})
	h := testServer(reg)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "dataset.json")
	part.Write([]byte(`[{"x":1}]`))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/dataset/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode upload response: %v", err)
	}
	jobID := resp["job_id"]
	if jobID == "" {
		t.Fatalf("expected a job_id in response")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/dataset/status/"+jobID, nil)
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200 for job status, got %d: %s", w2.Code, w2.Body.String())
	}
}

func TestDatasetStatusUnknownJobReturns404(t *testing.T) {
	reg := onlineRegistry(registry.Node{ID: 1, Name: "a"})
	h := testServer(reg)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dataset/status/does-not-exist", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// fakeJobLoader stands in for *batch.RedisStore: a job known to the
// mirror but never scheduled by this process's in-memory engine.
type fakeJobLoader struct {
	jobs map[string]batch.Job
}

func (f *fakeJobLoader) LoadJob(ctx context.Context, id string) (batch.Job, bool, error) {
	job, ok := f.jobs[id]
	return job, ok, nil
}

func TestDatasetStatusFallsBackToJobLoaderOnLocalMiss(t *testing.T) {
	reg := onlineRegistry(registry.Node{ID: 1, Name: "a"})
	sched := scheduler.New(scheduler.DefaultWeights(), time.Second)
	d := dispatcher.New(reg, sched, dispatcher.DefaultConfig())
	e := batch.New(reg, d, batch.DefaultConfig(), nil)

	loader := &fakeJobLoader{jobs: map[string]batch.Job{
		"elsewhere-job": {ID: "elsewhere-job", Status: "completed", TotalItems: 1, ProcessedItems: 1},
	}}
	h := New(reg, d, e, alerts.DefaultThresholds(), loader)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dataset/status/elsewhere-job", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 via fallback, got %d: %s", w.Code, w.Body.String())
	}
	var job batch.Job
	if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
		t.Fatalf("failed to decode job: %v", err)
	}
	if job.ID != "elsewhere-job" || job.Status != "completed" {
		t.Fatalf("unexpected job from fallback: %+v", job)
	}
}

func TestDatasetStatusUnknownJobStillReturns404WithLoaderPresent(t *testing.T) {
	reg := onlineRegistry(registry.Node{ID: 1, Name: "a"})
	sched := scheduler.New(scheduler.DefaultWeights(), time.Second)
	d := dispatcher.New(reg, sched, dispatcher.DefaultConfig())
	e := batch.New(reg, d, batch.DefaultConfig(), nil)
	loader := &fakeJobLoader{jobs: map[string]batch.Job{}}
	h := New(reg, d, e, alerts.DefaultThresholds(), loader)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dataset/status/does-not-exist", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestModelsListsOnlineAdvertisedModels(t *testing.T) {
	reg := onlineRegistry(registry.Node{ID: 1, Name: "a"})
	h := testServer(reg)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var models []string
	if err := json.Unmarshal(w.Body.Bytes(), &models); err != nil {
		t.Fatalf("failed to decode models response: %v", err)
	}
	if len(models) != 1 || models[0] != "llama3" {
		t.Fatalf("unexpected models: %+v", models)
	}
}

func TestAlertsEndpointReturnsEmptyArrayNotNull(t *testing.T) {
	reg := onlineRegistry(registry.Node{ID: 1, Name: "a"})
	h := testServer(reg)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Body.String() == "null\n" || w.Body.String() == "null" {
		t.Fatalf("expected an empty array, not null")
	}
}
