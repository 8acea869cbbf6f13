// Package api is the thin HTTP adapter mapping the gateway's public
// surface (spec §4.7/§6.3) onto the core components. It performs no
// business logic beyond request validation and response serialization,
// grounded on the teacher's control_plane/api.go handler shape (decode
// -> validate -> call core -> encode) but routed through stdlib
// http.ServeMux path prefixes instead of a router library, the same way
// the teacher wires control_plane/main.go's http.Handle calls.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/inferops/gateway/internal/alerts"
	"github.com/inferops/gateway/internal/batch"
	"github.com/inferops/gateway/internal/dispatcher"
	"github.com/inferops/gateway/internal/errs"
	"github.com/inferops/gateway/internal/registry"
)

// JobLoader is the optional fallback consulted when a job_id isn't
// known to this process's in-memory batch engine — the mirrored-store
// side of horizontal replication (SPEC_FULL.md: "a gateway can be
// horizontally replicated without losing in-flight job status"), e.g.
// *batch.RedisStore behind a load balancer fronting several replicas.
type JobLoader interface {
	LoadJob(ctx context.Context, id string) (batch.Job, bool, error)
}

// Server holds every core component the public API fronts.
type Server struct {
	reg        *registry.Registry
	dispatch   *dispatcher.Dispatcher
	batch      *batch.Engine
	thresholds alerts.Thresholds
	jobLoader  JobLoader // optional; nil disables the cross-replica fallback
}

// New builds a Server and its routed mux. jobLoader may be nil, in
// which case dataset status lookups are limited to jobs this process
// scheduled itself.
func New(reg *registry.Registry, dispatch *dispatcher.Dispatcher, batchEngine *batch.Engine, thresholds alerts.Thresholds, jobLoader JobLoader) http.Handler {
	s := &Server{reg: reg, dispatch: dispatch, batch: batchEngine, thresholds: thresholds, jobLoader: jobLoader}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status/all", s.handleStatusAll)
	mux.HandleFunc("/api/v1/alerts", s.handleAlerts)
	mux.HandleFunc("/api/v1/models", s.handleModels)
	mux.HandleFunc("/api/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/api/v1/dataset/upload", s.handleDatasetUpload)
	mux.HandleFunc("/api/v1/dataset/status/", s.handleDatasetStatus)
	return mux
}

func (s *Server) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.reg.Snapshot())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := alerts.Evaluate(s.reg.Snapshot(), s.thresholds)
	if out == nil {
		out = []alerts.Alert{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	set := make(map[string]bool)
	for _, v := range s.reg.Snapshot() {
		if !v.Online || v.Metrics == nil {
			continue
		}
		for _, m := range v.Metrics.Models {
			set[m] = true
		}
	}
	names := make([]string, 0, len(set))
	for m := range set {
		names = append(names, m)
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, names)
}

// chatRequestMeta extracts just enough of the request to route it; the
// full body is forwarded to the upstream node verbatim (spec §6.2: "the
// gateway is transparent to the payload beyond" model/stream).
type chatRequestMeta struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, errs.New(errs.KindBadRequest, "failed to read request body"))
		return
	}

	var meta chatRequestMeta
	if err := json.Unmarshal(body, &meta); err != nil {
		writeError(w, errs.New(errs.KindBadRequest, "request body must be valid JSON"))
		return
	}

	in := dispatcher.Input{Model: meta.Model, Stream: meta.Stream, Body: body}

	if meta.Stream {
		s.streamChat(w, r.Context(), in)
		return
	}
	s.bufferedChat(w, r.Context(), in)
}

// sseWriter adapts an http.ResponseWriter into a dispatcher.StreamWriter.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (sw *sseWriter) Write(p []byte) (int, error) { return sw.w.Write(p) }
func (sw *sseWriter) Flush()                      { sw.f.Flush() }

func (s *Server) streamChat(w http.ResponseWriter, ctx context.Context, in dispatcher.Input) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errs.New(errs.KindInternal, "streaming unsupported by response writer"))
		return
	}

	// Headers are committed only once the dispatcher has actually
	// secured a node and is about to emit node_assigned; a pre-stream
	// failure (no node available, all candidates failed) is still a
	// plain HTTP error response at this point (spec §6.3).
	probe := &sseWriter{w: w, f: flusher}
	firstWrite := &firstWriteGate{inner: probe, onFirst: func() {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}}

	if err := s.dispatch.Stream(ctx, in, firstWrite); err != nil {
		writeError(w, err)
	}
}

// firstWriteGate defers committing response headers until the first
// byte is actually about to be written, so a pre-stream dispatch
// failure can still produce a normal JSON error response instead of a
// half-written SSE stream.
type firstWriteGate struct {
	inner   dispatcher.StreamWriter
	onFirst func()
	started bool
}

func (g *firstWriteGate) Write(p []byte) (int, error) {
	if !g.started {
		g.started = true
		g.onFirst()
	}
	return g.inner.Write(p)
}

func (g *firstWriteGate) Flush() {
	if g.started {
		g.inner.Flush()
	}
}

func (s *Server) bufferedChat(w http.ResponseWriter, ctx context.Context, in dispatcher.Input) {
	node, body, err := s.dispatch.Buffered(ctx, in)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("X-Assigned-Node", strconv.Itoa(node.ID)+" ("+node.Name+")")
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *Server) handleDatasetUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, errs.New(errs.KindBadRequest, "expected multipart/form-data"))
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, errs.New(errs.KindBadRequest, "missing file field"))
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		writeError(w, errs.New(errs.KindBadRequest, "failed to read uploaded file"))
		return
	}

	var dataCount *int
	if v := r.FormValue("data_count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, errs.New(errs.KindBadDataset, "data_count must be an integer"))
			return
		}
		dataCount = &n
	}

	jobID, err := s.batch.Submit(r.Context(), raw, dataCount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

func (s *Server) handleDatasetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/api/v1/dataset/status/")
	if jobID == "" {
		writeError(w, errs.New(errs.KindBadRequest, "missing job_id"))
		return
	}

	job, ok := s.batch.Get(jobID)
	if !ok {
		job, ok = s.loadFromFallback(r.Context(), jobID)
	}
	if !ok {
		writeError(w, errs.JobNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// loadFromFallback consults the optional cross-replica job store for a
// job_id this process never scheduled itself. Any store error is
// treated as a miss — a fallback unavailability shouldn't turn into a
// 500 when the honest answer is "not found here".
func (s *Server) loadFromFallback(ctx context.Context, jobID string) (batch.Job, bool) {
	if s.jobLoader == nil {
		return batch.Job{}, false
	}
	job, ok, err := s.jobLoader.LoadJob(ctx, jobID)
	if err != nil || !ok {
		return batch.Job{}, false
	}
	return job, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps an errs.Error to its HTTP status and a `{"detail":...}`
// body (spec §6.3/§7). Never leaks the underlying cause.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errs.StatusCode(err), map[string]string{"detail": errs.Detail(err)})
}
