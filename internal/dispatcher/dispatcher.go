// Package dispatcher proxies chat completion requests to a scheduled
// node under per-node exclusivity (spec §4.4), grounded on the
// teacher's jobs.go::DispatchJob (HTTP client call to a node,
// status-driven success/failure) and reconciler.go's
// acquire-lock/deferred-release shape, extended into a streaming byte
// pump the way control_plane/api_stream.go pumps a websocket read loop.
package dispatcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/inferops/gateway/internal/errs"
	"github.com/inferops/gateway/internal/observability"
	"github.com/inferops/gateway/internal/registry"
	"github.com/inferops/gateway/internal/scheduler"
)

// StreamWriter is the minimal surface the dispatcher needs to push SSE
// frames downstream; satisfied by http.ResponseWriter (which also
// implements http.Flusher in every stdlib-backed server).
type StreamWriter interface {
	io.Writer
	Flush()
}

// Input is the chat completion request as received at the boundary.
// Body is forwarded to the upstream node verbatim — the gateway is
// transparent to the payload beyond Model/Stream (spec §6.2).
type Input struct {
	Model  string
	Stream bool
	Body   []byte
}

// Config holds the dispatcher's tunables (spec §5 cancellation/timeouts).
type Config struct {
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	RetryBackoff   time.Duration
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		IdleTimeout:    60 * time.Second,
		RetryBackoff:   50 * time.Millisecond,
	}
}

// Dispatcher serves chat completions against the node pool.
type Dispatcher struct {
	reg          *registry.Registry
	sched        *scheduler.Scheduler
	client       *http.Client
	cfg          Config
	retryLimiter *rate.Limiter
}

// New builds a Dispatcher. The connect timeout bounds dialing and
// waiting for response headers only; in Stream, body reads are bounded
// separately by an idle-read timer so a long-lived stream is never cut
// short (spec §5: "connect timeout 5s, no overall read timeout").
// Buffered reads the body with no idle timer; only the caller's context
// bounds it. Lock-race retry pacing runs through a shared token-bucket
// limiter instead of a bare sleep, grounded on the teacher's
// scheduler/limiter.go::TokenBucketLimiter, so a burst of concurrent
// dispatch calls losing lock races can't turn into a retry storm. The
// pre-stream failover loop moves on to the next candidate without
// waiting on this limiter.
func New(reg *registry.Registry, sched *scheduler.Scheduler, cfg Config) *Dispatcher {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		ResponseHeaderTimeout: cfg.ConnectTimeout,
	}
	return &Dispatcher{
		reg:          reg,
		sched:        sched,
		client:       &http.Client{Transport: transport},
		cfg:          cfg,
		retryLimiter: rate.NewLimiter(rate.Every(cfg.RetryBackoff), 4),
	}
}

// nodeAssignedFrame is the payload of the mandatory first SSE event.
type nodeAssignedFrame struct {
	NodeID   int    `json:"node_id"`
	NodeName string `json:"node_name"`
}

// Stream serves a streaming chat completion, writing SSE frames to w.
// The caller is responsible for setting "Content-Type: text/event-stream"
// before the first write.
func (d *Dispatcher) Stream(ctx context.Context, in Input, w StreamWriter) error {
	observability.DispatchActiveStreams.Inc()
	defer observability.DispatchActiveStreams.Dec()

	node, resp, cancel, err := d.acquireAndOpen(ctx, in)
	if err != nil {
		observability.DispatchRequests.WithLabelValues(preStreamOutcome(err)).Inc()
		return err
	}
	defer cancel()
	defer d.reg.Release(node.ID)
	defer resp.Body.Close()

	if err := writeNodeAssigned(w, node); err != nil {
		return err
	}

	if err := d.pumpSSE(cancel, resp.Body, w); err != nil {
		observability.DispatchRequests.WithLabelValues("upstream_truncated").Inc()
		return nil // error frame already emitted in-band; spec §4.4 step 7: no failover
	}
	observability.DispatchRequests.WithLabelValues("success").Inc()
	return nil
}

// Buffered serves a non-streaming chat completion, returning the
// upstream's full JSON body. The caller sets the X-Assigned-Node header
// from the returned node info (spec §4.4 non-streaming mode).
func (d *Dispatcher) Buffered(ctx context.Context, in Input) (registry.Node, []byte, error) {
	node, resp, cancel, err := d.acquireAndOpen(ctx, in)
	if err != nil {
		observability.DispatchRequests.WithLabelValues(preStreamOutcome(err)).Inc()
		return registry.Node{}, nil, err
	}
	defer cancel()
	defer d.reg.Release(node.ID)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.DispatchRequests.WithLabelValues("upstream_truncated").Inc()
		return registry.Node{}, nil, errs.Wrap(errs.KindUpstreamTruncated, "upstream response truncated", err)
	}
	observability.DispatchRequests.WithLabelValues("success").Inc()
	return node, body, nil
}

// acquireAndOpen runs the full pre-stream protocol (spec §4.4 steps
// 1-3 plus the pre-stream failover loop): pick a node, acquire its
// lock (retrying the scheduler up to 3 times on a lock race), open the
// upstream POST, and retry the whole thing from step 1 on a pre-stream
// failure, up to min(3, online_node_count) attempts.
func (d *Dispatcher) acquireAndOpen(ctx context.Context, in Input) (registry.Node, *http.Response, context.CancelFunc, error) {
	maxAttempts := d.maxPreStreamAttempts()
	if maxAttempts == 0 {
		return registry.Node{}, nil, nil, errs.NoAvailableNode
	}

	excluded := make(map[int]bool)
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		nodeID, err := d.acquireWithLockRaceRetry(ctx, in.Model, excluded)
		if err != nil {
			return registry.Node{}, nil, nil, errs.NoAvailableNode
		}
		excluded[nodeID] = true

		view, ok := d.reg.Get(nodeID)
		if !ok {
			d.reg.Release(nodeID)
			continue
		}

		reqCtx, cancel := context.WithCancel(ctx)
		resp, err := d.openUpstream(reqCtx, view.Node, in.Body)
		if err != nil || resp.StatusCode >= 500 {
			if resp != nil {
				resp.Body.Close()
			}
			cancel()
			d.reg.Release(nodeID)
			d.reg.NoteUpstreamFailure(nodeID)
			observability.DispatchRetries.WithLabelValues("pre_stream_failover").Inc()
			lastErr = err
			continue
		}

		return view.Node, resp, cancel, nil
	}

	return registry.Node{}, nil, nil, errs.Wrap(errs.KindUpstreamUnavailable, "all candidate nodes failed before first byte", lastErr)
}

// preStreamOutcome maps an acquireAndOpen error to its DispatchRequests
// label: "upstream_unavailable" when every candidate failed before the
// first byte, "no_node" otherwise.
func preStreamOutcome(err error) string {
	var e *errs.Error
	if errors.As(err, &e) && e.Kind == errs.KindUpstreamUnavailable {
		return "upstream_unavailable"
	}
	return "no_node"
}

// maxPreStreamAttempts is min(3, online_node_count) (spec §4.4).
func (d *Dispatcher) maxPreStreamAttempts() int {
	online := 0
	for _, v := range d.reg.Snapshot() {
		if v.Online {
			online++
		}
	}
	if online < 3 {
		return online
	}
	return 3
}

// acquireWithLockRaceRetry asks the scheduler for a node and tries to
// take its lock, making up to 3 scheduler attempts in all if the acquire
// loses a race (spec §4.4 step 2). After each lost race it waits on the
// shared retry limiter, which refills one token per RetryBackoff
// (default 50ms) with a burst of 4: while tokens remain, a retry goes
// ahead with no delay, and only once the burst is spent are retries
// spaced RetryBackoff apart across all dispatch calls. excluded
// carries node IDs already tried and failed earlier in this dispatch
// call, so a lock race retry can't just hand back the same node it
// already knows is a dead end within the pre-stream failover loop.
func (d *Dispatcher) acquireWithLockRaceRetry(ctx context.Context, model string, excluded map[int]bool) (int, error) {
	for i := 0; i < 3; i++ {
		id, err := d.sched.Pick(d.reg.Snapshot(), scheduler.Requirements{Model: model, Exclude: excluded})
		if err != nil {
			return 0, errs.NoAvailableNode
		}
		if d.reg.TryAcquire(id) {
			return id, nil
		}
		observability.DispatchRetries.WithLabelValues("lock_race").Inc()
		if err := d.retryLimiter.Wait(ctx); err != nil {
			return 0, err
		}
	}
	return 0, errs.NoAvailableNode
}

// openUpstream opens the streaming POST to the node's LLM endpoint.
// ctx governs the whole request, including body reads; the connect
// phase itself is bounded by the client's transport timeouts, not ctx.
// Returning without error means headers were received; the caller must
// still check resp.StatusCode.
func (d *Dispatcher) openUpstream(ctx context.Context, node registry.Node, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node.LLMURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return d.client.Do(req)
}

// writeNodeAssigned emits the mandatory first SSE event (spec §6.3).
func writeNodeAssigned(w StreamWriter, node registry.Node) error {
	payload, err := json.Marshal(nodeAssignedFrame{NodeID: node.ID, NodeName: node.Name})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: node_assigned\ndata: %s\n\n", payload); err != nil {
		return err
	}
	w.Flush()
	return nil
}

// pumpSSE forwards newline-delimited JSON chunks from upstream as
// `data: ...` SSE frames, flushing after each, then a terminating
// `data: [DONE]`. requestCancel is the cancel func for the upstream
// request's context; an idle timer calls it if no line arrives within
// the configured idle window, which unblocks the in-flight Read on
// resp.Body with a context.Canceled error. On a mid-stream read error
// it emits a single error frame and returns a non-nil error so the
// caller knows not to count this as a clean success (spec §4.4 steps
// 5-7: no failover once streaming has begun).
func (d *Dispatcher) pumpSSE(requestCancel context.CancelFunc, upstream io.Reader, w StreamWriter) error {
	idleTimer := time.AfterFunc(d.cfg.IdleTimeout, requestCancel)
	defer idleTimer.Stop()

	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		idleTimer.Reset(d.cfg.IdleTimeout)

		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
			return err
		}
		w.Flush()
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(w, "data: {\"error\":\"upstream truncated\"}\n\n")
		w.Flush()
		return fmt.Errorf("upstream truncated: %w", err)
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	w.Flush()
	return nil
}
