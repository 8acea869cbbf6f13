// Package batch implements the dataset batch job engine (spec §4.5): a
// bounded worker pool that fans items out through the Dispatcher in
// non-streaming mode and accumulates an append-only results sequence.
// Grounded on the teacher's control_plane/jobs.go (Dispatcher.DispatchJob
// call shape) and reconciler.go's waitForJob/executeJob worker-pool idea,
// generalized from "one job per node" to "many items per job, many
// workers per job".
package batch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/inferops/gateway/internal/dispatcher"
	"github.com/inferops/gateway/internal/errs"
	"github.com/inferops/gateway/internal/observability"
	"github.com/inferops/gateway/internal/registry"
)

// Status values for a Job (spec §3).
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Result is one processed dataset item (spec §3).
type Result struct {
	Original json.RawMessage `json:"original"`
	Output   json.RawMessage `json:"output"`
}

// Job is a single batch submission's full state.
type Job struct {
	mu sync.Mutex

	ID             string    `json:"job_id"`
	Status         string    `json:"status"`
	TotalItems     int       `json:"total_items"`
	ProcessedItems int       `json:"processed_items"`
	Results        []Result  `json:"results"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Snapshot returns a copy of the job safe to hand to an HTTP handler
// without racing the workers still appending to Results (spec §5: "reads
// may return an in-progress snapshot, field-wise consistent, append-only
// results tail").
func (j *Job) Snapshot() Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *j
	cp.Results = append([]Result(nil), j.Results...)
	return cp
}

func (j *Job) appendResult(r Result) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Results = append(j.Results, r)
	j.ProcessedItems++
	j.UpdatedAt = time.Now()
}

func (j *Job) finish() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ProcessedItems >= j.TotalItems {
		j.Status = StatusCompleted
	}
	j.UpdatedAt = time.Now()
}

func (j *Job) fail() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = StatusFailed
	j.UpdatedAt = time.Now()
}

// Config holds the engine's tunables (spec §4.5/§5 defaults).
type Config struct {
	MaxWorkers      int
	ItemDeadline    time.Duration
	MaxJobsRetained int
}

// DefaultConfig returns the spec-mandated defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:      8,
		ItemDeadline:    5 * time.Minute,
		MaxJobsRetained: 32,
	}
}

// Store is the optional mirroring hook for job state; the in-process
// Engine always keeps the authoritative copy in memory and only ever
// writes to Store, never reads back from it. The mirrored copy is read
// by the HTTP facade's status fallback (api.JobLoader).
type Store interface {
	SaveJob(ctx context.Context, job Job) error
}

// Engine runs batch jobs against the node pool via a Dispatcher.
type Engine struct {
	dispatch *dispatcher.Dispatcher
	reg      *registry.Registry
	cfg      Config
	store    Store

	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string // insertion order, oldest first, for the retention cap
}

// New builds an Engine. store may be nil (no external mirroring).
func New(reg *registry.Registry, dispatch *dispatcher.Dispatcher, cfg Config, store Store) *Engine {
	return &Engine{
		dispatch: dispatch,
		reg:      reg,
		cfg:      cfg,
		store:    store,
		jobs:     make(map[string]*Job),
	}
}

// Submit validates and schedules a new dataset (spec §4.5 job creation).
// rawDataset must be a JSON array. dataCount is the optional
// `data_count` prefix cap: nil means "no cap, use every item"; a
// present value of 0 is itself rejected as BadDataset (spec §8 boundary
// behavior: "data_count = 0 rejected as BadDataset"), and a present
// positive value caps the item count to that many, from the front.
func (e *Engine) Submit(ctx context.Context, rawDataset []byte, dataCount *int) (string, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(rawDataset, &items); err != nil {
		return "", errs.New(errs.KindBadDataset, "dataset must be a JSON array")
	}

	if dataCount != nil {
		switch {
		case *dataCount < 0:
			return "", errs.New(errs.KindBadDataset, "data_count must not be negative")
		case *dataCount == 0:
			return "", errs.New(errs.KindBadDataset, "data_count must not be zero")
		case *dataCount < len(items):
			items = items[:*dataCount]
		}
	}
	if len(items) == 0 {
		return "", errs.New(errs.KindBadDataset, "dataset has no items to process")
	}

	id, err := newJobID()
	if err != nil {
		return "", errs.Wrap(errs.KindInternal, "failed to allocate job id", err)
	}

	job := &Job{
		ID:         id,
		Status:     StatusRunning,
		TotalItems: len(items),
		Results:    make([]Result, 0, len(items)),
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	e.register(job)
	observability.BatchJobsActive.Inc()

	go e.run(context.Background(), job, items)

	return id, nil
}

// Get returns a snapshot of a job's current state.
func (e *Engine) Get(id string) (Job, bool) {
	e.mu.RLock()
	job, ok := e.jobs[id]
	e.mu.RUnlock()
	if !ok {
		return Job{}, false
	}
	return job.Snapshot(), true
}

// register inserts the job and, beyond MaxJobsRetained, evicts jobs in
// creation order, oldest first. Reads do not refresh a job's place, and
// a job still running is evicted like any other.
func (e *Engine) register(job *Job) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.jobs[job.ID] = job
	e.order = append(e.order, job.ID)

	cap := e.cfg.MaxJobsRetained
	if cap <= 0 {
		cap = DefaultConfig().MaxJobsRetained
	}
	for len(e.order) > cap {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.jobs, oldest)
	}
}

// run drives the bounded worker pool for one job (spec §4.5 execution
// model). It never returns an error to the caller — Submit has already
// returned the job_id, so failures surface through the job's own status.
func (e *Engine) run(ctx context.Context, job *Job, items []json.RawMessage) {
	defer observability.BatchJobsActive.Dec()

	workers := e.workerCount(len(items))
	if workers == 0 {
		job.fail()
		e.mirror(ctx, job)
		return
	}

	type work struct {
		item json.RawMessage
	}
	queue := make(chan work, len(items))
	for _, it := range items {
		queue <- work{item: it}
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range queue {
				e.processItem(ctx, job, w.item)
			}
		}()
	}
	wg.Wait()

	job.finish()
	e.mirror(ctx, job)
}

// workerCount is min(online_nodes, total_items, max_workers) (spec §4.5).
func (e *Engine) workerCount(totalItems int) int {
	online := 0
	for _, v := range e.reg.Snapshot() {
		if v.Online {
			online++
		}
	}
	maxWorkers := e.cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = DefaultConfig().MaxWorkers
	}
	n := online
	if totalItems < n {
		n = totalItems
	}
	if maxWorkers < n {
		n = maxWorkers
	}
	return n
}

// chatTemplate is the fixed request shape batch items are wrapped in
// (spec §4.5 step 1: "item value becomes the user message content,
// serialized as JSON").
type chatTemplate struct {
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (e *Engine) processItem(ctx context.Context, job *Job, item json.RawMessage) {
	itemCtx, cancel := context.WithTimeout(ctx, e.itemDeadline())
	defer cancel()

	body, err := json.Marshal(chatTemplate{
		Messages: []chatMessage{{Role: "user", Content: string(item)}},
		Stream:   false,
	})
	if err != nil {
		e.appendFailure(job, item, err)
		return
	}

	_, respBody, err := e.dispatch.Buffered(itemCtx, dispatcher.Input{Stream: false, Body: body})
	if err != nil {
		e.appendFailure(job, item, err)
		observability.BatchItemsProcessed.WithLabelValues("failed").Inc()
		return
	}

	job.appendResult(Result{Original: item, Output: json.RawMessage(respBody)})
	observability.BatchItemsProcessed.WithLabelValues("success").Inc()
	e.mirror(ctx, job)
}

func (e *Engine) appendFailure(job *Job, item json.RawMessage, cause error) {
	errOut, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: errs.Detail(cause)})
	job.appendResult(Result{Original: item, Output: errOut})
}

func (e *Engine) itemDeadline() time.Duration {
	if e.cfg.ItemDeadline <= 0 {
		return DefaultConfig().ItemDeadline
	}
	return e.cfg.ItemDeadline
}

func (e *Engine) mirror(ctx context.Context, job *Job) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveJob(ctx, job.Snapshot()); err != nil {
		log.Printf("batch: failed to mirror job %s to store: %v", job.ID, err)
	}
}

func newJobID() (string, error) {
	b := make([]byte, 16) // 128 bits (spec §4.5)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random job id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
