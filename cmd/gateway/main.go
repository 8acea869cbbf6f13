package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inferops/gateway/internal/alerts"
	"github.com/inferops/gateway/internal/api"
	"github.com/inferops/gateway/internal/batch"
	"github.com/inferops/gateway/internal/config"
	"github.com/inferops/gateway/internal/dashboard"
	"github.com/inferops/gateway/internal/dispatcher"
	"github.com/inferops/gateway/internal/history"
	"github.com/inferops/gateway/internal/middleware"
	"github.com/inferops/gateway/internal/registry"
	"github.com/inferops/gateway/internal/scheduler"
	"github.com/inferops/gateway/internal/telemetry"
)

func main() {
	nodesPath := os.Getenv("NODES_FILE")
	if nodesPath == "" {
		nodesPath = "nodes.yaml"
	}

	cfg, err := config.Load(nodesPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if len(cfg.Nodes) == 0 {
		log.Fatalf("no nodes configured; set NODES_FILE to a node inventory YAML")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.New(cfg.Nodes)
	reg.SetLivenessThresholds(cfg.FailureThreshold, cfg.StaleAfter)

	poller := telemetry.New(reg, cfg.PollInterval, cfg.TelemetryTimeout)
	poller.Start(ctx)

	sched := scheduler.New(cfg.SchedulerWeights, cfg.PollInterval)

	dispatchCfg := dispatcher.Config{
		ConnectTimeout: cfg.DispatchConnectTimeout,
		IdleTimeout:    cfg.DispatchIdleTimeout,
		RetryBackoff:   cfg.DispatchRetryBackoff,
	}
	dispatch := dispatcher.New(reg, sched, dispatchCfg)

	var jobStore batch.Store
	var jobLoader api.JobLoader
	if cfg.RedisAddr != "" {
		redisStore, err := batch.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			log.Fatalf("connecting to Redis for job mirroring: %v", err)
		}
		jobStore = redisStore
		jobLoader = redisStore
		log.Printf("mirroring batch jobs to Redis at %s", cfg.RedisAddr)
	} else {
		log.Println("no REDIS_ADDR set; batch jobs are in-memory only")
	}

	batchCfg := batch.Config{
		MaxWorkers:      cfg.MaxBatchWorkers,
		ItemDeadline:    cfg.BatchItemDeadline,
		MaxJobsRetained: cfg.MaxJobsRetained,
	}
	batchEngine := batch.New(reg, dispatch, batchCfg, jobStore)

	thresholds := alerts.DefaultThresholds()
	thresholds.OfflineAlertDelay = cfg.OfflineAlertDelay

	if cfg.PostgresDSN != "" {
		sink, err := history.NewSink(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connecting to Postgres for history sink: %v", err)
		}
		defer sink.Close()
		go runHistoryCollector(ctx, reg, thresholds, sink, cfg.PollInterval)
		log.Println("recording telemetry/alert history to Postgres")
	} else {
		log.Println("no POSTGRES_DSN set; history sink disabled")
	}

	hub := dashboard.NewHub(reg, thresholds, time.Second)
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/", api.New(reg, dispatch, batchEngine, thresholds, jobLoader))
	mux.HandleFunc("/api/v1/stream", hub.Handler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	handler := middleware.CORS(middleware.Logging(mux))

	fmt.Println("==================================================")
	fmt.Println("InferOps Gateway")
	fmt.Println("==================================================")
	fmt.Printf("Nodes:            %d\n", len(cfg.Nodes))
	fmt.Printf("Poll interval:    %s\n", cfg.PollInterval)
	fmt.Printf("Max batch workers: %d\n", cfg.MaxBatchWorkers)
	fmt.Printf("Listen addr:      %s\n", cfg.ListenAddr)
	fmt.Println("==================================================")

	server := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("InferOps Gateway listening on %s", cfg.ListenAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("gateway server exited: %v", err)
	}
}

// runHistoryCollector periodically appends the current telemetry/alert
// snapshot to Postgres, independent of the dashboard hub's faster
// broadcast tick.
func runHistoryCollector(ctx context.Context, reg *registry.Registry, thresholds alerts.Thresholds, sink *history.Sink, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := reg.Snapshot()
			if err := sink.RecordMetrics(ctx, snapshot); err != nil {
				log.Printf("history: failed to record metrics: %v", err)
			}
			raised := alerts.Evaluate(snapshot, thresholds)
			if len(raised) > 0 {
				if err := sink.RecordAlerts(ctx, raised); err != nil {
					log.Printf("history: failed to record alerts: %v", err)
				}
			}
		}
	}
}
