package scaler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/scenergy/autoscaler/pkg/budget"
	"github.com/scenergy/autoscaler/pkg/history"
	"github.com/scenergy/autoscaler/pkg/logging"
	"github.com/scenergy/autoscaler/pkg/queue"
	"github.com/scenergy/autoscaler/pkg/utils"
)

// App observes the job queue backlog and reconciles the worker fleet against
// it every Cron tick: scale the platform, then republish the per-worker RPM
// share so the fleet's combined call rate stays under the global ceiling.
type App struct {
	// Store is the shared rate budget, read concurrently by every worker.
	Store budget.Store

	// Inspector reduces the job table to a backlog count.
	Inspector queue.Inspector

	// Provider (fake or k8s)
	Provider Provider

	// Recorder keeps the scaling decision trail.
	Recorder history.Recorder

	// Budget carries the deploy-time defaults; the live values sit in Store.
	Budget budget.Config
	Limits Limits

	// Cron is the scheduler that triggers reconciliation, according to CronSpec.
	Cron     *cron.Cron
	CronSpec string

	// Logger is used to log messages, errors, and events during the application's lifecycle and operations.
	Logger *zap.Logger

	// Server is the HTTP server that serves the status API.
	Server *http.Server
}

// Initialize wires the App from the environment. The store and history
// backends are selected via BUDGET_BACKEND (redis|memory) and HISTORY_BACKEND
// (memory|clickhouse); the job database is always required.
func Initialize(ctx context.Context, provider Provider) (*App, error) {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	cfg := budget.ConfigFromEnv()

	var store budget.Store
	switch utils.Env("BUDGET_BACKEND", "redis") {
	case "memory":
		store = budget.NewMemoryStore(cfg.Window)
	default:
		store, err = budget.NewRedisStore(ctx, logger, cfg.Window)
		if err != nil {
			logger.Fatal("Unable to connect to the rate budget store", zap.Error(err))
		}
	}
	if err := store.InitDefaults(ctx, cfg); err != nil {
		logger.Fatal("Unable to seed rate budget defaults", zap.Error(err))
	}

	inspector, err := queue.NewPostgresInspector(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to connect to the job database", zap.Error(err))
	}

	var recorder history.Recorder
	switch utils.Env("HISTORY_BACKEND", "memory") {
	case "clickhouse":
		recorder, err = history.NewClickHouseRecorder(ctx, logger)
		if err != nil {
			logger.Fatal("Unable to connect to the decision history store", zap.Error(err))
		}
	default:
		recorder = history.NewMemoryRecorder(utils.EnvInt("DECISION_HISTORY", 100))
	}

	app := &App{
		Store:     store,
		Inspector: inspector,
		Provider:  provider,
		Recorder:  recorder,
		Budget:    cfg,
		Limits:    Limits{Min: cfg.MinWorkers, Max: cfg.MaxWorkers},
		Cron:      nil,
		CronSpec:  utils.Env("CRON_SPEC", "*/15 * * * * *"),
		Logger:    logger,
	}

	scheduleErr := app.SetupScheduler(ctx, cron.DefaultLogger, app.CronSpec)
	if scheduleErr != nil {
		return nil, scheduleErr
	}

	return app, nil
}

// SetupScheduler sets up the cron scheduler. SkipIfStillRunning guarantees
// ticks never overlap; an overrunning tick causes the next one to be dropped.
func (a *App) SetupScheduler(ctx context.Context, logger cron.Logger, cronSpec string) error {
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(
		cron.SkipIfStillRunning(logger),
		cron.Recover(logger),
	))

	_, err := a.Cron.AddFunc(cronSpec, func() {
		// keep each run bounded
		rctx, cancel := context.WithTimeout(ctx, 25*time.Second)
		defer cancel()
		if err := a.Reconcile(rctx); err != nil {
			logger.Info("[scaler] reconcile error", "error", err)
		}
	})
	if err != nil {
		return err
	}

	return nil
}

// Reconcile runs one control tick: backlog → policy → platform → budget.
// Any failure aborts the tick without partial state; the next tick retries
// from scratch.
func (a *App) Reconcile(ctx context.Context) error {
	depth, err := a.Inspector.QueueDepth(ctx)
	if err != nil {
		return fmt.Errorf("inspect queue: %w", err)
	}
	queueDepth := depth.Total()
	desired := DesiredWorkers(queueDepth, a.Limits)

	st, err := a.Store.State(ctx)
	if err != nil {
		return fmt.Errorf("read budget state: %w", err)
	}
	current := st.WorkerCount

	if desired == current {
		a.record(ctx, history.Decision{
			Time:           time.Now(),
			QueueDepth:     queueDepth,
			CurrentWorkers: current,
			DesiredWorkers: desired,
			PerWorkerRPM:   st.PerWorkerRPM,
			Reason:         history.ReasonNoChange,
		})
		return nil
	}

	reason := history.ReasonScaleUp
	if desired < current {
		reason = history.ReasonScaleDown
	}

	// The budget store is only updated once the platform accepts the command,
	// so a rejected scale never mis-calibrates the per-worker share. The next
	// tick retries because desired still differs from the stored count.
	if err := a.Provider.Scale(ctx, desired); err != nil {
		a.record(ctx, history.Decision{
			Time:           time.Now(),
			QueueDepth:     queueDepth,
			CurrentWorkers: current,
			DesiredWorkers: desired,
			PerWorkerRPM:   st.PerWorkerRPM,
			Reason:         history.ReasonScaleFailed,
			Error:          err.Error(),
		})
		return fmt.Errorf("scale to %d workers: %w", desired, err)
	}

	perWorker := budget.PerWorkerRPM(st.Limit, desired)
	if err := a.Store.PublishAllotment(ctx, desired, perWorker); err != nil {
		return fmt.Errorf("publish allotment: %w", err)
	}

	a.record(ctx, history.Decision{
		Time:           time.Now(),
		QueueDepth:     queueDepth,
		CurrentWorkers: current,
		DesiredWorkers: desired,
		PerWorkerRPM:   perWorker,
		Reason:         reason,
	})
	return nil
}

// record logs the decision and hands it to the recorder.
func (a *App) record(ctx context.Context, d history.Decision) {
	a.Recorder.Record(ctx, d)
	a.Logger.Info("scaling decision",
		zap.Int("queue_depth", d.QueueDepth),
		zap.Int("current_workers", d.CurrentWorkers),
		zap.Int("desired_workers", d.DesiredWorkers),
		zap.Int("per_worker_rpm", d.PerWorkerRPM),
		zap.String("reason", d.Reason),
		zap.String("error", d.Error),
	)
}

// ReconcileOnce runs a single tick outside the cron schedule, logging any
// failure instead of returning it.
func (a *App) ReconcileOnce(ctx context.Context) {
	if err := a.Reconcile(ctx); err != nil {
		a.Logger.Warn("[scaler] reconcile error", zap.Error(err))
	}
}

// SetupServer sets up the HTTP server.
func (a *App) SetupServer() {
	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := utils.Env("ADDR", ":3002")

	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) })).Methods("GET")
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if a.Ready(req.Context()) {
			w.WriteHeader(200)
		} else {
			w.WriteHeader(503)
		}
	})).Methods("GET")
	r.Handle("/ratelimit", http.HandlerFunc(a.handleRateLimit)).Methods("GET")
	r.Handle("/decisions", http.HandlerFunc(a.handleDecisions)).Methods("GET")

	a.Server = &http.Server{Addr: addr, Handler: r}
}

func (a *App) handleRateLimit(w http.ResponseWriter, req *http.Request) {
	st, err := a.Store.State(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

func (a *App) handleDecisions(w http.ResponseWriter, req *http.Request) {
	limit := 20
	if v := req.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a.Recorder.Recent(limit))
}

// Ready reports whether the rate budget store answers; without it no tick can
// decide safely.
func (a *App) Ready(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return a.Store.Ping(pingCtx) == nil
}

// StartCron starts the cron scheduler.
func (a *App) StartCron() {
	a.Cron.Start()
	a.Logger.Info("[scaler] Cron started", zap.String("cronSpec", a.CronSpec))
}

// StopCron stops the cron scheduler, letting an in-flight tick finish.
func (a *App) StopCron() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
	_ = a.Provider.Close()
}

// Start starts the application.
func (a *App) Start(ctx context.Context) {
	go func() { _ = a.Server.ListenAndServe() }()
	<-ctx.Done()
	_ = a.Server.Close()
	a.Logger.Info("[scaler] shutting down…")
	a.StopCron()
	if closer, ok := a.Inspector.(interface{ Close() }); ok {
		closer.Close()
	}
	_ = a.Store.Close()
}
