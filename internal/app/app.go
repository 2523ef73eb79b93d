// Package app assembles the pipeline: store, bus, stages and HTTP router.
package app

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/danielhendel/oli-sub005/internal/account"
	"github.com/danielhendel/oli-sub005/internal/apperr"
	"github.com/danielhendel/oli-sub005/internal/auth"
	"github.com/danielhendel/oli-sub005/internal/config"
	"github.com/danielhendel/oli-sub005/internal/httpserver"
	"github.com/danielhendel/oli-sub005/internal/idempotency"
	"github.com/danielhendel/oli-sub005/internal/ingest"
	"github.com/danielhendel/oli-sub005/internal/ledger"
	"github.com/danielhendel/oli-sub005/internal/metrics"
	"github.com/danielhendel/oli-sub005/internal/models"
	"github.com/danielhendel/oli-sub005/internal/normalize"
	"github.com/danielhendel/oli-sub005/internal/payload"
	"github.com/danielhendel/oli-sub005/internal/queue"
	"github.com/danielhendel/oli-sub005/internal/ratelimit"
	"github.com/danielhendel/oli-sub005/internal/store"
)

// Failure codes recorded for messages the bus gives up on.
const (
	CodeRetryExhausted = "retry_exhausted"
	CodeHandlerFailed  = "handler_failed"
)

// Options are the process-level collaborators. Zero values are valid.
type Options struct {
	Now      func() time.Time
	Logger   *slog.Logger
	Registry *prometheus.Registry
}

// App is a wired pipeline.
type App struct {
	Store    store.Store
	Bus      *queue.MemoryBus
	Gateway  *ingest.Gateway
	Pipeline *normalize.Pipeline
	Engine   *ledger.Engine
	Accounts *account.Service
	Guard    *idempotency.Guard
	Limiter  *ratelimit.FixedWindow
	Router   *gin.Engine
	Registry *prometheus.Registry

	// Reprocessor re-runs stored raw events outside the bus.
	Reprocessor *Reprocessor

	cfg     config.Config
	log     *slog.Logger
	now     func() time.Time
	metrics *metrics.Metrics
}

// New wires every stage on top of st. The bus is not started.
func New(cfg config.Config, st store.Store, opts Options) (*App, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
		opts.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	validator, err := payload.NewValidator()
	if err != nil {
		return nil, err
	}

	a := &App{
		Store:    st,
		Registry: opts.Registry,
		cfg:      cfg,
		log:      opts.Logger,
		now:      opts.Now,
		metrics:  metrics.New(opts.Registry),
	}

	q := cfg.Queue
	a.Bus = queue.NewMemoryBus(queue.Options{
		Workers:     q.Workers,
		Capacity:    q.Capacity,
		MaxAttempts: q.MaxAttempts,
		Backoff:     q.Backoff,
		MaxBackoff:  q.MaxBackoff,
		DeadLetter:  a.deadLetter,
		Logger:      opts.Logger,
		Metrics:     a.metrics,
	})

	a.Guard = idempotency.New(st, opts.Now)
	a.Limiter = ratelimit.NewFixedWindow(cfg.RateLimit.Max, cfg.RateLimit.Window, opts.Now)

	a.Gateway = ingest.NewGateway(ingest.Options{
		Store:         st,
		Guard:         a.Guard,
		Limiter:       a.Limiter,
		Validator:     validator,
		Pub:           a.Bus,
		Topic:         q.RawEventsTopic,
		TTL:           cfg.IdempotencyTTL,
		SchemaVersion: cfg.Versions.Schema,
		Now:           opts.Now,
		Logger:        opts.Logger,
		Metrics:       a.metrics,
	})
	a.Pipeline = normalize.NewPipeline(normalize.Options{
		Store:    st,
		Pub:      a.Bus,
		Topic:    q.CanonicalEventsTopic,
		Versions: cfg.Versions,
		Now:      opts.Now,
		Logger:   opts.Logger,
		Metrics:  a.metrics,
	})
	a.Engine = ledger.NewEngine(ledger.Options{
		Store:           st,
		PipelineVersion: cfg.Versions.Pipeline,
		Now:             opts.Now,
		Logger:          opts.Logger,
		Metrics:         a.metrics,
	})
	a.Accounts = account.NewService(st, a.Guard, cfg.IdempotencyTTL, opts.Logger)
	a.Reprocessor = NewReprocessor(st, cfg.Versions, opts)

	a.Bus.Subscribe(q.RawEventsTopic, a.Pipeline.Handle)
	a.Bus.Subscribe(q.CanonicalEventsTopic, a.Engine.Handle)

	a.Router = httpserver.NewRouter(httpserver.Deps{
		Store:    st,
		Verifier: auth.NewVerifier(cfg.Auth, nil),
		Ingester: a.Gateway,
		Ledger:   a.Engine,
		Failures: st,
		Accounts: a.Accounts,
		Gatherer: opts.Registry,
		Logger:   opts.Logger,
	})
	return a, nil
}

// Start launches the bus workers. They stop when ctx is done or on Close.
func (a *App) Start(ctx context.Context) {
	a.Bus.Start(ctx)
}

// Close stops the bus workers. Undelivered messages are dropped; their raw
// events stay in the store for Reprocessor.
func (a *App) Close() {
	a.Bus.Close()
}

// Sweep deletes expired idempotency keys and idle rate limit windows.
func (a *App) Sweep(ctx context.Context) (int64, error) {
	pruned := a.Limiter.Prune()
	n, err := a.Guard.Sweep(ctx)
	if err != nil {
		return 0, err
	}
	a.log.Info("sweep finished", "idempotency_keys", n, "rate_limit_windows", pruned)
	return n, nil
}

// RunSweeper calls Sweep every configured sweep interval until ctx is done.
func (a *App) RunSweeper(ctx context.Context) {
	interval := a.cfg.SweepInterval
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := a.Sweep(ctx); err != nil {
				a.log.Warn("sweep failed", "err", err)
			}
		}
	}
}

// deadLetter records a FailureEntry for a message the bus will not deliver
// again. Reprocessor picks the raw event up from there.
func (a *App) deadLetter(ctx context.Context, msg queue.Message, err error, exhausted bool) {
	code := CodeHandlerFailed
	if exhausted {
		code = CodeRetryExhausted
	}
	var ref struct {
		UserID     string `json:"userId"`
		RawEventID string `json:"rawEventId"`
		Day        string `json:"day"`
	}
	if derr := msg.Decode(&ref); derr != nil || ref.UserID == "" {
		a.log.Error("dead letter without user", "topic", msg.Topic, "message_id", msg.ID, "err", err)
		return
	}
	f := models.FailureEntry{
		ID:         normalize.FailureID(msg.Topic, msg.ID, code),
		UserID:     ref.UserID,
		Day:        ref.Day,
		Code:       code,
		Message:    err.Error(),
		RawEventID: ref.RawEventID,
		Details: map[string]string{
			"topic":    msg.Topic,
			"attempts": strconv.Itoa(msg.Attempt),
			"error":    apperr.Code(err),
		},
		CreatedAt: a.now().UTC(),
	}
	if rerr := a.Store.RecordFailure(ctx, f); rerr != nil {
		a.log.Error("record dead letter", "topic", msg.Topic, "message_id", msg.ID, "err", rerr)
		return
	}
	a.metrics.Failure(code)
}
