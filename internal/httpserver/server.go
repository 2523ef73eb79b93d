package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/danielhendel/oli-sub005/internal/auth"
	"github.com/danielhendel/oli-sub005/internal/handlers"
	"github.com/danielhendel/oli-sub005/internal/metrics"
)

// Pinger reports whether storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the router exposes.
type Deps struct {
	Store    Pinger
	Verifier *auth.Verifier
	Ingester handlers.Ingester
	Ledger   handlers.Ledger
	Failures handlers.FailureLister
	Accounts handlers.AccountDeleter
	Gatherer prometheus.Gatherer // nil disables /metrics
	Logger   *slog.Logger
}

// NewRouter wires public endpoints and authenticated APIs.
// Public: /healthz, /health, /ready, /metrics
// Authenticated: /events/ingest, /users/me/..., /account/delete
func NewRouter(d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	log := d.Logger
	if log == nil {
		log = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	// Liveness: confirms the process is running.
	liveness := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
	r.GET("/healthz", liveness)
	r.GET("/health", liveness)

	// Readiness: confirms the store is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := d.Store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(d.Gatherer)))
	}

	// Auth group resolves the user from the bearer token.
	authGroup := r.Group("/")
	authGroup.Use(auth.BearerMiddleware(d.Verifier))

	handlers.RegisterEventRoutes(authGroup, d.Ingester)
	handlers.RegisterLedgerRoutes(authGroup, d.Ledger, d.Failures)
	handlers.RegisterAccountRoutes(authGroup, d.Accounts)

	return r
}

// requestLogger logs one line per request.
func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"latency", time.Since(start),
		}
		if user := auth.UserID(c); user != "" {
			attrs = append(attrs, "user_id", user)
		}
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("http request", attrs...)
		case status >= http.StatusBadRequest:
			log.Warn("http request", attrs...)
		default:
			log.Debug("http request", attrs...)
		}
	}
}
