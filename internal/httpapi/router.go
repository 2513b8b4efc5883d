// Package httpapi wires the execution control plane's single WebSocket
// endpoint plus operational HTTP routes (/healthz, /metrics) behind a Chi
// router, grounded in the teacher's router/middleware conventions.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nodeflow-dev/nodeflow-server/internal/credentials"
	"github.com/nodeflow-dev/nodeflow-server/internal/graphexec"
	"github.com/nodeflow-dev/nodeflow-server/internal/queue"
	"github.com/nodeflow-dev/nodeflow-server/internal/registry"
	"github.com/nodeflow-dev/nodeflow-server/internal/telemetry"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
type RouterConfig struct {
	Registry       *registry.Registry
	Queue          *queue.Queue
	Gate           *credentials.Gate
	Store          graphexec.CredentialStore
	DB             *gorm.DB
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// NewRouter builds the fully configured Chi router: GET /execute (the
// WebSocket upgrade endpoint), GET /healthz, and GET /metrics.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	exec := &executeHandler{
		registry:       cfg.Registry,
		queue:          cfg.Queue,
		gate:           cfg.Gate,
		store:          cfg.Store,
		connectTimeout: cfg.ConnectTimeout,
		logger:         cfg.Logger.Named("execute"),
	}
	r.Get("/execute", exec.ServeHTTP)

	r.Get("/healthz", (&healthHandler{db: cfg.DB}).ServeHTTP)
	r.Get("/metrics", telemetry.Handler().ServeHTTP)

	return r
}
