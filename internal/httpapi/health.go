package httpapi

import (
	"context"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/nodeflow-dev/nodeflow-server/internal/dbx"
)

const healthCheckTimeout = 2 * time.Second

// healthHandler answers GET /healthz with a 200 if the database is
// reachable, 503 otherwise.
type healthHandler struct {
	db *gorm.DB
}

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := dbx.Ping(ctx, h.db); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, envelope{"status": "unavailable", "error": err.Error()})
		return
	}
	ok(w, envelope{"status": "ok"})
}
