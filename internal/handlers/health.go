package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/proxyedge/edge-proxy/internal/kv"
)

// version is stamped at build time via -ldflags "-X .../handlers.version=...";
// left as "dev" for unstamped local builds.
var version = "dev"

const healthCheckTimeout = 2 * time.Second

// Health serves GET /health: a KV ping with a short deadline, plus process
// uptime and version. Returns 503 if the KV store doesn't answer in time.
type Health struct {
	Store     kv.Store
	StartedAt time.Time
}

// NewHealth constructs a Health handler, recording the current time as the
// process start time.
func NewHealth(store kv.Store) *Health {
	return &Health{Store: store, StartedAt: time.Now()}
}

type healthBody struct {
	Status  string  `json:"status"`
	UptimeS float64 `json:"uptime_seconds"`
	Version string  `json:"version"`
}

func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	if err := h.Store.Ping(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(healthBody{
		Status:  status,
		UptimeS: time.Since(h.StartedAt).Seconds(),
		Version: version,
	})
}
