package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"wslicense/internal/infrastructure"
	"wslicense/internal/license"
)

// HealthSource reports the state the health endpoints summarise.
type HealthSource interface {
	PublicKeys() []license.JWK
	Statuses() []license.Status
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
	Uptime    string         `json:"uptime"`
	Workshops map[string]int `json:"workshops"`
	Clients   int            `json:"websocket_clients"`
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	source  HealthSource
	clients func() int
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler. clients may be nil.
func NewHealthHandler(source HealthSource, clients func() int, logger *slog.Logger) *HealthHandler {
	if clients == nil {
		clients = func() int { return 0 }
	}
	return &HealthHandler{
		source:  source,
		clients: clients,
		started: time.Now(),
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// HealthCheck handles GET /api/health. Remote reachability checks only look at the
// status code, so this stays cheap and always answers 200 when serving.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	counts := map[string]int{
		string(license.StateOnline):     0,
		string(license.StateGrace):      0,
		string(license.StateRestricted): 0,
	}
	for _, s := range h.source.Statuses() {
		counts[string(s.State)]++
	}

	render.JSON(w, r, HealthResponse{
		Status:    "ok",
		Version:   infrastructure.ServiceVersion,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Workshops: counts,
		Clients:   h.clients(),
	})
}

// ReadinessCheck handles GET /api/health/ready. The service is ready once
// it can publish a verification key.
func (h *HealthHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if len(h.source.PublicKeys()) == 0 {
		h.logger.WarnContext(r.Context(), "readiness check failed: no signing keys")
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]string{"status": "not_ready", "reason": "no signing keys"})
		return
	}
	render.JSON(w, r, map[string]string{"status": "ready"})
}

// LivenessCheck handles GET /api/health/live
func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "alive"})
}
