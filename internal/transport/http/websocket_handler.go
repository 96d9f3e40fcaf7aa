package http

import (
	"log/slog"
	"net/http"

	gws "github.com/gorilla/websocket"

	"wslicense/internal/config"
	apierrors "wslicense/internal/errors"
	"wslicense/internal/middleware"
	"wslicense/internal/websocket"
)

// WebSocketHandler upgrades status-stream connections and hands them to
// the hub.
type WebSocketHandler struct {
	hub      *websocket.Hub
	upgrader gws.Upgrader
	cfg      config.WebSocketConfig
	errs     *apierrors.ErrorHandler
	logger   *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(hub *websocket.Hub, cfg config.WebSocketConfig, errs *apierrors.ErrorHandler, logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: gws.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
		cfg:    cfg,
		errs:   errs,
		logger: logger.With(slog.String("handler", "websocket")),
	}
}

// ServeWorkshop streams status changes of the workshop named in the
// license claims. It must run behind LicenseValidator.
func (h *WebSocketHandler) ServeWorkshop(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		h.errs.HandleError(w, r, apierrors.ErrUnauthorized)
		return
	}
	h.serve(w, r, claims.WorkshopCode)
}

// ServeAll streams every workshop's status changes to an operator.
func (h *WebSocketHandler) ServeAll(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "")
}

func (h *WebSocketHandler) serve(w http.ResponseWriter, r *http.Request, workshop string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.logger.WarnContext(r.Context(), "websocket upgrade failed",
			slog.String("error", err.Error()),
			slog.String("remote_addr", r.RemoteAddr))
		return
	}

	client := websocket.NewClient(h.hub, conn, h.logger, websocket.ClientOptions{
		WorkshopCode: workshop,
		TraceID:      middleware.GetRequestID(r.Context()),
		PingPeriod:   h.cfg.PingPeriod,
		PongWait:     h.cfg.PongWait,
	})
	if err := client.Serve(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "websocket client rejected",
			slog.String("client_id", client.ID()),
			slog.String("error", err.Error()))
	}
}
