package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apierrors "wslicense/internal/errors"
	"wslicense/internal/exporter"
	"wslicense/internal/infrastructure"
	"wslicense/internal/license"
	"wslicense/internal/middleware"
)

// LicenseService is the part of license.Service the HTTP API exposes.
type LicenseService interface {
	Issue(ctx context.Context, req license.IssueRequest) (license.IssuedToken, error)
	Validate(ctx context.Context, token, fingerprint string) license.ValidationResult
	Refresh(ctx context.Context, token, fingerprint string) (license.IssuedToken, error)
	Revoke(ctx context.Context, req license.RevokeRequest) (license.RevokedTokenRecord, error)
	GetStatus(ctx context.Context, workshopCode string) (license.Status, error)
	Statuses() []license.Status
	Check(ctx context.Context, workshopCode string) (license.Status, error)
	ReportSuccess(ctx context.Context, workshopCode string) (license.Status, error)
	ReportFailure(ctx context.Context, workshopCode string, cause error) (license.Status, error)
	Untrack(ctx context.Context, workshopCode string) error
	Bind(ctx context.Context, req license.BindRequest) (license.BusinessBinding, error)
	Unbind(ctx context.Context, business, workshopCode string) error
	GetBinding(ctx context.Context, business string) (license.BusinessBinding, error)
	Bindings(ctx context.Context) ([]license.BusinessBinding, error)
	RotateKeys(ctx context.Context) (*license.KeyPair, error)
	PublicKeys() []license.JWK
	Revocations() []license.RevokedTokenRecord
}

// TokenRequest is the body of validate and refresh calls.
type TokenRequest struct {
	Token               string `json:"token" validate:"required"`
	HardwareFingerprint string `json:"hardware_fingerprint" validate:"required"`
}

// ValidateResponse is returned for a valid token. Invalid tokens get a
// problem document whose "kind" names the failure.
type ValidateResponse struct {
	Valid        bool      `json:"valid"`
	WorkshopCode string    `json:"workshop_code"`
	JTI          string    `json:"jti"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// KeyRotationResponse describes the newly active signing key.
type KeyRotationResponse struct {
	Kid       string    `json:"kid"`
	Algorithm string    `json:"algorithm"`
	KeySize   int       `json:"key_size"`
	CreatedAt time.Time `json:"created_at"`
}

// Report outcomes.
const (
	OutcomeSuccess             = "success"
	OutcomeConnectivityFailure = "connectivity_failure"
)

// ReportRequest records an online validation a workshop ran itself.
type ReportRequest struct {
	Outcome string `json:"outcome" validate:"required,oneof=success connectivity_failure"`
	Reason  string `json:"reason,omitempty" validate:"max=512"`
}

type workshopParam struct {
	WorkshopCode string `json:"workshop_code" validate:"required,workshop"`
}

// LicenseHandler serves /api/license.
type LicenseHandler struct {
	service   LicenseService
	validator *middleware.ValidationMiddleware
	errs      *apierrors.ErrorHandler
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service LicenseService, validator *middleware.ValidationMiddleware, errs *apierrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:   service,
		validator: validator,
		errs:      errs,
		logger:    logger.With(slog.String("handler", "license")),
		tracer:    otel.Tracer("license-handler"),
	}
}

// Routes mounts the public endpoints and, behind adminOnly, the
// operator endpoints.
func (h *LicenseHandler) Routes(adminOnly func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Post("/validate", h.Validate)
	r.Post("/refresh", h.Refresh)
	r.Get("/status/{workshop_code}", h.GetStatus)
	r.Get("/keys", h.PublicKeys)

	r.Group(func(r chi.Router) {
		r.Use(adminOnly)

		r.Post("/issue", h.Issue)
		r.Post("/revoke", h.Revoke)
		r.Get("/revocations", h.Revocations)
		r.Post("/keys/rotate", h.RotateKeys)
		r.Get("/statuses", h.Statuses)
		r.Post("/status/{workshop_code}/check", h.Check)
		r.Post("/status/{workshop_code}/report", h.Report)
		r.Delete("/status/{workshop_code}", h.Untrack)

		r.Post("/bindings", h.Bind)
		r.Get("/bindings", h.ListBindings)
		r.Get("/bindings/{business}", h.GetBinding)
		r.Delete("/bindings/{business}/{workshop_code}", h.Unbind)
	})

	return r
}

func (h *LicenseHandler) start(r *http.Request, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("component", "license_handler"),
		attribute.String("operation", op),
		attribute.String("request_id", middleware.GetRequestID(r.Context())))
	return h.tracer.Start(r.Context(), "license_handler."+op, trace.WithAttributes(attrs...))
}

func (h *LicenseHandler) fail(w http.ResponseWriter, r *http.Request, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if k := license.KindOf(err); k != license.KindUnknown {
		span.SetAttributes(attribute.String("license.error_kind", k.String()))
	}
	h.errs.HandleError(w, r, err)
}

// Validate handles POST /api/license/validate
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "validate")
	defer span.End()

	var req TokenRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}

	res := h.service.Validate(ctx, req.Token, req.HardwareFingerprint)
	if !res.Valid {
		h.fail(w, r, span, res.Err)
		return
	}

	span.SetAttributes(attribute.String("license.workshop_code", res.Claims.WorkshopCode))
	resp := ValidateResponse{
		Valid:        true,
		WorkshopCode: res.Claims.WorkshopCode,
		JTI:          res.Claims.ID,
	}
	if res.Claims.ExpiresAt != nil {
		resp.ExpiresAt = res.Claims.ExpiresAt.Time
	}
	render.JSON(w, r, resp)
}

// Refresh handles POST /api/license/refresh
func (h *LicenseHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "refresh")
	defer span.End()

	var req TokenRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}

	issued, err := h.service.Refresh(ctx, req.Token, req.HardwareFingerprint)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}

	h.logger.InfoContext(ctx, "token refreshed", slog.String("jti", issued.JTI))
	render.JSON(w, r, issued)
}

// Issue handles POST /api/license/issue
func (h *LicenseHandler) Issue(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "issue")
	defer span.End()

	var req license.IssueRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}
	span.SetAttributes(attribute.String("license.workshop_code", req.WorkshopCode))

	issued, err := h.service.Issue(ctx, req)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}

	infrastructure.AddSpanEvent(ctx, "license.issued", map[string]interface{}{
		"jti":           issued.JTI,
		"workshop_code": req.WorkshopCode,
	})
	h.logger.InfoContext(ctx, "token issued",
		slog.String("workshop_code", req.WorkshopCode),
		slog.String("jti", issued.JTI),
		slog.Time("expires_at", issued.ExpiresAt))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, issued)
}

// Revoke handles POST /api/license/revoke
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "revoke")
	defer span.End()

	var req license.RevokeRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}
	span.SetAttributes(attribute.String("license.jti", req.JTI))

	rec, err := h.service.Revoke(ctx, req)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	render.JSON(w, r, rec)
}

// Revocations handles GET /api/license/revocations?format=json|csv|xlsx
func (h *LicenseHandler) Revocations(w http.ResponseWriter, r *http.Request) {
	format, ok := h.validator.ValidateEnum(w, r, "format", []string{"json", "csv", "xlsx"}, "json")
	if !ok {
		return
	}
	records := h.service.Revocations()

	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="revocations.csv"`)
		if err := exporter.WriteRevocationsCSV(w, records); err != nil {
			h.logger.ErrorContext(r.Context(), "csv export failed", slog.String("error", err.Error()))
		}
	case "xlsx":
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="revocations.xlsx"`)
		if err := exporter.WriteRevocationsXLSX(w, records); err != nil {
			h.logger.ErrorContext(r.Context(), "xlsx export failed", slog.String("error", err.Error()))
		}
	default:
		render.JSON(w, r, map[string]any{
			"revocations": records,
			"count":       len(records),
		})
	}
}

// GetStatus handles GET /api/license/status/{workshop_code}
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	code, ok := h.workshopCode(w, r)
	if !ok {
		return
	}
	status, err := h.service.GetStatus(r.Context(), code)
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, status)
}

// Check handles POST /api/license/status/{workshop_code}/check and runs
// one online validation attempt immediately.
func (h *LicenseHandler) Check(w http.ResponseWriter, r *http.Request) {
	code, ok := h.workshopCode(w, r)
	if !ok {
		return
	}
	ctx, span := h.start(r, "check", attribute.String("license.workshop_code", code))
	defer span.End()

	status, err := h.service.Check(ctx, code)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	span.SetAttributes(attribute.String("license.state", string(status.State)))
	render.JSON(w, r, status)
}

// Report handles POST /api/license/status/{workshop_code}/report. A
// connectivity failure moves the workshop through Grace toward
// Restricted; a success returns it to Online.
func (h *LicenseHandler) Report(w http.ResponseWriter, r *http.Request) {
	code, ok := h.workshopCode(w, r)
	if !ok {
		return
	}
	ctx, span := h.start(r, "report", attribute.String("license.workshop_code", code))
	defer span.End()

	var req ReportRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}
	span.SetAttributes(attribute.String("license.outcome", req.Outcome))

	var (
		status license.Status
		err    error
	)
	if req.Outcome == OutcomeSuccess {
		status, err = h.service.ReportSuccess(ctx, code)
	} else {
		reason := req.Reason
		if reason == "" {
			reason = "reported by workshop"
		}
		status, err = h.service.ReportFailure(ctx, code, fmt.Errorf("%s: %w", reason, license.ErrConnectivity))
	}
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	span.SetAttributes(attribute.String("license.state", string(status.State)))
	render.JSON(w, r, status)
}

// Untrack handles DELETE /api/license/status/{workshop_code}
func (h *LicenseHandler) Untrack(w http.ResponseWriter, r *http.Request) {
	code, ok := h.workshopCode(w, r)
	if !ok {
		return
	}
	ctx, span := h.start(r, "untrack", attribute.String("license.workshop_code", code))
	defer span.End()

	if err := h.service.Untrack(ctx, code); err != nil {
		h.fail(w, r, span, err)
		return
	}
	h.logger.InfoContext(ctx, "workshop untracked", slog.String("workshop_code", code))
	w.WriteHeader(http.StatusNoContent)
}

// Statuses handles GET /api/license/statuses
func (h *LicenseHandler) Statuses(w http.ResponseWriter, r *http.Request) {
	statuses := h.service.Statuses()
	render.JSON(w, r, map[string]any{
		"statuses": statuses,
		"count":    len(statuses),
	})
}

// PublicKeys handles GET /api/license/keys
func (h *LicenseHandler) PublicKeys(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{"keys": h.service.PublicKeys()})
}

// RotateKeys handles POST /api/license/keys/rotate
func (h *LicenseHandler) RotateKeys(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "rotate_keys")
	defer span.End()

	kp, err := h.service.RotateKeys(ctx)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	span.SetAttributes(attribute.String("license.kid", kp.Kid))
	render.JSON(w, r, KeyRotationResponse{
		Kid:       kp.Kid,
		Algorithm: kp.Algorithm,
		KeySize:   kp.KeySize,
		CreatedAt: kp.CreatedAt,
	})
}

// Bind handles POST /api/license/bindings
func (h *LicenseHandler) Bind(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.start(r, "bind")
	defer span.End()

	var req license.BindRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}

	binding, err := h.service.Bind(ctx, req)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, binding)
}

// ListBindings handles GET /api/license/bindings
func (h *LicenseHandler) ListBindings(w http.ResponseWriter, r *http.Request) {
	bindings, err := h.service.Bindings(r.Context())
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{
		"bindings": bindings,
		"count":    len(bindings),
	})
}

// GetBinding handles GET /api/license/bindings/{business}
func (h *LicenseHandler) GetBinding(w http.ResponseWriter, r *http.Request) {
	binding, err := h.service.GetBinding(r.Context(), chi.URLParam(r, "business"))
	if err != nil {
		h.errs.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, binding)
}

// Unbind handles DELETE /api/license/bindings/{business}/{workshop_code}
func (h *LicenseHandler) Unbind(w http.ResponseWriter, r *http.Request) {
	code, ok := h.workshopCode(w, r)
	if !ok {
		return
	}
	ctx, span := h.start(r, "unbind", attribute.String("license.workshop_code", code))
	defer span.End()

	if err := h.service.Unbind(ctx, chi.URLParam(r, "business"), code); err != nil {
		h.fail(w, r, span, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *LicenseHandler) workshopCode(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := workshopParam{WorkshopCode: chi.URLParam(r, "workshop_code")}
	if err := h.validator.ValidateStruct(&p); err != nil {
		h.errs.HandleError(w, r, err)
		return "", false
	}
	return p.WorkshopCode, true
}
