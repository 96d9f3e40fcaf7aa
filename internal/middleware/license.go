package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	apierrors "wslicense/internal/errors"
	"wslicense/internal/license"
)

// FingerprintHeader carries the caller's hardware fingerprint. Clients may
// also pass it as the "fp" query parameter, which browsers need for
// WebSocket upgrades.
const FingerprintHeader = "X-Hardware-Fingerprint"

// TokenChecker is the part of license.Service the validator needs.
type TokenChecker interface {
	Validate(ctx context.Context, token, fingerprint string) license.ValidationResult
	Guard(workshopCode string) error
}

type claimsKey struct{}

// ClaimsFromContext returns the license claims attached by LicenseValidator.
func ClaimsFromContext(ctx context.Context) (*license.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*license.Claims)
	return c, ok
}

// WithClaims attaches claims to ctx.
func WithClaims(ctx context.Context, c *license.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// LicenseValidator admits only requests carrying a valid license token for
// a workshop that is not restricted.
type LicenseValidator struct {
	checker TokenChecker
	errs    *apierrors.ErrorHandler
	logger  *slog.Logger
}

// NewLicenseValidator creates the license gate.
func NewLicenseValidator(checker TokenChecker, errs *apierrors.ErrorHandler, logger *slog.Logger) *LicenseValidator {
	return &LicenseValidator{
		checker: checker,
		errs:    errs,
		logger:  logger.With(slog.String("component", "license_middleware")),
	}
}

// Handler implements the middleware.
func (lv *LicenseValidator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("license-middleware").Start(r.Context(), "license_middleware.validate")
		defer span.End()

		token := BearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		fp := r.Header.Get(FingerprintHeader)
		if fp == "" {
			fp = r.URL.Query().Get("fp")
		}

		if token == "" || fp == "" {
			span.SetStatus(codes.Error, "missing credentials")
			lv.logger.WarnContext(ctx, "license credentials missing",
				slog.String("path", r.URL.Path),
				slog.Bool("has_token", token != ""),
				slog.Bool("has_fingerprint", fp != ""),
			)
			lv.errs.HandleError(w, r, apierrors.ErrUnauthorized)
			return
		}

		res := lv.checker.Validate(ctx, token, fp)
		if !res.Valid {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, license.KindOf(res.Err).String())
			lv.errs.HandleError(w, r, res.Err)
			return
		}

		if err := lv.checker.Guard(res.Claims.WorkshopCode); err != nil {
			span.SetStatus(codes.Error, "restricted")
			lv.logger.WarnContext(ctx, "restricted workshop rejected",
				slog.String("workshop_code", res.Claims.WorkshopCode),
				slog.String("path", r.URL.Path),
			)
			lv.errs.HandleError(w, r, err)
			return
		}

		span.SetAttributes(attribute.String("license.workshop_code", res.Claims.WorkshopCode))
		next.ServeHTTP(w, r.WithContext(WithClaims(ctx, res.Claims)))
	})
}
