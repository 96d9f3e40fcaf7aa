package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5/middleware"

	"wslicense/internal/license"
)

// Common error types following RFC 7807
const (
	TypeValidation      = "/errors/validation"
	TypeNotFound        = "/errors/not-found"
	TypeUnauthorized    = "/errors/unauthorized"
	TypeRateLimit       = "/errors/rate-limit"
	TypeInternal        = "/errors/internal"
	TypeServiceDown     = "/errors/service-unavailable"
	TypeTimeout         = "/errors/timeout"
	TypeConflict        = "/errors/conflict"
	TypePayloadTooLarge = "/errors/payload-too-large"
	TypeMethodNotAllow  = "/errors/method-not-allowed"
)

// License error types, one per license.Kind.
const (
	TypeLicenseExpired       = "/errors/license/expired"
	TypeLicenseMalformed     = "/errors/license/malformed"
	TypeLicenseSignature     = "/errors/license/signature"
	TypeLicenseRevoked       = "/errors/license/revoked"
	TypeLicenseMismatch      = "/errors/license/machine-mismatch"
	TypeLicenseConnectivity  = "/errors/license/connectivity"
	TypeLicenseKeys          = "/errors/license/key-unavailable"
	TypeLicenseRestricted    = "/errors/license/restricted"
	TypeLicenseBindingLimit  = "/errors/license/binding-limit"
	TypeLicenseNotFound      = "/errors/license/not-found"
	TypeLicenseConfiguration = "/errors/license/configuration"
	TypeLicensePersistence   = "/errors/license/persistence"
)

type kindMapping struct {
	status int
	typ    string
	title  string
}

var kindMappings = map[license.Kind]kindMapping{
	license.KindExpiredToken:         {http.StatusUnauthorized, TypeLicenseExpired, "License Token Expired"},
	license.KindMalformedToken:       {http.StatusBadRequest, TypeLicenseMalformed, "Malformed License Token"},
	license.KindSignatureInvalid:     {http.StatusUnauthorized, TypeLicenseSignature, "Invalid License Signature"},
	license.KindRevokedToken:         {http.StatusUnauthorized, TypeLicenseRevoked, "License Token Revoked"},
	license.KindHardwareMismatch:     {http.StatusForbidden, TypeLicenseMismatch, "License Machine Mismatch"},
	license.KindConnectivityError:    {http.StatusServiceUnavailable, TypeLicenseConnectivity, "License Server Unreachable"},
	license.KindKeyUnavailable:       {http.StatusServiceUnavailable, TypeLicenseKeys, "Signing Key Unavailable"},
	license.KindLicenseRestricted:    {http.StatusForbidden, TypeLicenseRestricted, "License Restricted"},
	license.KindBindingLimitExceeded: {http.StatusConflict, TypeLicenseBindingLimit, "Workshop Limit Reached"},
	license.KindNotFound:             {http.StatusNotFound, TypeLicenseNotFound, "Not Found"},
	license.KindInvalidConfig:        {http.StatusInternalServerError, TypeLicenseConfiguration, "License Misconfigured"},
	license.KindPersistenceFailure:   {http.StatusInternalServerError, TypeLicensePersistence, "License State Not Saved"},
}

// StatusForKind returns the HTTP status used for a license error kind.
func StatusForKind(k license.Kind) int {
	if m, ok := kindMappings[k]; ok {
		return m.status
	}
	return http.StatusInternalServerError
}

// ErrorHandler provides centralized error handling
type ErrorHandler struct {
	logger       *slog.Logger
	includeStack bool
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger, includeStack bool) *ErrorHandler {
	return &ErrorHandler{
		logger:       logger.With(slog.String("component", "error_handler")),
		includeStack: includeStack,
	}
}

// HandleError converts any error to RFC 7807 format and responds
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	reqID := middleware.GetReqID(r.Context())
	problem := toProblem(err, r)
	problem.WithExtension("trace_id", reqID)

	level := slog.LevelWarn
	if problem.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.LogAttrs(r.Context(), level, "request failed",
		slog.String("error", err.Error()),
		slog.Int("status", problem.Status),
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	if h.includeStack && problem.Status >= http.StatusInternalServerError {
		problem.WithExtension("stack", string(debug.Stack()))
	}

	h.write(w, r, problem)
}

// toProblem converts an error to RFC 7807 Problem Details
func toProblem(err error, r *http.Request) *ProblemDetails {
	var le *license.Error
	if errors.As(err, &le) {
		return licenseProblem(le, r)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErrorToProblem(apiErr, r)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewProblemDetails(
			http.StatusGatewayTimeout,
			TypeTimeout,
			"Request Timeout",
			"The request took too long to process and was cancelled",
			r.URL.Path,
		)
	}

	return NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred while processing your request",
		r.URL.Path,
	)
}

// licenseProblem carries the error kind as an extension so remote
// validators can recover it from the response body.
func licenseProblem(le *license.Error, r *http.Request) *ProblemDetails {
	m, ok := kindMappings[le.Kind]
	if !ok {
		m = kindMapping{http.StatusInternalServerError, TypeInternal, "Internal Server Error"}
	}

	detail := le.Kind.String()
	if le.Err != nil {
		detail = le.Err.Error()
	}
	// Persistence and config causes can leak paths and DSNs.
	if m.status >= http.StatusInternalServerError && le.Kind != license.KindConnectivityError && le.Kind != license.KindKeyUnavailable {
		detail = "The license state could not be processed"
	}

	return NewProblemDetails(m.status, m.typ, m.title, detail, r.URL.Path).
		WithExtension("kind", le.Kind.String())
}

func apiErrorToProblem(apiErr *APIError, r *http.Request) *ProblemDetails {
	problemType := TypeInternal
	switch apiErr.StatusCode {
	case http.StatusBadRequest:
		problemType = TypeValidation
	case http.StatusUnauthorized:
		problemType = TypeUnauthorized
	case http.StatusNotFound:
		problemType = TypeNotFound
	case http.StatusConflict:
		problemType = TypeConflict
	case http.StatusRequestEntityTooLarge:
		problemType = TypePayloadTooLarge
	case http.StatusTooManyRequests:
		problemType = TypeRateLimit
	case http.StatusServiceUnavailable:
		problemType = TypeServiceDown
	}

	problem := NewProblemDetails(
		apiErr.StatusCode,
		problemType,
		http.StatusText(apiErr.StatusCode),
		apiErr.Message,
		r.URL.Path,
	).WithExtension("error_code", apiErr.ErrorCode)

	if apiErr.Details != nil {
		problem.WithExtension("errors", apiErr.Details)
	}
	return problem
}

// HandlePanic recovers from panics and returns RFC 7807 error
func (h *ErrorHandler) HandlePanic(w http.ResponseWriter, r *http.Request, recovered any) {
	reqID := middleware.GetReqID(r.Context())

	h.logger.ErrorContext(r.Context(), "panic recovered",
		slog.Any("panic", recovered),
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("stack", string(debug.Stack())),
	)

	problem := NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred",
		r.URL.Path,
	).WithExtension("trace_id", reqID)

	if h.includeStack {
		problem.WithExtension("panic", fmt.Sprintf("%v", recovered))
	}

	h.write(w, r, problem)
}

// NotFound returns a standard 404 error
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(
		http.StatusNotFound,
		TypeNotFound,
		"Not Found",
		"The requested resource was not found",
		r.URL.Path,
	).WithExtension("trace_id", middleware.GetReqID(r.Context()))

	h.write(w, r, problem)
}

// MethodNotAllowed returns a standard 405 error
func (h *ErrorHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(
		http.StatusMethodNotAllowed,
		TypeMethodNotAllow,
		"Method Not Allowed",
		fmt.Sprintf("Method %s is not allowed for this endpoint", r.Method),
		r.URL.Path,
	).WithExtension("trace_id", middleware.GetReqID(r.Context()))

	h.write(w, r, problem)
}

func (h *ErrorHandler) write(w http.ResponseWriter, r *http.Request, problem *ProblemDetails) {
	if err := WriteProblem(w, problem); err != nil {
		h.logger.DebugContext(r.Context(), "problem response not written", slog.String("error", err.Error()))
	}
}
