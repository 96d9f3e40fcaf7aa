package errors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wslicense/internal/license"
)

func newTestHandler(t *testing.T, includeStack bool) (*ErrorHandler, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewErrorHandler(logger, includeStack), &buf
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestErrorHandler_LicenseKinds(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantKind   string
	}{
		{"expired", license.ErrExpiredToken, http.StatusUnauthorized, TypeLicenseExpired, "expired_token"},
		{"malformed", license.ErrMalformedToken, http.StatusBadRequest, TypeLicenseMalformed, "malformed_token"},
		{"signature", license.ErrSignatureInvalid, http.StatusUnauthorized, TypeLicenseSignature, "signature_invalid"},
		{"revoked", license.ErrRevokedToken, http.StatusUnauthorized, TypeLicenseRevoked, "revoked_token"},
		{"hardware", license.ErrHardwareMismatch, http.StatusForbidden, TypeLicenseMismatch, "hardware_mismatch"},
		{"restricted", license.ErrLicenseRestricted, http.StatusForbidden, TypeLicenseRestricted, "license_restricted"},
		{"binding limit", license.ErrBindingLimitExceeded, http.StatusConflict, TypeLicenseBindingLimit, "binding_limit_exceeded"},
		{"not found", license.ErrNotFound, http.StatusNotFound, TypeLicenseNotFound, "not_found"},
		{"keys", license.ErrKeyUnavailable, http.StatusServiceUnavailable, TypeLicenseKeys, "key_unavailable"},
		{"connectivity", license.ErrConnectivity, http.StatusServiceUnavailable, TypeLicenseConnectivity, "connectivity_error"},
		{"persistence", license.ErrPersistence, http.StatusInternalServerError, TypeLicensePersistence, "persistence_failure"},
		{"wrapped", fmt.Errorf("issue: %w", &license.Error{Kind: license.KindRevokedToken, Op: "token.validate"}), http.StatusUnauthorized, TypeLicenseRevoked, "revoked_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t, false)
			req := httptest.NewRequest(http.MethodPost, "/api/license/validate", nil)
			rec := httptest.NewRecorder()

			h.HandleError(rec, req, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
			body := decodeProblem(t, rec)
			assert.Equal(t, tt.wantType, body["type"])
			assert.Equal(t, tt.wantKind, body["kind"])
			assert.Equal(t, "/api/license/validate", body["instance"])
			assert.Contains(t, body, "trace_id")
			assert.Equal(t, tt.wantStatus, StatusForKind(license.KindOf(tt.err)))
		})
	}
}

func TestErrorHandler_HidesInternalCauses(t *testing.T) {
	h, _ := newTestHandler(t, false)
	err := &license.Error{Kind: license.KindPersistenceFailure, Op: "store.put", Err: fmt.Errorf("open /var/lib/wsl/secret.db: disk full")}

	rec := httptest.NewRecorder()
	h.HandleError(rec, httptest.NewRequest(http.MethodPost, "/api/license/revoke", nil), err)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "/var/lib")
}

func TestErrorHandler_APIAndContextErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"invalid request", ErrInvalidRequest, http.StatusBadRequest, TypeValidation},
		{"unauthorized", ErrUnauthorized, http.StatusUnauthorized, TypeUnauthorized},
		{"rate limit", ErrRateLimitExceeded, http.StatusTooManyRequests, TypeRateLimit},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, TypeTimeout},
		{"plain", fmt.Errorf("boom"), http.StatusInternalServerError, TypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t, false)
			rec := httptest.NewRecorder()
			h.HandleError(rec, httptest.NewRequest(http.MethodGet, "/x", nil), tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantType, decodeProblem(t, rec)["type"])
		})
	}
}

func TestErrorHandler_ValidationDetails(t *testing.T) {
	h, _ := newTestHandler(t, false)
	err := NewValidationErrors([]ValidationError{{Field: "workshop_code", Message: "is required"}})

	rec := httptest.NewRecorder()
	h.HandleError(rec, httptest.NewRequest(http.MethodPost, "/api/license/issue", nil), err)

	body := decodeProblem(t, rec)
	assert.Equal(t, "VALIDATION_FAILED", body["error_code"])
	errs, ok := body["errors"].([]any)
	require.True(t, ok)
	require.Len(t, errs, 1)
	assert.Equal(t, "workshop_code", errs[0].(map[string]any)["field"])
}

func TestErrorHandler_NilErrorWritesNothing(t *testing.T) {
	h, logs := newTestHandler(t, false)
	rec := httptest.NewRecorder()
	h.HandleError(rec, httptest.NewRequest(http.MethodGet, "/", nil), nil)

	assert.Zero(t, rec.Body.Len())
	assert.Zero(t, logs.Len())
}

func TestErrorHandler_NotFoundAndMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t, false)

	rec := httptest.NewRecorder()
	h.NotFound(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ProblemContentType, rec.Header().Get("Content-Type"))

	rec = httptest.NewRecorder()
	h.MethodNotAllowed(rec, httptest.NewRequest(http.MethodPut, "/api/license/issue", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, ProblemContentType, rec.Header().Get("Content-Type"))
	assert.True(t, strings.Contains(decodeProblem(t, rec)["detail"].(string), "PUT"))
}

func TestProblemDetailsStandardMembersWin(t *testing.T) {
	p := NewProblemDetails(http.StatusConflict, TypeConflict, "Conflict", "", "").
		WithExtension("status", 1).
		WithExtension("kind", "binding_limit_exceeded")

	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.EqualValues(t, http.StatusConflict, body["status"])
	assert.Equal(t, "binding_limit_exceeded", body["kind"])
	assert.NotContains(t, body, "detail")
}

func TestWriteProblemKeepsMediaType(t *testing.T) {
	rec := httptest.NewRecorder()
	p := NewProblemDetails(http.StatusForbidden, TypeLicenseRestricted, "License Restricted", "grace period exhausted", "/api/license/issue").
		WithExtension("kind", "license_restricted")
	require.NoError(t, WriteProblem(rec, p))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	body := decodeProblem(t, rec)
	assert.Equal(t, TypeLicenseRestricted, body["type"])
	assert.Equal(t, "license_restricted", body["kind"])
}
