package http

import (
	"bytes"
	"encoding/csv"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"wslicense/internal/exporter"
	"wslicense/internal/license"
)

type problem struct {
	Type   string `json:"type"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
	Kind   string `json:"kind"`
}

func TestIssueValidateRefresh(t *testing.T) {
	h := newRouter(newTestService(t), nil)
	tok := issue(t, h, "WS-001")
	assert.NotEmpty(t, tok.Token)
	assert.NotEmpty(t, tok.JTI)

	rec := do(t, h, http.MethodPost, "/api/license/validate", TokenRequest{Token: tok.Token, HardwareFingerprint: fingerprint}, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[ValidateResponse](t, rec)
	assert.True(t, got.Valid)
	assert.Equal(t, "WS-001", got.WorkshopCode)
	assert.Equal(t, tok.JTI, got.JTI)
	assert.WithinDuration(t, tok.ExpiresAt, got.ExpiresAt, 0)

	rec = do(t, h, http.MethodPost, "/api/license/refresh", TokenRequest{Token: tok.Token, HardwareFingerprint: fingerprint}, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	refreshed := decode[license.IssuedToken](t, rec)
	assert.NotEqual(t, tok.JTI, refreshed.JTI)
}

func TestValidateFailures(t *testing.T) {
	h := newRouter(newTestService(t), nil)
	tok := issue(t, h, "WS-001")

	tests := []struct {
		name   string
		body   TokenRequest
		status int
		kind   string
	}{
		{"malformed", TokenRequest{Token: "not-a-jwt", HardwareFingerprint: fingerprint}, http.StatusBadRequest, "malformed_token"},
		{"other machine", TokenRequest{Token: tok.Token, HardwareFingerprint: "fp-somewhere-else"}, http.StatusForbidden, "hardware_mismatch"},
		{"missing fingerprint", TokenRequest{Token: tok.Token}, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/license/validate", tt.body, false)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.kind, decode[problem](t, rec).Kind)
		})
	}
}

func TestRevokeAndExport(t *testing.T) {
	h := newRouter(newTestService(t), nil)
	tok := issue(t, h, "WS-001")

	rec := do(t, h, http.MethodPost, "/api/license/revoke", license.RevokeRequest{
		JTI:      tok.JTI,
		Reason:   "device stolen",
		ReasonAr: "سرقة الجهاز",
	}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	revoked := decode[license.RevokedTokenRecord](t, rec)
	assert.Equal(t, "WS-001", revoked.WorkshopCode, "workshop filled from the issue ledger")
	assert.Equal(t, "admin", revoked.RevokedBy)

	rec = do(t, h, http.MethodPost, "/api/license/validate", TokenRequest{Token: tok.Token, HardwareFingerprint: fingerprint}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "revoked_token", decode[problem](t, rec).Kind)

	t.Run("json", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/license/revocations", nil, true)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[struct {
			Revocations []license.RevokedTokenRecord `json:"revocations"`
			Count       int                          `json:"count"`
		}](t, rec)
		assert.Equal(t, 1, body.Count)
		assert.Equal(t, tok.JTI, body.Revocations[0].JTI)
	})

	t.Run("csv", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/license/revocations?format=csv", nil, true)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")

		raw := bytes.TrimPrefix(rec.Body.Bytes(), []byte{0xEF, 0xBB, 0xBF})
		rows, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, exporter.RevocationHeaders, rows[0])
		assert.Equal(t, tok.JTI, rows[1][0])
	})

	t.Run("xlsx", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/license/revocations?format=xlsx", nil, true)
		require.Equal(t, http.StatusOK, rec.Code)

		f, err := excelize.OpenReader(rec.Body)
		require.NoError(t, err)
		defer f.Close()
		rows, err := f.GetRows(exporter.SheetRevocations)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "سرقة الجهاز", rows[1][3])
	})

	t.Run("unknown format", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/api/license/revocations?format=pdf", nil, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAdminRoutesRequireToken(t *testing.T) {
	h := newRouter(newTestService(t), nil)

	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/api/license/issue"},
		{http.MethodPost, "/api/license/revoke"},
		{http.MethodGet, "/api/license/revocations"},
		{http.MethodPost, "/api/license/keys/rotate"},
		{http.MethodGet, "/api/license/statuses"},
		{http.MethodDelete, "/api/license/bindings/BL-1/WS-001"},
	} {
		rec := do(t, h, route.method, route.path, nil, false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", route.method, route.path)
	}
}

func TestStatusEndpoints(t *testing.T) {
	h := newRouter(newTestService(t), nil)

	rec := do(t, h, http.MethodGet, "/api/license/status/WS-001", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[problem](t, rec).Kind)

	rec = do(t, h, http.MethodGet, "/api/license/status/bad%20code", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A successful validation starts tracking the workshop.
	tok := issue(t, h, "WS-001")
	rec = do(t, h, http.MethodPost, "/api/license/validate", TokenRequest{Token: tok.Token, HardwareFingerprint: fingerprint}, false)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/license/status/WS-001", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[license.Status](t, rec)
	assert.Equal(t, license.StateOnline, status.State)
	assert.Equal(t, 24.0, status.HoursRemaining)

	rec = do(t, h, http.MethodPost, "/api/license/status/WS-001/check", nil, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, license.StateOnline, decode[license.Status](t, rec).State)

	rec = do(t, h, http.MethodGet, "/api/license/statuses", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[struct {
		Count int `json:"count"`
	}](t, rec).Count)
}

func TestBindingLifecycle(t *testing.T) {
	h := newRouter(newTestService(t), nil)
	req := license.BindRequest{
		BusinessLicenseNumber: "BL-1",
		WorkshopCode:          "WS-001",
		HardwareFingerprint:   fingerprint,
		LicenseKey:            "KEY-AAAA-BBBB",
	}

	rec := do(t, h, http.MethodPost, "/api/license/bindings", req, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	binding := decode[license.BusinessBinding](t, rec)
	assert.Equal(t, []string{"WS-001"}, binding.WorkshopCodes)
	assert.NotEqual(t, req.LicenseKey, binding.LicenseKeyHash)

	rec = do(t, h, http.MethodGet, "/api/license/bindings/BL-1", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/license/bindings", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[struct {
		Count int `json:"count"`
	}](t, rec).Count)

	rec = do(t, h, http.MethodDelete, "/api/license/bindings/BL-1/WS-001", nil, true)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/license/bindings/BL-1", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestKeysAndRotation(t *testing.T) {
	h := newRouter(newTestService(t), nil)

	type keys struct {
		Keys []license.JWK `json:"keys"`
	}
	before := decode[keys](t, do(t, h, http.MethodGet, "/api/license/keys", nil, false))
	require.Len(t, before.Keys, 1)
	assert.Equal(t, "RS256", before.Keys[0].Alg)

	rec := do(t, h, http.MethodPost, "/api/license/keys/rotate", nil, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rotated := decode[KeyRotationResponse](t, rec)
	assert.NotEqual(t, before.Keys[0].Kid, rotated.Kid)

	after := decode[keys](t, do(t, h, http.MethodGet, "/api/license/keys", nil, false))
	assert.Len(t, after.Keys, 2, "retired key still verifies old tokens")
}

func TestInternalFailuresHideCause(t *testing.T) {
	svc := new(mockService)
	svc.On("Bindings", mock.Anything).Return([]license.BusinessBinding(nil),
		&license.Error{Kind: license.KindPersistenceFailure, Op: "binding.list", Err: errors.New("open /var/lib/wsl/db: disk full")})
	h := newRouter(svc, nil)

	rec := do(t, h, http.MethodGet, "/api/license/bindings", nil, true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	p := decode[problem](t, rec)
	assert.Equal(t, "persistence_failure", p.Kind)
	assert.False(t, strings.Contains(p.Detail, "/var/lib"), p.Detail)
	svc.AssertExpectations(t)
}

func TestCheckConnectivityFailure(t *testing.T) {
	svc := new(mockService)
	svc.On("Check", mock.Anything, "WS-001").Return(license.Status{},
		&license.Error{Kind: license.KindConnectivityError, Op: "grace.attempt", Err: errors.New("license server unreachable")})
	h := newRouter(svc, nil)

	rec := do(t, h, http.MethodPost, "/api/license/status/WS-001/check", nil, true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	p := decode[problem](t, rec)
	assert.Equal(t, "connectivity_error", p.Kind)
	assert.Contains(t, p.Detail, "unreachable")
	svc.AssertExpectations(t)
}

func TestIssueRejectsInvalidWorkshop(t *testing.T) {
	svc := new(mockService)
	h := newRouter(svc, nil)

	rec := do(t, h, http.MethodPost, "/api/license/issue", license.IssueRequest{
		WorkshopCode:        "bad code!",
		HardwareFingerprint: fingerprint,
	}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything)
}

func TestReportAndUntrack(t *testing.T) {
	h := newRouter(newTestService(t), nil)
	report := func(outcome string) *httptest.ResponseRecorder {
		return do(t, h, http.MethodPost, "/api/license/status/WS-001/report", ReportRequest{Outcome: outcome, Reason: "dns lookup failed"}, true)
	}

	rec := report(OutcomeConnectivityFailure)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	tok := issue(t, h, "WS-001")
	rec = do(t, h, http.MethodPost, "/api/license/validate", TokenRequest{Token: tok.Token, HardwareFingerprint: fingerprint}, false)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = report(OutcomeConnectivityFailure)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	status := decode[license.Status](t, rec)
	assert.Equal(t, license.StateGrace, status.State)
	assert.Equal(t, 1, status.ConsecutiveFailures)
	assert.Contains(t, status.Reason, "dns lookup failed")

	rec = report("maybe")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = report(OutcomeSuccess)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, license.StateOnline, decode[license.Status](t, rec).State)

	rec = do(t, h, http.MethodDelete, "/api/license/status/WS-001", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, h, http.MethodDelete, "/api/license/status/WS-001", nil, true)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/license/status/WS-001", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
