package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wslicense/internal/config"
	"wslicense/internal/license"
	"wslicense/internal/security"
	"wslicense/internal/store"
)

const adminToken = "app-test-token"

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Storage.Backend = "memory"
	cfg.Security.AdminToken = adminToken
	cfg.Telemetry.EnableTracing = false
	cfg.Telemetry.EnableMetrics = false
	return cfg
}

func newTestApp(t *testing.T) *Application {
	t.Helper()
	a, err := NewApplication(context.Background(), testConfig(), slog.New(slog.DiscardHandler), Options{
		Store: store.NewMemory(),
		License: license.Options{
			Sources: []security.ComponentSource{security.SourceFunc{
				ComponentName: security.ComponentMachineID,
				Fn:            func(context.Context) (string, error) { return "machine-1", nil },
			}},
		},
	})
	require.NoError(t, err)
	return a
}

func request(t *testing.T, h http.Handler, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouterServesHealthWithAmbientMiddleware(t *testing.T) {
	a := newTestApp(t)

	rec := request(t, a.Router, http.MethodGet, "/api/health", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = request(t, a.Router, http.MethodGet, "/api/health/ready", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = request(t, a.Router, http.MethodGet, "/metrics", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterUnknownRouteIsProblem(t *testing.T) {
	a := newTestApp(t)

	rec := request(t, a.Router, http.MethodGet, "/api/nope", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestIssueAndValidateThroughRouter(t *testing.T) {
	a := newTestApp(t)

	rec := request(t, a.Router, http.MethodPost, "/api/license/issue", license.IssueRequest{
		WorkshopCode:        "WS-100",
		HardwareFingerprint: "fp-100",
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var tok license.IssuedToken
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))

	rec = request(t, a.Router, http.MethodPost, "/api/license/validate", map[string]string{
		"token":                tok.Token,
		"hardware_fingerprint": "fp-100",
	}, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Subscribed statuses reach the hub; the service tracks the workshop.
	status, err := a.License.GetStatus(context.Background(), "WS-100")
	require.NoError(t, err)
	assert.Equal(t, license.StateOnline, status.State)
}

func TestAdminRoutesRejectMissingToken(t *testing.T) {
	a := newTestApp(t)
	rec := request(t, a.Router, http.MethodPost, "/api/license/keys/rotate", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRunStopsOnCancel(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
