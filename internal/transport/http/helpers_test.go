package http

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"wslicense/internal/config"
	apierrors "wslicense/internal/errors"
	"wslicense/internal/license"
	"wslicense/internal/middleware"
	"wslicense/internal/security"
	"wslicense/internal/store"
	"wslicense/internal/websocket"
)

const (
	adminToken  = "test-admin-token"
	fingerprint = "fp-workshop-1"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestService(t *testing.T) *license.Service {
	t.Helper()
	cfg := config.Default().License
	svc, err := license.New(context.Background(), license.Options{
		Config: cfg,
		Store:  store.NewMemory(),
		Sources: []security.ComponentSource{security.SourceFunc{
			ComponentName: security.ComponentMachineID,
			Fn:            func(context.Context) (string, error) { return "machine-1", nil },
		}},
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

// newRouter mounts the API the way the application does, minus the
// ambient middleware stack.
func newRouter(svc LicenseService, hub *websocket.Hub) http.Handler {
	logger := quietLogger()
	errs := apierrors.NewErrorHandler(logger, false)
	validation := middleware.NewValidationMiddleware(logger, errs)
	admin := middleware.AdminAuth(adminToken, errs, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.NotFound(errs.NotFound)

	r.Mount("/api/license", NewLicenseHandler(svc, validation, errs, logger).Routes(admin))

	if hub != nil {
		if checker, ok := svc.(middleware.TokenChecker); ok {
			ws := NewWebSocketHandler(hub, config.Default().WebSocket, errs, logger)
			r.With(middleware.NewLicenseValidator(checker, errs, logger).Handler).Get("/ws/license", ws.ServeWorkshop)
			r.With(admin).Get("/ws/license/all", ws.ServeAll)
		}
	}
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body any, admin bool) *httptest.ResponseRecorder {
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

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func issue(t *testing.T, h http.Handler, workshop string) license.IssuedToken {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/license/issue", license.IssueRequest{
		WorkshopCode:        workshop,
		HardwareFingerprint: fingerprint,
		BusinessName:        "Al-Noor Motors",
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[license.IssuedToken](t, rec)
}

// mockService is a LicenseService driven by testify expectations.
type mockService struct {
	mock.Mock
}

func (m *mockService) Issue(ctx context.Context, req license.IssueRequest) (license.IssuedToken, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(license.IssuedToken), args.Error(1)
}

func (m *mockService) Validate(ctx context.Context, token, fp string) license.ValidationResult {
	return m.Called(ctx, token, fp).Get(0).(license.ValidationResult)
}

func (m *mockService) Refresh(ctx context.Context, token, fp string) (license.IssuedToken, error) {
	args := m.Called(ctx, token, fp)
	return args.Get(0).(license.IssuedToken), args.Error(1)
}

func (m *mockService) Revoke(ctx context.Context, req license.RevokeRequest) (license.RevokedTokenRecord, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(license.RevokedTokenRecord), args.Error(1)
}

func (m *mockService) GetStatus(ctx context.Context, code string) (license.Status, error) {
	args := m.Called(ctx, code)
	return args.Get(0).(license.Status), args.Error(1)
}

func (m *mockService) Statuses() []license.Status {
	return m.Called().Get(0).([]license.Status)
}

func (m *mockService) Check(ctx context.Context, code string) (license.Status, error) {
	args := m.Called(ctx, code)
	return args.Get(0).(license.Status), args.Error(1)
}

func (m *mockService) ReportSuccess(ctx context.Context, code string) (license.Status, error) {
	args := m.Called(ctx, code)
	return args.Get(0).(license.Status), args.Error(1)
}

func (m *mockService) ReportFailure(ctx context.Context, code string, cause error) (license.Status, error) {
	args := m.Called(ctx, code, cause)
	return args.Get(0).(license.Status), args.Error(1)
}

func (m *mockService) Untrack(ctx context.Context, code string) error {
	return m.Called(ctx, code).Error(0)
}

func (m *mockService) Bind(ctx context.Context, req license.BindRequest) (license.BusinessBinding, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(license.BusinessBinding), args.Error(1)
}

func (m *mockService) Unbind(ctx context.Context, business, code string) error {
	return m.Called(ctx, business, code).Error(0)
}

func (m *mockService) GetBinding(ctx context.Context, business string) (license.BusinessBinding, error) {
	args := m.Called(ctx, business)
	return args.Get(0).(license.BusinessBinding), args.Error(1)
}

func (m *mockService) Bindings(ctx context.Context) ([]license.BusinessBinding, error) {
	args := m.Called(ctx)
	return args.Get(0).([]license.BusinessBinding), args.Error(1)
}

func (m *mockService) RotateKeys(ctx context.Context) (*license.KeyPair, error) {
	args := m.Called(ctx)
	kp, _ := args.Get(0).(*license.KeyPair)
	return kp, args.Error(1)
}

func (m *mockService) PublicKeys() []license.JWK {
	return m.Called().Get(0).([]license.JWK)
}

func (m *mockService) Revocations() []license.RevokedTokenRecord {
	return m.Called().Get(0).([]license.RevokedTokenRecord)
}
