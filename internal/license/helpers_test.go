package license

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wslicense/internal/config"
	"wslicense/internal/security"
	"wslicense/internal/store"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

var errDiskFull = errors.New("disk full")

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testLicenseConfig() config.LicenseConfig {
	return config.Default().License
}

func staticSources(values map[string]string) []security.ComponentSource {
	sources := make([]security.ComponentSource, 0, len(values))
	for name, v := range values {
		sources = append(sources, security.SourceFunc{
			ComponentName: name,
			Fn:            func(context.Context) (string, error) { return v, nil },
		})
	}
	return sources
}

func testSources() []security.ComponentSource {
	return staticSources(map[string]string{
		security.ComponentMachineID: "machine-1",
		security.ComponentHostname:  "workshop-pc",
		security.ComponentPlatform:  "linux/amd64",
	})
}

// flakyStore wraps a store and fails writes on demand.
type flakyStore struct {
	store.Store
	failPut    atomic.Bool
	failDelete atomic.Bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Store: store.NewMemory()}
}

func (f *flakyStore) Put(ctx context.Context, bucket, key string, value []byte) error {
	if f.failPut.Load() {
		return errDiskFull
	}
	return f.Store.Put(ctx, bucket, key, value)
}

func (f *flakyStore) Delete(ctx context.Context, bucket, key string) error {
	if f.failDelete.Load() {
		return errDiskFull
	}
	return f.Store.Delete(ctx, bucket, key)
}

// fakeChecker reports a settable reachability.
type fakeChecker struct {
	unreachable atomic.Bool
}

func (p *fakeChecker) Check(context.Context) Reachability {
	if p.unreachable.Load() {
		return Reachability{Reachable: false, Err: errors.New("network is unreachable")}
	}
	return Reachability{Reachable: true, LatencyMS: 3}
}

// fakeValidator returns err and counts calls. When block is set, calls
// wait for it to close or for ctx to end.
type fakeValidator struct {
	mu    sync.Mutex
	err   error
	block chan struct{}
	calls atomic.Int32
}

func (v *fakeValidator) set(err error) {
	v.mu.Lock()
	v.err = err
	v.mu.Unlock()
}

func (v *fakeValidator) ValidateOnline(ctx context.Context, _, _ string) error {
	v.calls.Add(1)
	v.mu.Lock()
	err, block := v.err, v.block
	v.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

type recordingHook struct {
	mu         sync.Mutex
	restricted []string
	restored   []string
}

func (h *recordingHook) OnRestricted(_ context.Context, code string, _ GracePeriodState) {
	h.mu.Lock()
	h.restricted = append(h.restricted, code)
	h.mu.Unlock()
}

func (h *recordingHook) OnRestored(_ context.Context, code string, _ GracePeriodState) {
	h.mu.Lock()
	h.restored = append(h.restored, code)
	h.mu.Unlock()
}

func (h *recordingHook) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.restricted), len(h.restored)
}

type testService struct {
	*Service
	clock *FakeClock
	audit *MemoryAuditSink
	store store.Store
}

func newTestService(t *testing.T, mutate func(*Options)) *testService {
	t.Helper()

	clock := NewFakeClock(t0)
	audit := &MemoryAuditSink{}
	st := store.NewMemory()
	opts := Options{
		Config:  testLicenseConfig(),
		Store:   st,
		Sources: testSources(),
		Checker: AlwaysReachable{},
		Clock:   clock,
		Logger:  quietLogger(),
		Audit:   audit,
	}
	if mutate != nil {
		mutate(&opts)
	}

	svc, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})

	if c, ok := opts.Clock.(*FakeClock); ok {
		clock = c
	}
	return &testService{Service: svc, clock: clock, audit: audit, store: opts.Store}
}

func isRevoked(t *testing.T, r *RevocationRegistry, jti string) bool {
	t.Helper()
	revoked, err := r.IsRevoked(context.Background(), jti)
	require.NoError(t, err)
	return revoked
}
