package license

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"wslicense/internal/store"
)

// GraceControllerTestSuite drives the offline state machine with a fake
// clock, checker and validator.
type GraceControllerTestSuite struct {
	suite.Suite
	ctx       context.Context
	clock     *FakeClock
	st        *flakyStore
	checker   *fakeChecker
	validator *fakeValidator
	audit     *MemoryAuditSink
	hook      *recordingHook
	grace     *GracePeriodController
}

func TestGraceControllerSuite(t *testing.T) {
	suite.Run(t, new(GraceControllerTestSuite))
}

func (s *GraceControllerTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = NewFakeClock(t0)
	s.st = newFlakyStore()
	s.checker = &fakeChecker{}
	s.validator = &fakeValidator{}
	s.audit = &MemoryAuditSink{}
	s.hook = &recordingHook{}
	s.grace = s.newController(GraceOptions{})
	s.grace.AddHook(s.hook)

	s.Require().NoError(s.grace.Track(s.ctx, testWorkshop, "token", testFingerprint))
}

func (s *GraceControllerTestSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.NoError(s.grace.Stop(ctx))
}

func (s *GraceControllerTestSuite) newController(opts GraceOptions) *GracePeriodController {
	opts.GracePeriod = 24 * time.Hour
	opts.Clock = s.clock
	opts.Logger = quietLogger()
	opts.Audit = s.audit
	g, err := NewGracePeriodController(s.ctx, s.st, s.validator, s.checker, opts)
	s.Require().NoError(err)
	return g
}

func (s *GraceControllerTestSuite) attemptAt(offset time.Duration) Status {
	s.clock.Set(t0.Add(offset))
	status, err := s.grace.Attempt(s.ctx, testWorkshop)
	s.Require().NoError(err)
	return status
}

func (s *GraceControllerTestSuite) TestTrackStartsOnline() {
	status, err := s.grace.Status(testWorkshop)
	s.Require().NoError(err)
	s.Equal(StateOnline, status.State)
	s.Zero(status.HoursOffline)
	s.Equal(24.0, status.HoursRemaining)
	s.True(status.LastSuccessfulValidation.Equal(t0))

	_, err = s.grace.Status("WS-unknown")
	s.ErrorIs(err, ErrNotFound)
}

func (s *GraceControllerTestSuite) TestBoundaryStaysGraceAtExactlyGracePeriod() {
	s.checker.unreachable.Store(true)

	status := s.attemptAt(24 * time.Hour)
	s.Equal(StateGrace, status.State)
	s.Equal(24.0, status.HoursOffline)
	s.Zero(status.HoursRemaining)
	s.NoError(s.grace.Guard(testWorkshop))

	status = s.attemptAt(24*time.Hour + time.Second)
	s.Equal(StateRestricted, status.State)
	s.ErrorIs(s.grace.Guard(testWorkshop), ErrLicenseRestricted)
}

func (s *GraceControllerTestSuite) TestHourlyFailuresThenRecovery() {
	s.checker.unreachable.Store(true)

	var last float64
	for h := 16; h <= 25; h++ {
		status := s.attemptAt(time.Duration(h) * time.Hour)
		s.GreaterOrEqual(status.HoursOffline, last, "hours_offline must not decrease")
		last = status.HoursOffline

		if h <= 24 {
			s.Equal(StateGrace, status.State, "hour %d", h)
		} else {
			s.Equal(StateRestricted, status.State, "hour %d", h)
		}
	}

	status, err := s.grace.Status(testWorkshop)
	s.Require().NoError(err)
	s.Equal(StateRestricted, status.State)
	s.Equal(10, status.ConsecutiveFailures)

	s.checker.unreachable.Store(false)
	status = s.attemptAt(26 * time.Hour)
	s.Equal(StateOnline, status.State)
	s.Zero(status.HoursOffline)
	s.Zero(status.ConsecutiveFailures)
	s.True(status.LastSuccessfulValidation.Equal(t0.Add(26 * time.Hour)))
	s.NoError(s.grace.Guard(testWorkshop))

	restricted, restored := s.hook.counts()
	s.Equal(1, restricted)
	s.Equal(1, restored)
	s.Len(s.audit.OfType(EventGraceEntered), 1)
	s.Len(s.audit.OfType(EventRestricted), 1)
	s.Len(s.audit.OfType(EventRestored), 1)
}

func (s *GraceControllerTestSuite) TestFatalErrorsNeverEnterGrace() {
	for _, kind := range []Kind{KindHardwareMismatch, KindRevokedToken, KindSignatureInvalid, KindMalformedToken} {
		s.validator.set(&Error{Kind: kind, Op: "remote.validate"})

		s.clock.Advance(time.Hour)
		status, err := s.grace.Attempt(s.ctx, testWorkshop)
		s.Equal(kind, KindOf(err))
		s.Equal(StateOnline, status.State)
	}
	s.Empty(s.audit.OfType(EventGraceEntered))
}

func (s *GraceControllerTestSuite) TestValidatorConnectivityErrorEntersGrace() {
	s.validator.set(&Error{Kind: KindConnectivityError, Op: "remote.validate"})

	status := s.attemptAt(2 * time.Hour)
	s.Equal(StateGrace, status.State)
	s.Equal(2.0, status.HoursOffline)
	s.Equal(22.0, status.HoursRemaining)
}

func (s *GraceControllerTestSuite) TestTimeoutCountsAsConnectivityFailure() {
	g := s.newController(GraceOptions{OnlineTimeout: 20 * time.Millisecond})
	s.validator.block = make(chan struct{})
	defer close(s.validator.block)

	s.clock.Set(t0.Add(time.Hour))
	status, err := g.Attempt(s.ctx, testWorkshop)
	s.Require().NoError(err)
	s.Equal(StateGrace, status.State)
}

func (s *GraceControllerTestSuite) TestConcurrentAttemptsShareOneValidation() {
	s.validator.block = make(chan struct{})

	const callers = 5
	var wg sync.WaitGroup
	results := make([]Status, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, err := s.grace.Attempt(s.ctx, testWorkshop)
			s.NoError(err)
			results[i] = status
		}(i)
	}

	s.Require().Eventually(func() bool { return s.validator.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	close(s.validator.block)
	wg.Wait()

	s.Equal(int32(1), s.validator.calls.Load())
	for _, r := range results {
		s.Equal(results[0], r)
	}
}

func (s *GraceControllerTestSuite) TestStopCancelsInFlightAttempt() {
	s.validator.block = make(chan struct{})
	defer close(s.validator.block)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.grace.Attempt(s.ctx, testWorkshop)
		errCh <- err
	}()
	s.Require().Eventually(func() bool { return s.validator.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(s.ctx, time.Second)
	defer cancel()
	s.Require().NoError(s.grace.Stop(ctx))

	select {
	case err := <-errCh:
		s.ErrorIs(err, context.Canceled)
	case <-time.After(time.Second):
		s.Fail("attempt did not return after Stop")
	}

	status, err := s.grace.Status(testWorkshop)
	s.Require().NoError(err)
	s.Equal(StateOnline, status.State)
}

func (s *GraceControllerTestSuite) TestGuardRestrictsExhaustedGraceBeforeHeartbeat() {
	s.checker.unreachable.Store(true)
	s.attemptAt(20 * time.Hour)

	s.clock.Set(t0.Add(25 * time.Hour))
	s.ErrorIs(s.grace.Guard(testWorkshop), ErrLicenseRestricted)
	s.NoError(s.grace.Guard("WS-untracked"))
}

func (s *GraceControllerTestSuite) TestRecordFailureAndSuccess() {
	s.clock.Set(t0.Add(3 * time.Hour))

	_, err := s.grace.RecordFailure(s.ctx, testWorkshop, ErrRevokedToken)
	s.ErrorIs(err, ErrRevokedToken)

	status, err := s.grace.RecordFailure(s.ctx, testWorkshop, context.DeadlineExceeded)
	s.Require().NoError(err)
	s.Equal(StateGrace, status.State)

	status, err = s.grace.RecordSuccess(s.ctx, testWorkshop)
	s.Require().NoError(err)
	s.Equal(StateOnline, status.State)
	s.Zero(status.HoursOffline)
}

func (s *GraceControllerTestSuite) TestStateSurvivesRestart() {
	s.checker.unreachable.Store(true)
	s.attemptAt(30 * time.Hour)

	reloaded := s.newController(GraceOptions{})
	status, err := reloaded.Status(testWorkshop)
	s.Require().NoError(err)
	s.Equal(StateRestricted, status.State)
	s.Equal(30.0, status.HoursOffline)
	s.ErrorIs(reloaded.Guard(testWorkshop), ErrLicenseRestricted)

	// Track after restart keeps the restriction.
	s.Require().NoError(reloaded.Track(s.ctx, testWorkshop, "token-2", testFingerprint))
	s.ErrorIs(reloaded.Guard(testWorkshop), ErrLicenseRestricted)
}

func (s *GraceControllerTestSuite) TestPersistenceFailureIsAuditedAndReturned() {
	s.checker.unreachable.Store(true)
	s.st.failPut.Store(true)

	s.clock.Set(t0.Add(time.Hour))
	_, err := s.grace.Attempt(s.ctx, testWorkshop)
	s.ErrorIs(err, ErrPersistence)
	s.Len(s.audit.OfType(EventPersistenceFailure), 1)

	status, err := s.grace.Status(testWorkshop)
	s.Require().NoError(err)
	s.Equal(StateOnline, status.State, "state must not change when it cannot be persisted")
}

func (s *GraceControllerTestSuite) TestHeartbeatAttemptsTrackedWorkshops() {
	s.Require().NoError(s.grace.Track(s.ctx, "WS-0002", "token-2", testFingerprint))
	s.checker.unreachable.Store(true)
	s.clock.Set(t0.Add(time.Hour))

	s.grace.Heartbeat(s.ctx)

	for _, st := range s.grace.Statuses() {
		s.Equal(StateGrace, st.State, st.WorkshopCode)
	}
	s.Len(s.grace.Statuses(), 2)
}

func (s *GraceControllerTestSuite) TestSubscribersSeeEveryUpdate() {
	var mu sync.Mutex
	var seen []State
	s.grace.Subscribe(func(st Status) {
		mu.Lock()
		seen = append(seen, st.State)
		mu.Unlock()
	})

	s.checker.unreachable.Store(true)
	s.attemptAt(time.Hour)
	s.attemptAt(2 * time.Hour)
	s.checker.unreachable.Store(false)
	s.attemptAt(3 * time.Hour)

	mu.Lock()
	defer mu.Unlock()
	s.Equal([]State{StateGrace, StateGrace, StateOnline}, seen)
}

func (s *GraceControllerTestSuite) TestStartStop() {
	g := s.newController(GraceOptions{HeartbeatInterval: 10 * time.Millisecond})
	g.Start(s.ctx)
	g.Start(s.ctx)

	s.Eventually(func() bool { return s.validator.calls.Load() > 0 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(s.ctx, time.Second)
	defer cancel()
	s.NoError(g.Stop(ctx))
}

func TestClockRollbackIsAudited(t *testing.T) {
	tests := []struct {
		policy       RollbackPolicy
		hoursOffline float64
	}{
		// Trust measures from the rolled-back wall clock.
		{RollbackTrust, 2},
		{RollbackHighWater, 10},
	}
	for _, tt := range tests {
		policy := tt.policy
		t.Run(string(policy), func(t *testing.T) {
			ctx := context.Background()
			clock := NewFakeClock(t0)
			audit := &MemoryAuditSink{}
			g, err := NewGracePeriodController(ctx, store.NewMemory(), &fakeValidator{}, &fakeChecker{}, GraceOptions{
				RollbackPolicy: policy,
				Clock:          clock,
				Logger:         quietLogger(),
				Audit:          audit,
			})
			require.NoError(t, err)
			require.NoError(t, g.Track(ctx, testWorkshop, "token", testFingerprint))

			clock.Set(t0.Add(10 * time.Hour))
			status, err := g.RecordFailure(ctx, testWorkshop, ErrConnectivity)
			require.NoError(t, err)
			assert.Equal(t, 10.0, status.HoursOffline)

			clock.Set(t0.Add(2 * time.Hour))
			status, err = g.RecordFailure(ctx, testWorkshop, ErrConnectivity)
			require.NoError(t, err)
			assert.Equal(t, tt.hoursOffline, status.HoursOffline)
			assert.Equal(t, StateGrace, status.State)

			events := audit.OfType(EventClockRollback)
			require.Len(t, events, 1)
			assert.Equal(t, string(policy), events[0].Attrs["policy"])
		})
	}
}

func TestConcurrentFirstTrackPersistsOnline(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	g, err := NewGracePeriodController(ctx, st, &fakeValidator{}, &fakeChecker{}, GraceOptions{
		Clock:  NewFakeClock(t0),
		Logger: quietLogger(),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.Track(ctx, "WS-RACE", "token", fmt.Sprintf("fp-%d", i)))
		}()
	}
	wg.Wait()

	var rec graceRecord
	require.NoError(t, store.GetJSON(ctx, st, store.BucketGrace, "WS-RACE", &rec))
	assert.Equal(t, StateOnline, rec.State)
	assert.Equal(t, t0, rec.LastSuccessfulValidation)

	status, err := g.Status("WS-RACE")
	require.NoError(t, err)
	assert.Equal(t, StateOnline, status.State)
}

func TestFailedFirstTrackKeepsConcurrentlySavedWorkshop(t *testing.T) {
	ctx := context.Background()
	st := newFlakyStore()
	g, err := NewGracePeriodController(ctx, st, &fakeValidator{}, &fakeChecker{}, GraceOptions{
		Clock:  NewFakeClock(t0),
		Logger: quietLogger(),
		Audit:  &MemoryAuditSink{},
	})
	require.NoError(t, err)

	st.failPut.Store(true)
	err = g.Track(ctx, "WS-1", "token", testFingerprint)
	assert.Equal(t, KindPersistenceFailure, KindOf(err))
	_, err = g.Status("WS-1")
	assert.Equal(t, KindNotFound, KindOf(err))

	st.failPut.Store(false)
	require.NoError(t, g.Track(ctx, "WS-1", "token", testFingerprint))

	// A later failed credential swap leaves the saved workshop in place.
	st.failPut.Store(true)
	err = g.Track(ctx, "WS-1", "other", testFingerprint)
	assert.Equal(t, KindPersistenceFailure, KindOf(err))
	status, err := g.Status("WS-1")
	require.NoError(t, err)
	assert.Equal(t, StateOnline, status.State)
}
