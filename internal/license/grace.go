package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"wslicense/internal/store"
)

// RollbackPolicy decides which clock reading measures offline time after
// the wall clock moved backwards.
type RollbackPolicy string

const (
	// RollbackTrust uses the wall clock as-is.
	RollbackTrust RollbackPolicy = "trust"
	// RollbackHighWater measures from the highest reading observed.
	RollbackHighWater RollbackPolicy = "high_water"
)

// RestrictionHook is told when a workshop enters or leaves Restricted.
// Hooks run under the workshop lock and must not call back into the
// controller for the same workshop.
type RestrictionHook interface {
	OnRestricted(ctx context.Context, workshopCode string, state GracePeriodState)
	OnRestored(ctx context.Context, workshopCode string, state GracePeriodState)
}

// GraceOptions configure a GracePeriodController.
type GraceOptions struct {
	GracePeriod       time.Duration
	HeartbeatInterval time.Duration
	OnlineTimeout     time.Duration
	RollbackPolicy    RollbackPolicy

	Clock   Clock
	Logger  *slog.Logger
	Metrics *Metrics
	Audit   AuditSink
}

// graceRecord is what the grace bucket stores per workshop. The
// credentials let the heartbeat resume after a restart.
type graceRecord struct {
	GracePeriodState
	Token       string `json:"token,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

type workshop struct {
	// op serializes validation attempts and state mutation
	op sync.Mutex

	mu        sync.RWMutex
	rec       graceRecord
	persisted bool
}

func (w *workshop) snapshot() graceRecord {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.rec
}

func (w *workshop) isPersisted() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.persisted
}

// GracePeriodController runs the Online/Grace/Restricted state machine
// for every tracked workshop.
type GracePeriodController struct {
	st        store.Store
	validator OnlineValidator
	checker   ConnectivityChecker
	opts      GraceOptions

	group singleflight.Group

	mu        sync.RWMutex
	workshops map[string]*workshop
	hooks     []RestrictionHook
	listeners []func(Status)

	base    context.Context
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

// NewGracePeriodController loads persisted grace state from st.
func NewGracePeriodController(ctx context.Context, st store.Store, validator OnlineValidator, checker ConnectivityChecker, opts GraceOptions) (*GracePeriodController, error) {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 24 * time.Hour
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Minute
	}
	if opts.OnlineTimeout <= 0 {
		opts.OnlineTimeout = 10 * time.Second
	}
	if opts.RollbackPolicy == "" {
		opts.RollbackPolicy = RollbackTrust
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics()
	}
	if opts.Audit == nil {
		opts.Audit = SlogAuditSink{Logger: opts.Logger}
	}
	if checker == nil {
		checker = AlwaysReachable{}
	}

	base, cancel := context.WithCancel(context.Background())
	g := &GracePeriodController{
		st:        st,
		validator: validator,
		checker:   checker,
		opts:      opts,
		workshops: make(map[string]*workshop),
		base:      base,
		cancel:    cancel,
	}

	records, err := st.List(ctx, store.BucketGrace)
	if err != nil {
		cancel()
		g.auditPersistence(ctx, "", "load", err)
		return nil, newError("grace.load", KindPersistenceFailure, err)
	}
	for code, data := range records {
		var rec graceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			cancel()
			return nil, errorf("grace.load", KindPersistenceFailure, "decode %s: %w", code, err)
		}
		g.workshops[rec.WorkshopCode] = &workshop{rec: rec, persisted: true}
	}

	return g, nil
}

// AddHook registers a RestrictionHook.
func (g *GracePeriodController) AddHook(h RestrictionHook) {
	g.mu.Lock()
	g.hooks = append(g.hooks, h)
	g.mu.Unlock()
}

// Subscribe registers fn to receive every status change. fn must not
// block.
func (g *GracePeriodController) Subscribe(fn func(Status)) {
	g.mu.Lock()
	g.listeners = append(g.listeners, fn)
	g.mu.Unlock()
}

// Track registers credentials for the heartbeat. A workshop seen for the
// first time starts Online with last_successful_validation = now; an
// existing workshop keeps its state and only swaps credentials.
func (g *GracePeriodController) Track(ctx context.Context, workshopCode, token, fingerprint string) error {
	if workshopCode == "" {
		return errorf("grace.track", KindMalformedToken, "workshop_code is required")
	}

	for {
		done, err := g.track(ctx, workshopCode, token, fingerprint)
		if done {
			return err
		}
	}
}

// track reports done=false when the workshop it locked was dropped by a
// concurrent first Track whose save failed.
func (g *GracePeriodController) track(ctx context.Context, workshopCode, token, fingerprint string) (bool, error) {
	w := g.getOrCreate(workshopCode)
	w.op.Lock()
	defer w.op.Unlock()

	if cur, ok := g.get(workshopCode); !ok || cur != w {
		return false, nil
	}

	fresh := !w.isPersisted()
	rec := w.snapshot()
	if rec.Token == token && rec.Fingerprint == fingerprint && !fresh {
		return true, nil
	}
	rec.Token = token
	rec.Fingerprint = fingerprint

	if err := g.save(ctx, w, rec, "track"); err != nil {
		if fresh {
			g.mu.Lock()
			if g.workshops[workshopCode] == w {
				delete(g.workshops, workshopCode)
			}
			g.mu.Unlock()
		}
		return true, err
	}

	logAction(ctx, g.opts.Logger, slog.LevelInfo, "grace_controller", "track", "Workshop tracked",
		slog.String("workshop_code", workshopCode),
		slog.String("state", string(rec.State)),
		slog.Bool("new", fresh))
	return true, nil
}

// Untrack forgets a workshop and its persisted state.
func (g *GracePeriodController) Untrack(ctx context.Context, workshopCode string) error {
	g.mu.Lock()
	delete(g.workshops, workshopCode)
	g.mu.Unlock()

	if err := g.st.Delete(ctx, store.BucketGrace, workshopCode); err != nil && !errors.Is(err, store.ErrNotFound) {
		g.auditPersistence(ctx, workshopCode, "untrack", err)
		return newError("grace.untrack", KindPersistenceFailure, err)
	}
	return nil
}

// Attempt runs one online validation for workshopCode. Concurrent callers
// for the same workshop share one in-flight attempt. Connectivity
// failures are absorbed into Grace/Restricted and reported through the
// returned Status; fatal kinds are returned as errors without a state
// change.
func (g *GracePeriodController) Attempt(ctx context.Context, workshopCode string) (Status, error) {
	ch := g.group.DoChan(workshopCode, func() (interface{}, error) {
		return g.attempt(workshopCode)
	})

	select {
	case res := <-ch:
		status, _ := res.Val.(Status)
		return status, res.Err
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// attempt runs detached from any single caller so one caller giving up
// does not cancel the attempt others are waiting on. Stop cancels it.
func (g *GracePeriodController) attempt(workshopCode string) (Status, error) {
	const op = "grace.attempt"

	w, ok := g.get(workshopCode)
	if !ok {
		return Status{}, errorf(op, KindNotFound, "workshop %s is not tracked", workshopCode)
	}

	w.op.Lock()
	defer w.op.Unlock()

	ctx, span := startSpan(g.base, "license.grace.attempt", attribute.String("workshop_code", workshopCode))
	ctx, cancel := context.WithTimeout(ctx, g.opts.OnlineTimeout)
	defer cancel()

	rec := w.snapshot()
	err := g.onlineCheck(ctx, rec.Token, rec.Fingerprint)

	if g.base.Err() != nil {
		endSpan(span, g.base.Err())
		return g.status(w.snapshot()), g.base.Err()
	}

	var status Status
	switch {
	case err == nil:
		status, err = g.applySuccess(ctx, w)
	case isConnectivity(err):
		g.opts.Metrics.ConnectivityFailures.Add(ctx, 1)
		status, err = g.applyFailure(ctx, w, err.Error())
	default:
		logAction(ctx, g.opts.Logger, slog.LevelWarn, "grace_controller", "attempt", "Online validation rejected",
			slog.String("workshop_code", workshopCode),
			slog.String("kind", KindOf(err).String()),
			errAttr(err))
		status = g.status(w.snapshot())
	}
	endSpan(span, err)
	return status, err
}

func (g *GracePeriodController) onlineCheck(ctx context.Context, token, fingerprint string) error {
	reach := g.checker.Check(ctx)
	if !reach.Reachable {
		if reach.Err != nil {
			return newError("grace.reach", KindConnectivityError, reach.Err)
		}
		return errorf("grace.reach", KindConnectivityError, "license authority unreachable")
	}
	if g.validator == nil {
		return errorf("grace.validate", KindConnectivityError, "no online validator configured")
	}
	return g.validator.ValidateOnline(ctx, token, fingerprint)
}

// RecordSuccess applies a successful validation performed elsewhere.
func (g *GracePeriodController) RecordSuccess(ctx context.Context, workshopCode string) (Status, error) {
	w, ok := g.get(workshopCode)
	if !ok {
		return Status{}, errorf("grace.record_success", KindNotFound, "workshop %s is not tracked", workshopCode)
	}
	w.op.Lock()
	defer w.op.Unlock()
	return g.applySuccess(ctx, w)
}

// RecordFailure applies a failed validation performed elsewhere. Only
// connectivity failures change state; any other error is returned as-is.
func (g *GracePeriodController) RecordFailure(ctx context.Context, workshopCode string, cause error) (Status, error) {
	if cause == nil {
		return Status{}, errorf("grace.record_failure", KindConnectivityError, "nil cause")
	}
	if !isConnectivity(cause) {
		return Status{}, cause
	}

	w, ok := g.get(workshopCode)
	if !ok {
		return Status{}, errorf("grace.record_failure", KindNotFound, "workshop %s is not tracked", workshopCode)
	}
	w.op.Lock()
	defer w.op.Unlock()

	g.opts.Metrics.ConnectivityFailures.Add(ctx, 1)
	return g.applyFailure(ctx, w, cause.Error())
}

func (g *GracePeriodController) applySuccess(ctx context.Context, w *workshop) (Status, error) {
	prev := w.snapshot()
	now := g.now(ctx, &prev.GracePeriodState)

	next := prev
	next.State = StateOnline
	next.Active = false
	next.StartTime = time.Time{}
	next.ExpiryTime = time.Time{}
	next.Reason = ""
	next.HoursOffline = 0
	next.ConsecutiveFailures = 0
	next.LastSuccessfulValidation = now
	next.LastAttempt = now

	if err := g.save(ctx, w, next, "success"); err != nil {
		return g.status(prev), err
	}
	g.transitioned(ctx, prev.GracePeriodState, next.GracePeriodState)
	return g.status(next), nil
}

func (g *GracePeriodController) applyFailure(ctx context.Context, w *workshop, reason string) (Status, error) {
	prev := w.snapshot()
	now := g.now(ctx, &prev.GracePeriodState)

	offline := now.Sub(prev.LastSuccessfulValidation)
	if g.opts.RollbackPolicy == RollbackHighWater {
		if stored := hoursToDuration(prev.HoursOffline); stored > offline {
			offline = stored
		}
	}
	if offline < 0 {
		offline = 0
	}

	next := prev
	next.LastAttempt = now
	next.ConsecutiveFailures++
	next.HoursOffline = offline.Hours()
	next.Reason = reason
	next.ExpiryTime = prev.LastSuccessfulValidation.Add(g.opts.GracePeriod)

	// Equality stays in Grace.
	if offline > g.opts.GracePeriod {
		next.State = StateRestricted
		next.Active = false
	} else {
		next.State = StateGrace
		next.Active = true
		if prev.State != StateGrace {
			next.StartTime = now
		}
	}

	if err := g.save(ctx, w, next, "failure"); err != nil {
		return g.status(prev), err
	}
	g.transitioned(ctx, prev.GracePeriodState, next.GracePeriodState)
	return g.status(next), nil
}

// now reads the clock for st, auditing a rollback below the high-water
// mark and advancing it. Under RollbackHighWater the high-water reading
// is used instead of the rolled-back clock.
func (g *GracePeriodController) now(ctx context.Context, st *GracePeriodState) time.Time {
	now := g.opts.Clock.Now().UTC()
	if st.HighWater.IsZero() || !now.Before(st.HighWater) {
		st.HighWater = now
		return now
	}

	g.opts.Audit.Log(ctx, AuditEvent{
		Type:         EventClockRollback,
		Time:         now,
		WorkshopCode: st.WorkshopCode,
		Message:      "Clock moved backwards",
		Attrs: map[string]string{
			"high_water": st.HighWater.Format(time.RFC3339),
			"policy":     string(g.opts.RollbackPolicy),
		},
	})
	if g.opts.RollbackPolicy == RollbackHighWater {
		return st.HighWater
	}
	return now
}

// save persists rec and then publishes it in memory. Callers hold w.op.
func (g *GracePeriodController) save(ctx context.Context, w *workshop, rec graceRecord, action string) error {
	if err := store.PutJSON(ctx, g.st, store.BucketGrace, rec.WorkshopCode, rec); err != nil {
		g.auditPersistence(ctx, rec.WorkshopCode, action, err)
		logAction(ctx, g.opts.Logger, slog.LevelError, "grace_controller", action, "Grace state persistence failed",
			slog.String("workshop_code", rec.WorkshopCode),
			errAttr(err))
		return newError("grace."+action, KindPersistenceFailure, err)
	}
	w.mu.Lock()
	w.rec = rec
	w.persisted = true
	w.mu.Unlock()
	return nil
}

// transitioned runs side effects for a state change. Callers hold w.op,
// so hooks observe transitions of one workshop in order.
func (g *GracePeriodController) transitioned(ctx context.Context, prev, next GracePeriodState) {
	status := g.status(graceRecord{GracePeriodState: next})

	g.mu.RLock()
	hooks := slices.Clone(g.hooks)
	listeners := slices.Clone(g.listeners)
	g.mu.RUnlock()

	for _, fn := range listeners {
		fn(status)
	}

	if prev.State == next.State {
		return
	}

	g.opts.Metrics.GraceTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(prev.State)),
		attribute.String("to", string(next.State)),
	))
	logAction(ctx, g.opts.Logger, slog.LevelInfo, "grace_controller", "transition", "License state changed",
		slog.String("workshop_code", next.WorkshopCode),
		slog.String("from", string(prev.State)),
		slog.String("to", string(next.State)),
		slog.Float64("hours_offline", next.HoursOffline),
		slog.Int("consecutive_failures", next.ConsecutiveFailures))

	event := AuditEvent{
		Time:         g.opts.Clock.Now().UTC(),
		WorkshopCode: next.WorkshopCode,
		Attrs: map[string]string{
			"from":          string(prev.State),
			"to":            string(next.State),
			"hours_offline": fmt.Sprintf("%.2f", next.HoursOffline),
		},
	}
	switch {
	case next.State == StateRestricted:
		for _, h := range hooks {
			h.OnRestricted(ctx, next.WorkshopCode, next)
		}
		event.Type = EventRestricted
		event.Kind = KindLicenseRestricted.String()
		event.Message = "Grace period exceeded, license restricted"
	case prev.State == StateRestricted:
		for _, h := range hooks {
			h.OnRestored(ctx, next.WorkshopCode, next)
		}
		event.Type = EventRestored
		event.Message = "License restored after successful validation"
	case next.State == StateGrace:
		event.Type = EventGraceEntered
		event.Message = "License entered offline grace period"
	default:
		return
	}
	g.opts.Audit.Log(ctx, event)
}

// Status returns the last evaluated status of workshopCode.
func (g *GracePeriodController) Status(workshopCode string) (Status, error) {
	w, ok := g.get(workshopCode)
	if !ok {
		return Status{}, errorf("grace.status", KindNotFound, "workshop %s is not tracked", workshopCode)
	}
	return g.status(w.snapshot()), nil
}

// Statuses returns the status of every tracked workshop ordered by code.
func (g *GracePeriodController) Statuses() []Status {
	g.mu.RLock()
	out := make([]Status, 0, len(g.workshops))
	for _, w := range g.workshops {
		out = append(out, g.status(w.snapshot()))
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].WorkshopCode < out[j].WorkshopCode })
	return out
}

// Guard fails with LicenseRestricted when privileged operations are
// disabled for workshopCode. A Grace workshop whose window already ran
// out on the clock is treated as Restricted before the next heartbeat
// records it. Untracked workshops pass.
func (g *GracePeriodController) Guard(workshopCode string) error {
	w, ok := g.get(workshopCode)
	if !ok {
		return nil
	}
	rec := w.snapshot()
	switch rec.State {
	case StateRestricted:
		return errorf("grace.guard", KindLicenseRestricted, "workshop %s is restricted", workshopCode)
	case StateGrace:
		if g.opts.Clock.Now().Sub(rec.LastSuccessfulValidation) > g.opts.GracePeriod {
			return errorf("grace.guard", KindLicenseRestricted, "workshop %s grace period exhausted", workshopCode)
		}
	}
	return nil
}

func (g *GracePeriodController) status(rec graceRecord) Status {
	remaining := g.opts.GracePeriod.Hours() - rec.HoursOffline
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		WorkshopCode:             rec.WorkshopCode,
		State:                    rec.State,
		HoursOffline:             rec.HoursOffline,
		HoursRemaining:           remaining,
		LastSuccessfulValidation: rec.LastSuccessfulValidation,
		ConsecutiveFailures:      rec.ConsecutiveFailures,
		Reason:                   rec.Reason,
	}
}

// Start launches the heartbeat loop. Calling Start twice is a no-op.
func (g *GracePeriodController) Start(ctx context.Context) {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	g.running = true
	g.done = make(chan struct{})
	done := g.done
	g.mu.Unlock()

	go func() {
		defer close(done)
		_ = g.Run(ctx)
	}()
}

// Stop cancels the heartbeat and any in-flight attempt and waits for the
// loop to exit or ctx to expire.
func (g *GracePeriodController) Stop(ctx context.Context) error {
	g.cancel()

	g.mu.RLock()
	done := g.done
	g.mu.RUnlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("grace controller did not stop: %w", ctx.Err())
	}
}

// Run drives the heartbeat until ctx is done or Stop is called.
func (g *GracePeriodController) Run(ctx context.Context) error {
	logAction(ctx, g.opts.Logger, slog.LevelInfo, "grace_controller", "start", "Heartbeat loop started",
		slog.Duration("interval", g.opts.HeartbeatInterval),
		slog.Duration("grace_period", g.opts.GracePeriod))

	ticker := time.NewTicker(g.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.cancel()
			return nil
		case <-g.base.Done():
			return nil
		case <-ticker.C:
			g.Heartbeat(ctx)
		}
	}
}

// Heartbeat attempts an online validation for every tracked workshop.
func (g *GracePeriodController) Heartbeat(ctx context.Context) {
	for _, code := range g.trackedCodes() {
		if ctx.Err() != nil || g.base.Err() != nil {
			return
		}
		status, err := g.Attempt(ctx, code)
		if err != nil {
			logAction(ctx, g.opts.Logger, slog.LevelWarn, "grace_controller", "heartbeat", "Heartbeat validation failed",
				slog.String("workshop_code", code),
				slog.String("kind", KindOf(err).String()),
				errAttr(err))
			continue
		}
		logAction(ctx, g.opts.Logger, slog.LevelDebug, "grace_controller", "heartbeat", "Heartbeat completed",
			slog.String("workshop_code", code),
			slog.String("state", string(status.State)),
			slog.Float64("hours_offline", status.HoursOffline))
	}
}

func (g *GracePeriodController) trackedCodes() []string {
	g.mu.RLock()
	codes := make([]string, 0, len(g.workshops))
	for code, w := range g.workshops {
		if w.snapshot().Token != "" {
			codes = append(codes, code)
		}
	}
	g.mu.RUnlock()
	sort.Strings(codes)
	return codes
}

func (g *GracePeriodController) get(code string) (*workshop, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	w, ok := g.workshops[code]
	return w, ok
}

// getOrCreate publishes a first-seen workshop already Online with
// last_successful_validation = now. It stays unpersisted until a Track
// saves it.
func (g *GracePeriodController) getOrCreate(code string) *workshop {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.workshops[code]; ok {
		return w
	}
	now := g.opts.Clock.Now().UTC()
	w := &workshop{rec: graceRecord{GracePeriodState: GracePeriodState{
		WorkshopCode:             code,
		State:                    StateOnline,
		LastSuccessfulValidation: now,
		HighWater:                now,
	}}}
	g.workshops[code] = w
	return w
}

func (g *GracePeriodController) auditPersistence(ctx context.Context, workshopCode, action string, err error) {
	g.opts.Audit.Log(ctx, AuditEvent{
		Type:         EventPersistenceFailure,
		Time:         g.opts.Clock.Now().UTC(),
		WorkshopCode: workshopCode,
		Kind:         KindPersistenceFailure.String(),
		Message:      "Grace state " + action + " failed: " + err.Error(),
	})
}

func hoursToDuration(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
