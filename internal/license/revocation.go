package license

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"wslicense/internal/store"
)

// RevocationRegistry keeps revoked jtis in an in-memory index backed
// write-through by the store. An index miss falls back to the store so
// revocations written by another process apply immediately.
type RevocationRegistry struct {
	st      store.Store
	audit   AuditSink
	clock   Clock
	logger  *slog.Logger
	metrics *Metrics

	// retention keeps records past original_exp for as long as an expired
	// token can still be refreshed.
	retention time.Duration

	mu      sync.RWMutex
	revoked map[string]RevokedTokenRecord
}

// RevocationOptions configure a RevocationRegistry.
type RevocationOptions struct {
	Audit     AuditSink
	Clock     Clock
	Logger    *slog.Logger
	Metrics   *Metrics
	Retention time.Duration
}

// NewRevocationRegistry loads every persisted revocation.
func NewRevocationRegistry(ctx context.Context, st store.Store, opts RevocationOptions) (*RevocationRegistry, error) {
	r := &RevocationRegistry{
		st:        st,
		audit:     opts.Audit,
		clock:     opts.Clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		retention: opts.Retention,
		revoked:   make(map[string]RevokedTokenRecord),
	}
	if r.audit == nil {
		r.audit = SlogAuditSink{}
	}
	if r.clock == nil {
		r.clock = SystemClock()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = noopMetrics()
	}

	revoked, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	r.revoked = revoked
	return r, nil
}

func (r *RevocationRegistry) load(ctx context.Context) (map[string]RevokedTokenRecord, error) {
	records, err := r.st.List(ctx, store.BucketRevocations)
	if err != nil {
		r.auditPersistence(ctx, "load", "", err)
		return nil, newError("revocation.load", KindPersistenceFailure, err)
	}
	revoked := make(map[string]RevokedTokenRecord, len(records))
	for jti, data := range records {
		var rec RevokedTokenRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, errorf("revocation.load", KindPersistenceFailure, "decode %s: %w", jti, err)
		}
		revoked[rec.JTI] = rec
	}
	return revoked, nil
}

// Reload replaces the index with the store's records, dropping entries
// another process cleaned up.
func (r *RevocationRegistry) Reload(ctx context.Context) error {
	revoked, err := r.load(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.revoked = revoked
	r.mu.Unlock()
	return nil
}

// Revoke records the revocation of req.JTI. Revoking an already revoked
// jti is a successful no-op that returns the existing record.
func (r *RevocationRegistry) Revoke(ctx context.Context, req RevokeRequest) (RevokedTokenRecord, error) {
	const op = "revocation.revoke"
	if req.JTI == "" {
		return RevokedTokenRecord{}, errorf(op, KindMalformedToken, "jti is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.revoked[req.JTI]; ok {
		logAction(ctx, r.logger, slog.LevelDebug, "revocation", "revoke", "Token already revoked",
			slog.String("jti", req.JTI))
		return existing, nil
	}

	rec := RevokedTokenRecord{
		JTI:                 req.JTI,
		Reason:              req.Reason,
		ReasonAr:            req.ReasonAr,
		RevokedBy:           req.RevokedBy,
		RevokedAt:           r.clock.Now().UTC(),
		OriginalExp:         req.OriginalExp.UTC(),
		WorkshopCode:        req.WorkshopCode,
		HardwareFingerprint: req.HardwareFingerprint,
	}

	if err := store.PutJSON(ctx, r.st, store.BucketRevocations, rec.JTI, rec); err != nil {
		r.auditPersistence(ctx, "revoke", rec.JTI, err)
		return RevokedTokenRecord{}, newError(op, KindPersistenceFailure, err)
	}
	r.revoked[rec.JTI] = rec

	r.metrics.TokensRevoked.Add(ctx, 1)
	r.audit.Log(ctx, AuditEvent{
		Type:         EventTokenRevoked,
		Time:         rec.RevokedAt,
		WorkshopCode: rec.WorkshopCode,
		JTI:          rec.JTI,
		Message:      "License token revoked",
		Attrs: map[string]string{
			"reason":     rec.Reason,
			"revoked_by": rec.RevokedBy,
		},
	})
	logAction(ctx, r.logger, slog.LevelInfo, "revocation", "revoke", "Token revoked",
		slog.String("jti", rec.JTI),
		slog.String("workshop_code", rec.WorkshopCode),
		slog.Time("original_exp", rec.OriginalExp))

	return rec, nil
}

// IsRevoked reports whether jti has been revoked. A jti missing from the
// index is looked up in the store and cached when found.
func (r *RevocationRegistry) IsRevoked(ctx context.Context, jti string) (bool, error) {
	const op = "revocation.is_revoked"

	r.mu.RLock()
	_, ok := r.revoked[jti]
	r.mu.RUnlock()
	if ok {
		return true, nil
	}

	var rec RevokedTokenRecord
	err := store.GetJSON(ctx, r.st, store.BucketRevocations, jti, &rec)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	case err != nil:
		r.auditPersistence(ctx, "lookup", jti, err)
		return false, newError(op, KindPersistenceFailure, err)
	}

	r.mu.Lock()
	r.revoked[rec.JTI] = rec
	r.mu.Unlock()
	return true, nil
}

// Get returns the revocation record for jti.
func (r *RevocationRegistry) Get(jti string) (RevokedTokenRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.revoked[jti]
	return rec, ok
}

// List returns all revocations ordered by revocation time.
func (r *RevocationRegistry) List() []RevokedTokenRecord {
	r.mu.RLock()
	out := make([]RevokedTokenRecord, 0, len(r.revoked))
	for _, rec := range r.revoked {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RevokedAt.Equal(out[j].RevokedAt) {
			return out[i].JTI < out[j].JTI
		}
		return out[i].RevokedAt.Before(out[j].RevokedAt)
	})
	return out
}

// CleanupExpired removes records whose token can no longer validate or
// refresh: original_exp + retention < now. It is housekeeping only.
func (r *RevocationRegistry) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for jti, rec := range r.revoked {
		if !rec.OriginalExp.Add(r.retention).Before(now) {
			continue
		}
		if err := r.st.Delete(ctx, store.BucketRevocations, jti); err != nil {
			r.auditPersistence(ctx, "cleanup", jti, err)
			return removed, newError("revocation.cleanup", KindPersistenceFailure, err)
		}
		delete(r.revoked, jti)
		removed++
	}

	if removed > 0 {
		r.metrics.RevocationsCleaned.Add(ctx, int64(removed))
		logAction(ctx, r.logger, slog.LevelInfo, "revocation", "cleanup", "Expired revocations removed",
			slog.Int("removed", removed),
			slog.Int("remaining", len(r.revoked)))
	}
	return removed, nil
}

func (r *RevocationRegistry) auditPersistence(ctx context.Context, action, jti string, err error) {
	r.audit.Log(ctx, AuditEvent{
		Type:    EventPersistenceFailure,
		Time:    r.clock.Now().UTC(),
		JTI:     jti,
		Kind:    KindPersistenceFailure.String(),
		Message: "Revocation store " + action + " failed: " + err.Error(),
	})
}
