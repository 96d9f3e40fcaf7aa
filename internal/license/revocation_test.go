package license

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, st *flakyStore, clock Clock, audit AuditSink) *RevocationRegistry {
	t.Helper()
	r, err := NewRevocationRegistry(context.Background(), st, RevocationOptions{
		Audit:     audit,
		Clock:     clock,
		Logger:    quietLogger(),
		Retention: 6 * time.Hour,
	})
	require.NoError(t, err)
	return r
}

func TestRevokeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := NewFakeClock(t0)
	audit := &MemoryAuditSink{}
	r := newTestRegistry(t, newFlakyStore(), clock, audit)

	req := RevokeRequest{JTI: "jti-1", Reason: "fraud", OriginalExp: t0.Add(24 * time.Hour)}
	first, err := r.Revoke(ctx, req)
	require.NoError(t, err)
	assert.True(t, isRevoked(t, r, "jti-1"))

	clock.Advance(time.Hour)
	req.Reason = "second attempt"
	second, err := r.Revoke(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, audit.OfType(EventTokenRevoked), 1)

	_, err = r.Revoke(ctx, RevokeRequest{Reason: "no jti"})
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestRevocationsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	st := newFlakyStore()
	r := newTestRegistry(t, st, NewFakeClock(t0), nil)

	_, err := r.Revoke(ctx, RevokeRequest{JTI: "jti-b", Reason: "b", OriginalExp: t0.Add(2 * time.Hour)})
	require.NoError(t, err)
	_, err = r.Revoke(ctx, RevokeRequest{JTI: "jti-a", Reason: "a", OriginalExp: t0.Add(time.Hour)})
	require.NoError(t, err)

	reloaded := newTestRegistry(t, st, NewFakeClock(t0), nil)
	assert.True(t, isRevoked(t, reloaded, "jti-a"))
	assert.True(t, isRevoked(t, reloaded, "jti-b"))
	assert.False(t, isRevoked(t, reloaded, "jti-c"))

	list := reloaded.List()
	require.Len(t, list, 2)
	// same revoked_at, ordered by jti
	assert.Equal(t, "jti-a", list[0].JTI)
}

func TestCleanupExpiredKeepsRefreshableRevocations(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, newFlakyStore(), NewFakeClock(t0), nil)

	_, err := r.Revoke(ctx, RevokeRequest{JTI: "old", Reason: "x", OriginalExp: t0})
	require.NoError(t, err)
	_, err = r.Revoke(ctx, RevokeRequest{JTI: "current", Reason: "x", OriginalExp: t0.Add(24 * time.Hour)})
	require.NoError(t, err)

	// old expired 6h ago: still inside the refresh window
	n, err := r.CleanupExpired(ctx, t0.Add(6*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, isRevoked(t, r, "old"))

	n, err = r.CleanupExpired(ctx, t0.Add(6*time.Hour+time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, isRevoked(t, r, "old"))
	assert.True(t, isRevoked(t, r, "current"))
}

func TestRevokePersistenceFailure(t *testing.T) {
	ctx := context.Background()
	st := newFlakyStore()
	audit := &MemoryAuditSink{}
	r := newTestRegistry(t, st, NewFakeClock(t0), audit)

	st.failPut.Store(true)
	_, err := r.Revoke(ctx, RevokeRequest{JTI: "jti-1", Reason: "x"})
	assert.ErrorIs(t, err, ErrPersistence)
	assert.False(t, isRevoked(t, r, "jti-1"), "a revocation that was not stored is not applied")
	assert.Len(t, audit.OfType(EventPersistenceFailure), 1)

	st.failPut.Store(false)
	_, err = r.Revoke(ctx, RevokeRequest{JTI: "jti-1", Reason: "x", OriginalExp: t0})
	require.NoError(t, err)

	st.failDelete.Store(true)
	_, err = r.CleanupExpired(ctx, t0.Add(48*time.Hour))
	assert.ErrorIs(t, err, ErrPersistence)
	assert.True(t, isRevoked(t, r, "jti-1"))
}
