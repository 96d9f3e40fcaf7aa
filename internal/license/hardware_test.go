package license

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wslicense/internal/security"
)

func TestParseFingerprint(t *testing.T) {
	fp := NewFingerprint(map[string]string{"machine_id": "m1", "hostname": "h1"})
	canonical := fp.String()
	require.True(t, strings.HasPrefix(canonical, "hw1:"+fp.PrimaryHash+":"))

	parsed := ParseFingerprint(canonical)
	assert.Equal(t, fp.PrimaryHash, parsed.PrimaryHash)
	assert.Equal(t, fp.Components, parsed.Components)
	assert.Equal(t, canonical, parsed.String())

	tests := []string{"HW-abc", "hw1:", "hw1:abc", "hw1:abc:", "hw1:abc:name", "hw1:abc:opaque=x", ""}
	for _, raw := range tests {
		t.Run(fmt.Sprintf("opaque %q", raw), func(t *testing.T) {
			fp := ParseFingerprint(raw)
			assert.Equal(t, map[string]string{"opaque": raw}, fp.Components)
			assert.Equal(t, raw, fp.String())
		})
	}
}

func TestPrimaryHashIsOrderIndependent(t *testing.T) {
	a := NewFingerprint(map[string]string{"machine_id": "m1", "hostname": "h1", "platform": "linux"})
	b := NewFingerprint(map[string]string{"platform": "linux", "machine_id": "m1", "hostname": "h1"})
	assert.Equal(t, a.PrimaryHash, b.PrimaryHash)

	c := NewFingerprint(map[string]string{"machine_id": "m1", "hostname": "h2", "platform": "linux"})
	assert.NotEqual(t, a.PrimaryHash, c.PrimaryHash)
}

func TestCompareThresholds(t *testing.T) {
	base := map[string]string{
		"machine_id": "m", "mac_address": "a", "cpu_id": "c", "hostname": "h", "platform": "p",
	}
	withChanges := func(n int) HardwareFingerprint {
		raw := make(map[string]string, len(base))
		i := 0
		for _, name := range []string{"mac_address", "hostname", "cpu_id", "machine_id", "platform"} {
			raw[name] = base[name]
			if i < n {
				raw[name] += "-changed"
			}
			i++
		}
		return NewFingerprint(raw)
	}

	ref := NewFingerprint(base)
	tests := []struct {
		changed               int
		strict, medium, loose bool
	}{
		{0, true, true, true},
		{1, false, true, true},
		{2, false, false, true},
		{3, false, false, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d changed", tt.changed), func(t *testing.T) {
			other := withChanges(tt.changed)
			_, ok := Compare(ref, other, ToleranceStrict)
			assert.Equal(t, tt.strict, ok, "strict")
			_, ok = Compare(ref, other, ToleranceMedium)
			assert.Equal(t, tt.medium, ok, "medium")
			_, ok = Compare(ref, other, ToleranceLoose)
			assert.Equal(t, tt.loose, ok, "loose")
		})
	}

	score, ok := Compare(ParseFingerprint("HW-abc"), ParseFingerprint("HW-abc"), ToleranceStrict)
	assert.Equal(t, 1.0, score)
	assert.True(t, ok)

	score, _ = Compare(ParseFingerprint("HW-abc"), ref, ToleranceLoose)
	assert.Zero(t, score)
}

func TestToleranceMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	names := []string{"machine_id", "mac_address", "cpu_id", "hostname", "platform"}

	random := func() HardwareFingerprint {
		raw := make(map[string]string)
		for _, n := range names {
			if rng.Intn(5) == 0 {
				continue
			}
			raw[n] = fmt.Sprintf("v%d", rng.Intn(2))
		}
		return NewFingerprint(raw)
	}

	for i := 0; i < 2000; i++ {
		a, b := random(), random()
		_, strict := Compare(a, b, ToleranceStrict)
		_, medium := Compare(a, b, ToleranceMedium)
		_, loose := Compare(a, b, ToleranceLoose)
		if strict {
			require.True(t, medium, "strict accepted but medium rejected: %s vs %s", a, b)
		}
		if medium {
			require.True(t, loose, "medium accepted but loose rejected: %s vs %s", a, b)
		}
	}
}

func TestParseToleranceLevel(t *testing.T) {
	for _, s := range []string{"strict", "medium", "loose"} {
		l, err := ParseToleranceLevel(s)
		require.NoError(t, err)
		assert.Equal(t, ToleranceLevel(s), l)
	}
	_, err := ParseToleranceLevel("lenient")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestHardwareBinderCachesForAnHour(t *testing.T) {
	var calls atomic.Int32
	sources := []security.ComponentSource{
		security.SourceFunc{ComponentName: security.ComponentMachineID, Fn: func(context.Context) (string, error) {
			calls.Add(1)
			return "machine-1", nil
		}},
		security.SourceFunc{ComponentName: security.ComponentMAC, Fn: func(context.Context) (string, error) {
			return "", errors.New("no interfaces")
		}},
	}
	clock := NewFakeClock(t0)
	b := NewHardwareBinder(sources, clock, quietLogger())

	ctx := context.Background()
	first, err := b.GenerateFingerprint(ctx)
	require.NoError(t, err)
	assert.Len(t, first.Components, 1, "failed sources are left out")

	clock.Advance(59 * time.Minute)
	second, err := b.GenerateFingerprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(2 * time.Minute)
	_, err = b.GenerateFingerprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	b.ClearCache()
	_, err = b.GenerateFingerprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHardwareBinderNeedsOneComponent(t *testing.T) {
	b := NewHardwareBinder(staticSources(map[string]string{"hostname": ""}), nil, quietLogger())
	_, err := b.GenerateFingerprint(context.Background())
	assert.Error(t, err)
}
