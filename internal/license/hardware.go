package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"wslicense/internal/security"
)

const (
	fingerprintPrefix = "hw1"
	opaqueComponent   = "opaque"
	fingerprintTTL    = time.Hour
)

// HardwareFingerprint is an aggregate hash over named component hashes.
type HardwareFingerprint struct {
	PrimaryHash string
	Components  map[string]string
}

// String renders the canonical form hw1:<primary>:<name>=<hash>,...
// Opaque fingerprints render as the original string.
func (f HardwareFingerprint) String() string {
	if v, ok := f.Components[opaqueComponent]; ok && len(f.Components) == 1 {
		return v
	}
	names := f.names()
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+"="+f.Components[n])
	}
	return fingerprintPrefix + ":" + f.PrimaryHash + ":" + strings.Join(parts, ",")
}

func (f HardwareFingerprint) names() []string {
	names := make([]string, 0, len(f.Components))
	for n := range f.Components {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ParseFingerprint reads a canonical fingerprint. Any string that is not
// in canonical form is an opaque fingerprint whose single component is
// the string itself.
func ParseFingerprint(s string) HardwareFingerprint {
	if fp, ok := parseCanonical(s); ok {
		return fp
	}
	return HardwareFingerprint{
		PrimaryHash: s,
		Components:  map[string]string{opaqueComponent: s},
	}
}

func parseCanonical(s string) (HardwareFingerprint, bool) {
	prefix, rest, ok := strings.Cut(s, ":")
	if !ok || prefix != fingerprintPrefix {
		return HardwareFingerprint{}, false
	}
	primary, list, ok := strings.Cut(rest, ":")
	if !ok || primary == "" || list == "" {
		return HardwareFingerprint{}, false
	}

	components := make(map[string]string)
	for _, pair := range strings.Split(list, ",") {
		name, hash, ok := strings.Cut(pair, "=")
		if !ok || name == "" || hash == "" || name == opaqueComponent {
			return HardwareFingerprint{}, false
		}
		components[name] = hash
	}
	return HardwareFingerprint{PrimaryHash: primary, Components: components}, true
}

// NewFingerprint builds a canonical fingerprint from raw component values.
func NewFingerprint(raw map[string]string) HardwareFingerprint {
	components := make(map[string]string, len(raw))
	for name, value := range raw {
		components[name] = hashHex(value)
	}
	fp := HardwareFingerprint{Components: components}
	fp.PrimaryHash = primaryHash(fp)
	return fp
}

func primaryHash(fp HardwareFingerprint) string {
	var b strings.Builder
	for _, n := range fp.names() {
		b.WriteString(n)
		b.WriteByte('=')
		b.WriteString(fp.Components[n])
		b.WriteByte('\n')
	}
	return hashHex(b.String())
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Score is the fraction of component names, over the union of both
// fingerprints, whose hashes agree.
func Score(a, b HardwareFingerprint) float64 {
	union := make(map[string]struct{}, len(a.Components)+len(b.Components))
	for n := range a.Components {
		union[n] = struct{}{}
	}
	for n := range b.Components {
		union[n] = struct{}{}
	}
	if len(union) == 0 {
		return 0
	}

	matching := 0
	for n := range union {
		av, aok := a.Components[n]
		bv, bok := b.Components[n]
		if aok && bok && av == bv {
			matching++
		}
	}
	return float64(matching) / float64(len(union))
}

// Compare scores two fingerprints and applies the tolerance threshold.
// Thresholds are ordered strict > medium > loose, so acceptance is
// monotonic across levels.
func Compare(a, b HardwareFingerprint, level ToleranceLevel) (float64, bool) {
	score := Score(a, b)
	return score, score >= level.Threshold()
}

// HardwareBinder computes this machine's fingerprint from pluggable
// component sources and caches it for an hour.
type HardwareBinder struct {
	sources []security.ComponentSource
	clock   Clock
	logger  *slog.Logger

	mu       sync.RWMutex
	cached   *HardwareFingerprint
	cachedAt time.Time
}

// NewHardwareBinder builds a binder over sources. A nil clock means the
// system clock.
func NewHardwareBinder(sources []security.ComponentSource, clock Clock, logger *slog.Logger) *HardwareBinder {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HardwareBinder{sources: sources, clock: clock, logger: logger}
}

// GenerateFingerprint collects, hashes and aggregates the component
// values. Sources that fail are left out; at least one must succeed.
func (b *HardwareBinder) GenerateFingerprint(ctx context.Context) (HardwareFingerprint, error) {
	now := b.clock.Now()

	b.mu.RLock()
	if b.cached != nil && now.Sub(b.cachedAt) < fingerprintTTL {
		fp := *b.cached
		b.mu.RUnlock()
		return fp, nil
	}
	b.mu.RUnlock()

	raw := make(map[string]string, len(b.sources))
	for _, src := range b.sources {
		v, err := src.Value(ctx)
		if err != nil || v == "" {
			if err == nil {
				err = errors.New("empty value")
			}
			b.logger.WarnContext(ctx, "Hardware component unavailable",
				slog.String("component", src.Name()),
				slog.String("error", err.Error()))
			continue
		}
		raw[src.Name()] = v
	}
	if len(raw) == 0 {
		return HardwareFingerprint{}, errorf("generate_fingerprint", KindUnknown, "no hardware components available")
	}

	fp := NewFingerprint(raw)

	b.mu.Lock()
	b.cached = &fp
	b.cachedAt = now
	b.mu.Unlock()

	b.logger.InfoContext(ctx, "Hardware fingerprint generated",
		slog.String("primary_hash", shortHash(fp.PrimaryHash)),
		slog.Int("components", len(fp.Components)))

	return fp, nil
}

// ClearCache forces the next GenerateFingerprint to re-collect.
func (b *HardwareBinder) ClearCache() {
	b.mu.Lock()
	b.cached = nil
	b.mu.Unlock()
}
