package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"wslicense/internal/security"
	"wslicense/internal/store"
)

// BindingOptions configure a BindingRegistry.
type BindingOptions struct {
	MaxWorkshops int
	Tolerance    ToleranceLevel

	Clock  Clock
	Logger *slog.Logger
	Audit  AuditSink
}

// BindingRegistry ties workshops to a business license and a machine.
type BindingRegistry struct {
	st   store.Store
	opts BindingOptions
	mu   sync.Mutex
}

// NewBindingRegistry returns a registry over st.
func NewBindingRegistry(st store.Store, opts BindingOptions) *BindingRegistry {
	if opts.MaxWorkshops <= 0 {
		opts.MaxWorkshops = 5
	}
	if opts.Tolerance == "" {
		opts.Tolerance = ToleranceMedium
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Audit == nil {
		opts.Audit = SlogAuditSink{Logger: opts.Logger}
	}
	return &BindingRegistry{st: st, opts: opts}
}

// HashLicenseKey is the sha256 hex digest stored instead of the key.
func HashLicenseKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Bind adds req.WorkshopCode to the business binding, creating it on
// first use. Binding an already bound workshop is a no-op.
func (r *BindingRegistry) Bind(ctx context.Context, req BindRequest) (BusinessBinding, error) {
	const op = "binding.bind"
	if req.BusinessLicenseNumber == "" || req.WorkshopCode == "" {
		return BusinessBinding{}, errorf(op, KindMalformedToken, "business_license_number and workshop_code are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	keyHash := HashLicenseKey(req.LicenseKey)
	b, err := r.load(ctx, op, req.BusinessLicenseNumber)
	switch {
	case errors.Is(err, ErrNotFound):
		b = BusinessBinding{
			BusinessLicenseNumber: req.BusinessLicenseNumber,
			HardwareFingerprint:   req.HardwareFingerprint,
			LicenseKeyHash:        keyHash,
			BindingDate:           r.opts.Clock.Now().UTC(),
		}
	case err != nil:
		return BusinessBinding{}, err
	default:
		if !security.SecureCompare([]byte(b.LicenseKeyHash), []byte(keyHash)) {
			return BusinessBinding{}, errorf(op, KindSignatureInvalid, "license key does not match business %s", b.BusinessLicenseNumber)
		}
		if _, ok := Compare(ParseFingerprint(b.HardwareFingerprint), ParseFingerprint(req.HardwareFingerprint), r.opts.Tolerance); !ok {
			return BusinessBinding{}, errorf(op, KindHardwareMismatch, "business %s is bound to another machine", b.BusinessLicenseNumber)
		}
	}

	if slices.Contains(b.WorkshopCodes, req.WorkshopCode) {
		return b, nil
	}
	if len(b.WorkshopCodes) >= r.opts.MaxWorkshops {
		return BusinessBinding{}, errorf(op, KindBindingLimitExceeded, "business %s already has %d of %d workshops",
			b.BusinessLicenseNumber, len(b.WorkshopCodes), r.opts.MaxWorkshops)
	}

	b.WorkshopCodes = append(b.WorkshopCodes, req.WorkshopCode)
	sort.Strings(b.WorkshopCodes)
	if err := r.save(ctx, op, b); err != nil {
		return BusinessBinding{}, err
	}

	r.changed(ctx, b, req.WorkshopCode, "bind")
	return b, nil
}

// Unbind removes workshopCode from a business. The binding itself is
// deleted once no workshop is left.
func (r *BindingRegistry) Unbind(ctx context.Context, business, workshopCode string) error {
	const op = "binding.unbind"

	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.load(ctx, op, business)
	if err != nil {
		return err
	}
	i := slices.Index(b.WorkshopCodes, workshopCode)
	if i < 0 {
		return errorf(op, KindNotFound, "workshop %s is not bound to business %s", workshopCode, business)
	}
	b.WorkshopCodes = slices.Delete(b.WorkshopCodes, i, i+1)

	if len(b.WorkshopCodes) == 0 {
		if err := r.st.Delete(ctx, store.BucketBindings, business); err != nil {
			r.auditPersistence(ctx, business, err)
			return newError(op, KindPersistenceFailure, err)
		}
	} else if err := r.save(ctx, op, b); err != nil {
		return err
	}

	r.changed(ctx, b, workshopCode, "unbind")
	return nil
}

// Get returns the binding of a business.
func (r *BindingRegistry) Get(ctx context.Context, business string) (BusinessBinding, error) {
	return r.load(ctx, "binding.get", business)
}

// List returns every binding ordered by business license number.
func (r *BindingRegistry) List(ctx context.Context) ([]BusinessBinding, error) {
	records, err := r.st.List(ctx, store.BucketBindings)
	if err != nil {
		return nil, newError("binding.list", KindPersistenceFailure, err)
	}
	out := make([]BusinessBinding, 0, len(records))
	for key, data := range records {
		var b BusinessBinding
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, errorf("binding.list", KindPersistenceFailure, "decode %s: %w", key, err)
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusinessLicenseNumber < out[j].BusinessLicenseNumber })
	return out, nil
}

func (r *BindingRegistry) load(ctx context.Context, op, business string) (BusinessBinding, error) {
	var b BusinessBinding
	err := store.GetJSON(ctx, r.st, store.BucketBindings, business, &b)
	if errors.Is(err, store.ErrNotFound) {
		return b, errorf(op, KindNotFound, "business %s has no binding", business)
	}
	if err != nil {
		r.auditPersistence(ctx, business, err)
		return b, newError(op, KindPersistenceFailure, err)
	}
	return b, nil
}

func (r *BindingRegistry) save(ctx context.Context, op string, b BusinessBinding) error {
	if err := store.PutJSON(ctx, r.st, store.BucketBindings, b.BusinessLicenseNumber, b); err != nil {
		r.auditPersistence(ctx, b.BusinessLicenseNumber, err)
		return newError(op, KindPersistenceFailure, err)
	}
	return nil
}

func (r *BindingRegistry) changed(ctx context.Context, b BusinessBinding, workshopCode, action string) {
	r.opts.Audit.Log(ctx, AuditEvent{
		Type:         EventBindingChanged,
		Time:         r.opts.Clock.Now().UTC(),
		WorkshopCode: workshopCode,
		Message:      "Business binding changed",
		Attrs: map[string]string{
			"business_license_number": b.BusinessLicenseNumber,
			"action":                  action,
		},
	})
	logAction(ctx, r.opts.Logger, slog.LevelInfo, "binding_registry", action, "Business binding updated",
		slog.String("business_license_number", b.BusinessLicenseNumber),
		slog.String("workshop_code", workshopCode),
		slog.Int("workshops", len(b.WorkshopCodes)),
		slog.Int("max_workshops", r.opts.MaxWorkshops))
}

func (r *BindingRegistry) auditPersistence(ctx context.Context, business string, err error) {
	r.opts.Audit.Log(ctx, AuditEvent{
		Type:    EventPersistenceFailure,
		Time:    r.opts.Clock.Now().UTC(),
		Kind:    KindPersistenceFailure.String(),
		Message: "Binding store failed: " + err.Error(),
		Attrs:   map[string]string{"business_license_number": business},
	})
}
