package license

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"wslicense/internal/config"
	"wslicense/internal/security"
	"wslicense/internal/store"
)

// Options wire a Service. Only Config and Store are required.
type Options struct {
	Config config.LicenseConfig
	Store  store.Store

	// Sources feed the HardwareBinder; nil means security.DefaultSources.
	Sources []security.ComponentSource
	// Validator and Checker override the online check. By default a
	// configured license server URL selects the remote validator with an
	// HTTP checker, otherwise tokens are checked locally.
	Validator  OnlineValidator
	Checker    ConnectivityChecker
	HTTPClient *http.Client

	Clock  Clock
	Logger *slog.Logger
	Meter  metric.Meter
	Audit  AuditSink
	// ReadOnlyKeys stops the key store from generating a key.
	ReadOnlyKeys bool
}

// Service is the license facade. It is built once and passed to the
// transports; it holds no package-level state.
type Service struct {
	cfg         config.LicenseConfig
	keys        *KeyStore
	revocations *RevocationRegistry
	tokens      *TokenService
	hardware    *HardwareBinder
	grace       *GracePeriodController
	bindings    *BindingRegistry

	clock   Clock
	logger  *slog.Logger
	audit   AuditSink
	metrics *Metrics
}

// New builds every license component over opts.Store.
func New(ctx context.Context, opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errorf("service.new", KindInvalidConfig, "store is required")
	}
	tolerance, err := ParseToleranceLevel(opts.Config.HardwareToleranceLevel)
	if err != nil {
		return nil, err
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
	if opts.Sources == nil {
		opts.Sources = security.DefaultSources(opts.Config.Issuer)
	}
	metrics, err := NewMetrics(opts.Meter)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:     opts.Config,
		clock:   opts.Clock,
		logger:  opts.Logger,
		audit:   opts.Audit,
		metrics: metrics,
	}

	s.keys, err = NewKeyStore(ctx, opts.Store, KeyStoreOptions{
		Passphrase: opts.Config.KeyPassphrase,
		Clock:      opts.Clock,
		Logger:     opts.Logger,
		ReadOnly:   opts.ReadOnlyKeys,
	})
	if err != nil {
		s.auditFailure(ctx, "keystore", err)
		return nil, err
	}

	s.revocations, err = NewRevocationRegistry(ctx, opts.Store, RevocationOptions{
		Audit:     opts.Audit,
		Clock:     opts.Clock,
		Logger:    opts.Logger,
		Metrics:   metrics,
		Retention: opts.Config.RefreshWindow(),
	})
	if err != nil {
		return nil, err
	}

	s.tokens = NewTokenService(s.keys, s.revocations, opts.Store, TokenOptions{
		Issuer:          opts.Config.Issuer,
		Audience:        opts.Config.Audience,
		Validity:        opts.Config.TokenValidity(),
		RefreshWindow:   opts.Config.RefreshWindow(),
		Tolerance:       tolerance,
		RevokeOnRefresh: opts.Config.RevokeOnRefresh,
		Guard:           s.Guard,
		Clock:           opts.Clock,
		Logger:          opts.Logger,
		Metrics:         metrics,
		Audit:           opts.Audit,
	})

	s.hardware = NewHardwareBinder(opts.Sources, opts.Clock, opts.Logger)
	s.bindings = NewBindingRegistry(opts.Store, BindingOptions{
		MaxWorkshops: opts.Config.MaxWorkshopsPerBusiness,
		Tolerance:    tolerance,
		Clock:        opts.Clock,
		Logger:       opts.Logger,
		Audit:        opts.Audit,
	})

	validator, checker := opts.Validator, opts.Checker
	switch {
	case validator != nil:
	case opts.Config.LicenseServerURL != "":
		validator = NewRemoteValidator(opts.Config.LicenseServerURL, opts.HTTPClient)
		if checker == nil {
			checker = NewHTTPChecker(opts.Config.LicenseServerURL, opts.HTTPClient)
		}
	default:
		validator = LocalValidator{Tokens: s.tokens}
	}

	s.grace, err = NewGracePeriodController(ctx, opts.Store, validator, checker, GraceOptions{
		GracePeriod:       opts.Config.GracePeriod(),
		HeartbeatInterval: opts.Config.HeartbeatInterval(),
		OnlineTimeout:     opts.Config.OnlineTimeout,
		RollbackPolicy:    RollbackPolicy(opts.Config.ClockRollbackPolicy),
		Clock:             opts.Clock,
		Logger:            opts.Logger,
		Metrics:           metrics,
		Audit:             opts.Audit,
	})
	if err != nil {
		return nil, err
	}

	opts.Logger.InfoContext(ctx, "License service initialized",
		slog.String("tolerance", string(tolerance)),
		slog.Duration("grace_period", opts.Config.GracePeriod()),
		slog.Bool("remote_validation", opts.Config.LicenseServerURL != ""))
	return s, nil
}

// Issue signs a token for a workshop that is not restricted.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (IssuedToken, error) {
	if err := s.Guard(req.WorkshopCode); err != nil {
		return IssuedToken{}, err
	}
	return s.tokens.Issue(ctx, req)
}

// Validate checks token locally. A valid token registers its workshop
// with the grace controller so the heartbeat keeps checking it online;
// failing to persist that registration fails the validation.
func (s *Service) Validate(ctx context.Context, token, fingerprint string) ValidationResult {
	res := s.tokens.Validate(ctx, token, fingerprint)
	if !res.Valid {
		return res
	}
	if err := s.grace.Track(ctx, res.Claims.WorkshopCode, token, fingerprint); err != nil {
		s.logger.ErrorContext(ctx, "Failed to track workshop",
			slog.String("workshop_code", res.Claims.WorkshopCode),
			errAttr(err))
		return ValidationResult{Claims: res.Claims, Err: err}
	}
	return res
}

// Refresh issues a successor token. Restricted workshops cannot refresh.
func (s *Service) Refresh(ctx context.Context, token, fingerprint string) (IssuedToken, error) {
	return s.tokens.Refresh(ctx, token, fingerprint)
}

// Revoke revokes req.JTI. Missing original_exp and workshop_code come
// from the issued-token ledger; a jti this instance never issued gets the
// latest expiry it could have, now + validity + refresh window.
func (s *Service) Revoke(ctx context.Context, req RevokeRequest) (RevokedTokenRecord, error) {
	if req.OriginalExp.IsZero() || req.WorkshopCode == "" {
		rec, err := s.tokens.Ledger(ctx, req.JTI)
		switch {
		case err == nil:
			if req.OriginalExp.IsZero() {
				req.OriginalExp = rec.ExpiresAt
			}
			if req.WorkshopCode == "" {
				req.WorkshopCode = rec.WorkshopCode
			}
		case errors.Is(err, ErrNotFound):
			if req.OriginalExp.IsZero() {
				req.OriginalExp = s.clock.Now().Add(s.cfg.TokenValidity() + s.cfg.RefreshWindow())
			}
		default:
			s.auditFailure(ctx, "ledger", err)
			return RevokedTokenRecord{}, err
		}
	}
	if req.RevokedBy == "" {
		req.RevokedBy = "admin"
	}
	return s.revocations.Revoke(ctx, req)
}

// GetStatus returns the offline continuity status of a workshop.
func (s *Service) GetStatus(ctx context.Context, workshopCode string) (Status, error) {
	return s.grace.Status(workshopCode)
}

// Statuses lists every tracked workshop.
func (s *Service) Statuses() []Status {
	return s.grace.Statuses()
}

// Check runs an online validation for workshopCode now. It shares the
// heartbeat's single-flight slot.
func (s *Service) Check(ctx context.Context, workshopCode string) (Status, error) {
	return s.grace.Attempt(ctx, workshopCode)
}

// ReportSuccess records an online validation of workshopCode that the
// caller performed outside the heartbeat.
func (s *Service) ReportSuccess(ctx context.Context, workshopCode string) (Status, error) {
	return s.grace.RecordSuccess(ctx, workshopCode)
}

// ReportFailure records a failed online validation of workshopCode. Only
// a connectivity cause moves the workshop toward Restricted; any other
// cause is returned unchanged.
func (s *Service) ReportFailure(ctx context.Context, workshopCode string, cause error) (Status, error) {
	return s.grace.RecordFailure(ctx, workshopCode, cause)
}

// Untrack stops offline tracking of workshopCode and drops its state.
func (s *Service) Untrack(ctx context.Context, workshopCode string) error {
	if _, err := s.grace.Status(workshopCode); err != nil {
		return err
	}
	return s.grace.Untrack(ctx, workshopCode)
}

// Guard returns LicenseRestricted when privileged operations are
// disabled for workshopCode.
func (s *Service) Guard(workshopCode string) error {
	if s.grace == nil {
		return nil
	}
	return s.grace.Guard(workshopCode)
}

// Bind adds a workshop to a business binding.
func (s *Service) Bind(ctx context.Context, req BindRequest) (BusinessBinding, error) {
	if err := s.Guard(req.WorkshopCode); err != nil {
		return BusinessBinding{}, err
	}
	return s.bindings.Bind(ctx, req)
}

// Unbind removes a workshop from a business binding.
func (s *Service) Unbind(ctx context.Context, business, workshopCode string) error {
	return s.bindings.Unbind(ctx, business, workshopCode)
}

// GetBinding returns a business binding.
func (s *Service) GetBinding(ctx context.Context, business string) (BusinessBinding, error) {
	return s.bindings.Get(ctx, business)
}

// Bindings lists every business binding.
func (s *Service) Bindings(ctx context.Context) ([]BusinessBinding, error) {
	return s.bindings.List(ctx)
}

// RotateKeys makes a fresh key pair active.
func (s *Service) RotateKeys(ctx context.Context) (*KeyPair, error) {
	prev, _ := s.keys.Active()
	kp, err := s.keys.Rotate(ctx)
	if err != nil {
		s.auditFailure(ctx, "rotate", err)
		return nil, err
	}

	attrs := map[string]string{"kid": kp.Kid}
	if prev != nil {
		attrs["previous_kid"] = prev.Kid
	}
	s.audit.Log(ctx, AuditEvent{
		Type:    EventKeyRotated,
		Time:    s.clock.Now().UTC(),
		Message: "Signing key rotated",
		Attrs:   attrs,
	})
	return kp, nil
}

// PublicKeys returns the verification keys in JWK form.
func (s *Service) PublicKeys() []JWK {
	return s.keys.PublicJWKs()
}

// Revocations lists every revocation record.
func (s *Service) Revocations() []RevokedTokenRecord {
	return s.revocations.List()
}

// Fingerprint computes this machine's hardware fingerprint.
func (s *Service) Fingerprint(ctx context.Context) (HardwareFingerprint, error) {
	return s.hardware.GenerateFingerprint(ctx)
}

// AddRestrictionHook registers h with the grace controller.
func (s *Service) AddRestrictionHook(h RestrictionHook) {
	s.grace.AddHook(h)
}

// Subscribe streams status changes to fn, which must not block.
func (s *Service) Subscribe(fn func(Status)) {
	s.grace.Subscribe(fn)
}

// Housekeep drops revocations and ledger entries for tokens that can no
// longer validate or refresh.
func (s *Service) Housekeep(ctx context.Context) error {
	now := s.clock.Now()
	if _, err := s.revocations.CleanupExpired(ctx, now); err != nil {
		return err
	}
	_, err := s.tokens.PruneLedger(ctx, now)
	return err
}

// Sync rereads keys and revocations from the store, picking up changes
// another process sharing it made, such as licensectl.
func (s *Service) Sync(ctx context.Context) error {
	if err := s.keys.Reload(ctx); err != nil {
		s.auditFailure(ctx, "key reload", err)
		return err
	}
	return s.revocations.Reload(ctx)
}

// Run supervises the heartbeat, store sync and housekeeping loops until
// ctx is done. The first failing loop stops the others.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.grace.Run(ctx)
	})

	g.Go(func() error {
		interval := s.cfg.HeartbeatInterval()
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := s.Sync(ctx); err != nil {
					s.logger.ErrorContext(ctx, "License store sync failed", errAttr(err))
				}
			}
		}
	})

	g.Go(func() error {
		interval := s.cfg.RevocationCleanupInterval
		if interval <= 0 {
			interval = 24 * time.Hour
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := s.Housekeep(ctx); err != nil {
					s.logger.ErrorContext(ctx, "License housekeeping failed", errAttr(err))
				}
			}
		}
	})

	return g.Wait()
}

// Close stops the heartbeat, waiting at most until ctx expires.
func (s *Service) Close(ctx context.Context) error {
	return s.grace.Stop(ctx)
}

func (s *Service) auditFailure(ctx context.Context, action string, err error) {
	if KindOf(err) != KindPersistenceFailure {
		return
	}
	s.audit.Log(ctx, AuditEvent{
		Type:    EventPersistenceFailure,
		Time:    s.clock.Now().UTC(),
		Kind:    KindPersistenceFailure.String(),
		Message: "License " + action + " failed: " + err.Error(),
	})
}
