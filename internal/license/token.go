package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"wslicense/internal/store"
)

// TokenOptions configure a TokenService.
type TokenOptions struct {
	Issuer          string
	Audience        string
	Validity        time.Duration
	RefreshWindow   time.Duration
	Tolerance       ToleranceLevel
	RevokeOnRefresh bool
	// Guard, when set, can refuse a refresh for a workshop.
	Guard func(workshopCode string) error

	Clock   Clock
	Logger  *slog.Logger
	Metrics *Metrics
	Audit   AuditSink
}

// TokenService issues, validates and refreshes RS256 license tokens.
type TokenService struct {
	keys        *KeyStore
	revocations *RevocationRegistry
	ledger      store.Store
	opts        TokenOptions
	parser      *jwt.Parser
}

// NewTokenService wires a TokenService. Zero-valued options take the
// documented defaults.
func NewTokenService(keys *KeyStore, revocations *RevocationRegistry, ledger store.Store, opts TokenOptions) *TokenService {
	if opts.Validity <= 0 {
		opts.Validity = 24 * time.Hour
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
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics()
	}
	if opts.Audit == nil {
		opts.Audit = SlogAuditSink{Logger: opts.Logger}
	}

	return &TokenService{
		keys:        keys,
		revocations: revocations,
		ledger:      ledger,
		opts:        opts,
		// time claims are checked by hand so the failure order is fixed
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
}

// Issue signs a new token for req with a fresh jti.
func (s *TokenService) Issue(ctx context.Context, req IssueRequest) (IssuedToken, error) {
	ctx, span := startSpan(ctx, "license.issue", attribute.String("workshop_code", req.WorkshopCode))
	tok, err := s.issue(ctx, "token.issue", req, "")
	endSpan(span, err)
	if err != nil {
		return IssuedToken{}, err
	}

	s.opts.Metrics.TokensIssued.Add(ctx, 1)
	s.opts.Audit.Log(ctx, AuditEvent{
		Type:         EventTokenIssued,
		Time:         s.opts.Clock.Now().UTC(),
		WorkshopCode: req.WorkshopCode,
		JTI:          tok.JTI,
		Message:      "License token issued",
	})
	return tok, nil
}

func (s *TokenService) issue(ctx context.Context, op string, req IssueRequest, parentJTI string) (IssuedToken, error) {
	if req.WorkshopCode == "" || req.HardwareFingerprint == "" {
		return IssuedToken{}, errorf(op, KindMalformedToken, "workshop_code and hardware_fingerprint are required")
	}

	kp, err := s.keys.Active()
	if err != nil {
		return IssuedToken{}, newError(op, KindKeyUnavailable, err)
	}

	now := s.opts.Clock.Now()
	jti := uuid.NewString()
	iat := jwt.NewNumericDate(now)
	exp := jwt.NewNumericDate(now.Add(s.opts.Validity))

	claims := Claims{
		WorkshopCode:        req.WorkshopCode,
		HardwareFingerprint: req.HardwareFingerprint,
		BusinessName:        req.BusinessName,
		BusinessNameAr:      req.BusinessNameAr,
		OwnerName:           req.OwnerName,
		OwnerNameAr:         req.OwnerNameAr,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.opts.Issuer,
			Subject:   req.WorkshopCode,
			Audience:  jwt.ClaimStrings{s.opts.Audience},
			ExpiresAt: exp,
			IssuedAt:  iat,
			NotBefore: iat,
			ID:        jti,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kp.Kid
	signed, err := token.SignedString(kp.PrivateKey)
	if err != nil {
		return IssuedToken{}, newError(op, KindKeyUnavailable, err)
	}

	rec := IssuedTokenRecord{
		JTI:          jti,
		WorkshopCode: req.WorkshopCode,
		IssuedAt:     iat.Time.UTC(),
		ExpiresAt:    exp.Time.UTC(),
		ParentJTI:    parentJTI,
	}
	if err := store.PutJSON(ctx, s.ledger, store.BucketIssued, jti, rec); err != nil {
		s.opts.Audit.Log(ctx, AuditEvent{
			Type:         EventPersistenceFailure,
			Time:         now.UTC(),
			WorkshopCode: req.WorkshopCode,
			JTI:          jti,
			Kind:         KindPersistenceFailure.String(),
			Message:      "Issued-token ledger write failed: " + err.Error(),
		})
		return IssuedToken{}, newError(op, KindPersistenceFailure, err)
	}

	logAction(ctx, s.opts.Logger, slog.LevelInfo, "token_service", "issue", "License token issued",
		slog.String("workshop_code", req.WorkshopCode),
		slog.String("jti", jti),
		slog.String("kid", kp.Kid),
		slog.String("fingerprint_hash", shortHash(req.HardwareFingerprint)),
		slog.Time("expires_at", exp.Time))

	return IssuedToken{
		Token:     signed,
		JTI:       jti,
		ExpiresIn: int64(exp.Time.Sub(now).Seconds()),
		ExpiresAt: exp.Time.UTC(),
	}, nil
}

// Validate runs, in order: signature, nbf/exp, revocation, hardware
// match. The first failing step decides the error kind.
func (s *TokenService) Validate(ctx context.Context, token, fingerprint string) ValidationResult {
	start := time.Now()
	ctx, span := startSpan(ctx, "license.validate")

	claims, err := s.check(ctx, "token.validate", token, fingerprint, 0)
	endSpan(span, err)

	result := "valid"
	if err != nil {
		result = KindOf(err).String()
	}
	s.opts.Metrics.Validations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	s.opts.Metrics.ValidationDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		s.reject(ctx, claims, err)
		return ValidationResult{Valid: false, Claims: claims, Err: err}
	}
	return ValidationResult{Valid: true, Claims: claims}
}

// Refresh issues a successor for a token that is valid or expired by no
// more than the refresh window. The predecessor stays valid unless
// RevokeOnRefresh is set.
func (s *TokenService) Refresh(ctx context.Context, token, fingerprint string) (IssuedToken, error) {
	const op = "token.refresh"
	ctx, span := startSpan(ctx, "license.refresh")

	claims, err := s.check(ctx, op, token, fingerprint, s.opts.RefreshWindow)
	if err != nil {
		endSpan(span, err)
		s.reject(ctx, claims, err)
		return IssuedToken{}, err
	}
	if s.opts.Guard != nil {
		if err := s.opts.Guard(claims.WorkshopCode); err != nil {
			endSpan(span, err)
			return IssuedToken{}, err
		}
	}

	next, err := s.issue(ctx, op, IssueRequest{
		WorkshopCode:        claims.WorkshopCode,
		HardwareFingerprint: claims.HardwareFingerprint,
		BusinessName:        claims.BusinessName,
		BusinessNameAr:      claims.BusinessNameAr,
		OwnerName:           claims.OwnerName,
		OwnerNameAr:         claims.OwnerNameAr,
	}, claims.ID)
	if err != nil {
		endSpan(span, err)
		return IssuedToken{}, err
	}

	if s.opts.RevokeOnRefresh {
		_, err := s.revocations.Revoke(ctx, RevokeRequest{
			JTI:                 claims.ID,
			Reason:              "superseded by refresh",
			RevokedBy:           "system",
			WorkshopCode:        claims.WorkshopCode,
			HardwareFingerprint: claims.HardwareFingerprint,
			OriginalExp:         claims.ExpiresAt.Time,
		})
		if err != nil {
			endSpan(span, err)
			return IssuedToken{}, err
		}
	}
	endSpan(span, nil)

	s.opts.Metrics.TokensRefreshed.Add(ctx, 1)
	s.opts.Audit.Log(ctx, AuditEvent{
		Type:         EventTokenRefreshed,
		Time:         s.opts.Clock.Now().UTC(),
		WorkshopCode: claims.WorkshopCode,
		JTI:          next.JTI,
		Message:      "License token refreshed",
		Attrs:        map[string]string{"parent_jti": claims.ID},
	})
	return next, nil
}

// check verifies token and returns its claims. expiredAllowance lets a
// token pass the exp check while now - exp <= allowance.
func (s *TokenService) check(ctx context.Context, op, token, fingerprint string, expiredAllowance time.Duration) (*Claims, error) {
	// (1) structure and signature
	claims := &Claims{}
	keyFunc := func(t *jwt.Token) (interface{}, error) { return s.keyFunc(ctx, t) }
	if _, err := s.parser.ParseWithClaims(token, claims, keyFunc); err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, newError(op, KindMalformedToken, err)
		}
		if errors.Is(err, ErrPersistence) {
			return nil, newError(op, KindPersistenceFailure, err)
		}
		return nil, newError(op, KindSignatureInvalid, err)
	}
	if err := s.checkRequired(claims); err != nil {
		return claims, newError(op, KindMalformedToken, err)
	}

	// (2) time window
	now := s.opts.Clock.Now()
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return claims, errorf(op, KindMalformedToken, "token not valid before %s", claims.NotBefore.Time.UTC().Format(time.RFC3339))
	}
	exp := claims.ExpiresAt.Time
	if !now.Before(exp) && (expiredAllowance <= 0 || now.Sub(exp) > expiredAllowance) {
		return claims, errorf(op, KindExpiredToken, "token expired at %s", exp.UTC().Format(time.RFC3339))
	}

	// (3) revocation
	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return claims, err
	}
	if revoked {
		return claims, errorf(op, KindRevokedToken, "jti %s is revoked", claims.ID)
	}

	// (4) hardware binding
	score, ok := Compare(ParseFingerprint(claims.HardwareFingerprint), ParseFingerprint(fingerprint), s.opts.Tolerance)
	if !ok {
		s.opts.Metrics.FingerprintMismatches.Add(ctx, 1)
		return claims, errorf(op, KindHardwareMismatch, "fingerprint score %.2f below %s threshold %.2f",
			score, s.opts.Tolerance, s.opts.Tolerance.Threshold())
	}

	return claims, nil
}

func (s *TokenService) checkRequired(c *Claims) error {
	switch {
	case c.ID == "":
		return errors.New("missing jti")
	case c.ExpiresAt == nil:
		return errors.New("missing exp")
	case c.WorkshopCode == "":
		return errors.New("missing workshop_code")
	case c.HardwareFingerprint == "":
		return errors.New("missing hardware_fingerprint")
	case s.opts.Issuer != "" && c.Issuer != s.opts.Issuer:
		return fmt.Errorf("unexpected issuer %q", c.Issuer)
	}
	if s.opts.Audience != "" {
		for _, aud := range c.Audience {
			if aud == s.opts.Audience {
				return nil
			}
		}
		return fmt.Errorf("audience %v does not include %q", []string(c.Audience), s.opts.Audience)
	}
	return nil
}

func (s *TokenService) keyFunc(ctx context.Context, t *jwt.Token) (interface{}, error) {
	if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("missing kid header")
	}
	return s.keys.PublicKey(ctx, kid)
}

func (s *TokenService) reject(ctx context.Context, claims *Claims, err error) {
	kind := KindOf(err)
	e := AuditEvent{
		Type:    EventTokenRejected,
		Time:    s.opts.Clock.Now().UTC(),
		Kind:    kind.String(),
		Message: "License token rejected",
	}
	if claims != nil {
		e.WorkshopCode = claims.WorkshopCode
		e.JTI = claims.ID
	}
	s.opts.Audit.Log(ctx, e)

	logAction(ctx, s.opts.Logger, slog.LevelWarn, "token_service", "validate", "License token rejected",
		slog.String("kind", kind.String()),
		slog.String("workshop_code", e.WorkshopCode),
		slog.String("jti", e.JTI),
		errAttr(err))
}

// Ledger returns the issued-token record for jti.
func (s *TokenService) Ledger(ctx context.Context, jti string) (IssuedTokenRecord, error) {
	var rec IssuedTokenRecord
	err := store.GetJSON(ctx, s.ledger, store.BucketIssued, jti, &rec)
	if errors.Is(err, store.ErrNotFound) {
		return rec, errorf("token.ledger", KindNotFound, "jti %s was not issued here", jti)
	}
	if err != nil {
		return rec, newError("token.ledger", KindPersistenceFailure, err)
	}
	return rec, nil
}

// PruneLedger drops ledger entries for tokens that can no longer be
// refreshed.
func (s *TokenService) PruneLedger(ctx context.Context, now time.Time) (int, error) {
	records, err := s.ledger.List(ctx, store.BucketIssued)
	if err != nil {
		return 0, newError("token.prune_ledger", KindPersistenceFailure, err)
	}
	pruned := 0
	for jti, data := range records {
		var rec IssuedTokenRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.ExpiresAt.Add(s.opts.RefreshWindow).Before(now) {
			if err := s.ledger.Delete(ctx, store.BucketIssued, jti); err != nil {
				return pruned, newError("token.prune_ledger", KindPersistenceFailure, err)
			}
			pruned++
		}
	}
	return pruned, nil
}
