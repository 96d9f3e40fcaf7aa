package license

import (
	"errors"
	"fmt"
)

// Kind classifies every failure returned by the license subsystem.
type Kind int

const (
	KindUnknown Kind = iota
	KindExpiredToken
	KindMalformedToken
	KindSignatureInvalid
	KindRevokedToken
	KindHardwareMismatch
	KindConnectivityError
	KindKeyUnavailable
	KindLicenseRestricted
	KindBindingLimitExceeded
	KindNotFound
	KindInvalidConfig
	KindPersistenceFailure
)

var kindNames = map[Kind]string{
	KindUnknown:              "unknown",
	KindExpiredToken:         "expired_token",
	KindMalformedToken:       "malformed_token",
	KindSignatureInvalid:     "signature_invalid",
	KindRevokedToken:         "revoked_token",
	KindHardwareMismatch:     "hardware_mismatch",
	KindConnectivityError:    "connectivity_error",
	KindKeyUnavailable:       "key_unavailable",
	KindLicenseRestricted:    "license_restricted",
	KindBindingLimitExceeded: "binding_limit_exceeded",
	KindNotFound:             "not_found",
	KindInvalidConfig:        "invalid_config",
	KindPersistenceFailure:   "persistence_failure",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// Fatal reports whether the kind must be surfaced immediately instead of
// being absorbed into the grace period.
func (k Kind) Fatal() bool {
	switch k {
	case KindConnectivityError:
		return false
	default:
		return true
	}
}

// Error is the typed error returned by every license operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work
// with errors.Is regardless of Op and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrExpiredToken         = &Error{Kind: KindExpiredToken}
	ErrMalformedToken       = &Error{Kind: KindMalformedToken}
	ErrSignatureInvalid     = &Error{Kind: KindSignatureInvalid}
	ErrRevokedToken         = &Error{Kind: KindRevokedToken}
	ErrHardwareMismatch     = &Error{Kind: KindHardwareMismatch}
	ErrConnectivity         = &Error{Kind: KindConnectivityError}
	ErrKeyUnavailable       = &Error{Kind: KindKeyUnavailable}
	ErrLicenseRestricted    = &Error{Kind: KindLicenseRestricted}
	ErrBindingLimitExceeded = &Error{Kind: KindBindingLimitExceeded}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrInvalidConfig        = &Error{Kind: KindInvalidConfig}
	ErrPersistence          = &Error{Kind: KindPersistenceFailure}
)

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindUnknown
}

func newError(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errorf(op string, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}
