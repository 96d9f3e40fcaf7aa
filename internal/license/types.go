package license

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ToleranceLevel controls how closely two fingerprints must agree.
type ToleranceLevel string

const (
	ToleranceStrict ToleranceLevel = "strict"
	ToleranceMedium ToleranceLevel = "medium"
	ToleranceLoose  ToleranceLevel = "loose"
)

// Threshold is the minimum match score accepted at the level.
func (l ToleranceLevel) Threshold() float64 {
	switch l {
	case ToleranceStrict:
		return 1.0
	case ToleranceLoose:
		return 0.6
	default:
		return 0.8
	}
}

// ParseToleranceLevel validates a configured tolerance name.
func ParseToleranceLevel(s string) (ToleranceLevel, error) {
	switch l := ToleranceLevel(s); l {
	case ToleranceStrict, ToleranceMedium, ToleranceLoose:
		return l, nil
	}
	return "", errorf("parse_tolerance", KindInvalidConfig, "unknown tolerance level %q", s)
}

// State of a workshop's offline continuity.
type State string

const (
	StateOnline     State = "online"
	StateGrace      State = "grace"
	StateRestricted State = "restricted"
)

// Claims is the JWT payload of a license token.
type Claims struct {
	WorkshopCode        string `json:"workshop_code"`
	HardwareFingerprint string `json:"hardware_fingerprint"`
	BusinessName        string `json:"business_name,omitempty"`
	BusinessNameAr      string `json:"business_name_ar,omitempty"`
	OwnerName           string `json:"owner_name,omitempty"`
	OwnerNameAr         string `json:"owner_name_ar,omitempty"`
	jwt.RegisteredClaims
}

// IssueRequest carries the subject data bound into a new token.
type IssueRequest struct {
	WorkshopCode        string `json:"workshop_code" validate:"required,workshop"`
	HardwareFingerprint string `json:"hardware_fingerprint" validate:"required"`
	BusinessName        string `json:"business_name" validate:"max=256"`
	BusinessNameAr      string `json:"business_name_ar" validate:"max=256"`
	OwnerName           string `json:"owner_name" validate:"max=256"`
	OwnerNameAr         string `json:"owner_name_ar" validate:"max=256"`
}

// IssuedToken is returned by Issue and Refresh. ExpiresIn is in seconds.
type IssuedToken struct {
	Token     string    `json:"token"`
	JTI       string    `json:"jti"`
	ExpiresIn int64     `json:"expires_in"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidationResult reports a token check. Err is a *Error when !Valid.
type ValidationResult struct {
	Valid  bool
	Claims *Claims
	Err    error
}

// RevokeRequest asks for a jti to be revoked. OriginalExp may be zero;
// the issued-token ledger fills it in when the jti is known.
type RevokeRequest struct {
	JTI                 string    `json:"jti" validate:"required"`
	Reason              string    `json:"reason" validate:"required,max=512"`
	ReasonAr            string    `json:"reason_ar" validate:"max=512"`
	RevokedBy           string    `json:"revoked_by" validate:"max=128"`
	WorkshopCode        string    `json:"workshop_code"`
	HardwareFingerprint string    `json:"hardware_fingerprint"`
	OriginalExp         time.Time `json:"original_exp"`
}

// RevokedTokenRecord is the persisted revocation of one jti.
type RevokedTokenRecord struct {
	JTI                 string    `json:"jti"`
	Reason              string    `json:"reason"`
	ReasonAr            string    `json:"reason_ar,omitempty"`
	RevokedBy           string    `json:"revoked_by,omitempty"`
	RevokedAt           time.Time `json:"revoked_at"`
	OriginalExp         time.Time `json:"original_exp"`
	WorkshopCode        string    `json:"workshop_code,omitempty"`
	HardwareFingerprint string    `json:"hardware_fingerprint,omitempty"`
}

// IssuedTokenRecord is a ledger entry written for every issued token.
type IssuedTokenRecord struct {
	JTI          string    `json:"jti"`
	WorkshopCode string    `json:"workshop_code"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	ParentJTI    string    `json:"parent_jti,omitempty"`
}

// GracePeriodState is the persisted continuity state of one workshop.
type GracePeriodState struct {
	WorkshopCode             string    `json:"workshop_code"`
	State                    State     `json:"state"`
	Active                   bool      `json:"active"`
	StartTime                time.Time `json:"start_time,omitzero"`
	ExpiryTime               time.Time `json:"expiry_time,omitzero"`
	Reason                   string    `json:"reason,omitempty"`
	HoursOffline             float64   `json:"hours_offline"`
	LastSuccessfulValidation time.Time `json:"last_successful_validation"`
	LastAttempt              time.Time `json:"last_attempt,omitzero"`
	ConsecutiveFailures      int       `json:"consecutive_failures"`
	// HighWater is the latest clock reading seen for this workshop.
	HighWater time.Time `json:"high_water,omitzero"`
}

// Status is the read model returned by GetStatus.
type Status struct {
	WorkshopCode             string    `json:"workshop_code"`
	State                    State     `json:"state"`
	HoursOffline             float64   `json:"hours_offline"`
	HoursRemaining           float64   `json:"hours_remaining"`
	LastSuccessfulValidation time.Time `json:"last_successful_validation"`
	ConsecutiveFailures      int       `json:"consecutive_failures"`
	Reason                   string    `json:"reason,omitempty"`
}

// BusinessBinding ties workshops to one business entity and machine.
type BusinessBinding struct {
	BusinessLicenseNumber string    `json:"business_license_number"`
	WorkshopCodes         []string  `json:"workshop_codes"`
	HardwareFingerprint   string    `json:"hardware_fingerprint"`
	LicenseKeyHash        string    `json:"license_key_hash"`
	BindingDate           time.Time `json:"binding_date"`
}

// BindRequest adds a workshop to a business binding.
type BindRequest struct {
	BusinessLicenseNumber string `json:"business_license_number" validate:"required,max=64"`
	WorkshopCode          string `json:"workshop_code" validate:"required,workshop"`
	HardwareFingerprint   string `json:"hardware_fingerprint" validate:"required"`
	LicenseKey            string `json:"license_key" validate:"required"`
}

func (s Status) String() string {
	return fmt.Sprintf("%s state=%s offline=%.2fh remaining=%.2fh", s.WorkshopCode, s.State, s.HoursOffline, s.HoursRemaining)
}
