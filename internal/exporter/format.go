package exporter

import (
	"time"

	"wslicense/internal/license"
)

// RevocationHeaders is the column order of every revocation export.
var RevocationHeaders = []string{
	"jti",
	"workshop_code",
	"reason",
	"reason_ar",
	"revoked_by",
	"revoked_at",
	"original_exp",
	"hardware_fingerprint",
}

// formatTime renders t as RFC 3339 in UTC; the zero time is empty.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func revocationRow(r license.RevokedTokenRecord) []string {
	return []string{
		r.JTI,
		r.WorkshopCode,
		r.Reason,
		r.ReasonAr,
		r.RevokedBy,
		formatTime(r.RevokedAt),
		formatTime(r.OriginalExp),
		r.HardwareFingerprint,
	}
}
