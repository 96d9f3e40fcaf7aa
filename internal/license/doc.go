// Package license issues and validates workshop license tokens and keeps
// workshops usable through bounded periods without connectivity.
//
// # Architecture Overview
//
// The package is built from a few components, wired together by Service:
//
//	- KeyStore: RS256 signing keys, rotation by kid, encrypted at rest
//	- TokenService: issue, validate and refresh signed tokens
//	- RevocationRegistry: revoked jtis with write-through persistence
//	- HardwareBinder: machine fingerprints and tolerant comparison
//	- GracePeriodController: Online/Grace/Restricted state per workshop
//	- BindingRegistry: business to workshop bindings with a size limit
//
// # Validation Order
//
// Validate applies its checks in a fixed order and reports the first
// failure:
//
//	1. Structure and RS256 signature against the key named by kid
//	2. nbf and exp
//	3. Revocation of the jti
//	4. Hardware fingerprint at the configured tolerance
//
// An expired token therefore reports ExpiredToken even when it is also
// revoked or bound to other hardware.
//
// # Offline Continuity
//
// A heartbeat attempts an online validation for every tracked workshop.
// Connectivity failures move the workshop into Grace; once the time since
// the last successful validation is strictly greater than the grace
// period the workshop becomes Restricted and Guard refuses privileged
// operations. A later successful validation returns it to Online.
//
// Attempts for one workshop share a single in-flight call, so the
// heartbeat and user-triggered checks cannot interleave transitions.
//
// # Errors
//
// Every operation returns *Error carrying a Kind. Use errors.Is with the
// Err* sentinels or KindOf:
//
//	res := svc.Validate(ctx, token, fp)
//	if errors.Is(res.Err, license.ErrExpiredToken) {
//		// refresh
//	}
//
// Only ConnectivityError is absorbed locally; every other kind is fatal
// to the operation that produced it.
package license
