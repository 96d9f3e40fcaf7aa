// Package http implements the HTTP surface of the license service.
// Handlers are thin: they decode and validate requests, call the license
// facade and render either JSON or an RFC 7807 problem document.
//
// # Routes
//
// Public, used by workshop clients:
//
//	POST /api/license/validate              token + fingerprint check
//	POST /api/license/refresh               exchange a token for a new one
//	GET  /api/license/status/{workshop}     grace-period status
//	GET  /api/license/keys                  verification keys as JWKs
//	GET  /ws/license                        status stream for the token's workshop
//
// Operator, behind the admin bearer token:
//
//	POST   /api/license/issue
//	POST   /api/license/revoke
//	GET    /api/license/revocations?format=json|csv|xlsx
//	POST   /api/license/keys/rotate
//	GET    /api/license/statuses
//	POST   /api/license/status/{workshop}/check
//	POST   /api/license/status/{workshop}/report   success | connectivity_failure
//	DELETE /api/license/status/{workshop}
//	POST   /api/license/bindings
//	GET    /api/license/bindings[/{business}]
//	DELETE /api/license/bindings/{business}/{workshop}
//	GET    /ws/license/all
//
// # Errors
//
// License failures carry a "kind" extension (for example
// "revoked_token") so remote validators can map the response back to
// the same error kind.
package http
