// Package api implements the HTTP REST API and WebSocket event stream for
// homegate.
//
// This package provides:
//   - the registry operations (list and register devices and actionners,
//     list protocols and kinds)
//   - device commands, routed through the dispatcher
//   - a WebSocket hub broadcasting registrations and command results
//   - JWT bearer authentication with role permissions, and rate limiting
//   - the Prometheus scrape endpoint
//
// # Errors
//
// Every error body has the shape {"status", "code", "message"}. Failures
// from the core packages are mapped by fault kind: not_found is 404,
// already_exists 409, invalid_argument 400, unavailable 503, timeout 504,
// resource_exhausted 507 and cancelled 499. Anything else is a 500.
//
// # Security
//
// With security.auth_enabled off every route is open. When on, each
// /api/v1 route except /health requires "Authorization: Bearer <token>".
// Browsers cannot set headers on a WebSocket upgrade, so /ws also accepts
// the token as the "token" query parameter.
package api
