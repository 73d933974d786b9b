// Package auth issues and checks the bearer tokens that guard the API.
//
// Tokens are HS256 JWTs signed with the configured secret and carry one
// of three roles. There is no user store: operators mint tokens offline
// with `homegate -issue-token` and hand them to clients.
//
//	reader    list devices, actionners, protocols, kinds, stats
//	operator  reader + send commands
//	admin     operator + register actionners and devices, read the audit log
package auth
