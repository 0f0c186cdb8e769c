// Package auth protects the orchestrator's internal API.
//
// Callers present an HS256 JWT as a bearer token. The token's "sub" claim
// names the caller and its "roles" claim lists what it may do:
//
//   - backend: deliver answers through /api/messages/reply
//   - operator: inject messages and manage sessions
//   - admin: everything
//
// Tokens are minted with the orchestrator's "token" command using the same
// auth.jwt_secret the server verifies with. When no secret is configured the
// API is left open, which is only appropriate on a private network.
package auth
