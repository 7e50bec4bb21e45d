// Package session implements the portal's server-side session and token core.
//
// It issues sessions on sign-in (short-lived signed access token + opaque
// refresh token), validates bearer tokens, rotates refresh tokens with reuse
// detection, and revokes single sessions or every session of a user.
//
// Session state lives in Redis: a hash per session, a refresh-hash index, a
// per-user set and a global expiry index. Every mutating step is a single Lua
// script so no caller can observe two simultaneously valid refresh tokens.
//
// Access tokens are PASETO v4.public by default or HS256 JWTs. Refresh tokens
// are stored hashed (HMAC-SHA256 when PORTAL_TOKEN_HMAC_KEY is set).
package session
