// Package identity owns portal users and their primary credentials.
//
// It exposes the credential lookup used at sign-in (Postgres in production,
// in-memory for development and tests) and the Authenticator that verifies
// an identifier + secret pair without revealing whether the identifier exists.
package identity
