// Package password provides credential hashing and verification for the portal.
//
// New hashes are Argon2id in a PHC-like encoded string. Hashes imported from
// the legacy portal are bcrypt ($2a$/$2b$/$2y$) and remain verifiable so users
// can sign in before their credential is rehashed.
//
// Hash strings are treated as untrusted input during Verify and are bounded
// before any expensive work is done.
package password
