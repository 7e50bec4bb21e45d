// Package authclient is the client side of portal authentication.
//
// A Client owns one execution context's view of the session: it logs in,
// persists the token pair across ordered storage backends, renews the access
// token shortly before it expires and notifies observers whenever the
// authentication state changes. Construct one Client per context and pass it
// down; there is no package-level instance.
//
// The cached State is advisory. The server re-validates every request.
package authclient
