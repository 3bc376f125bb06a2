// Package resolver routes a capability request through an ordered list of
// providers. Attempts are strictly sequential: a successful primary attempt
// short-circuits the rest, and when every provider fails the caller receives a
// deterministic degraded result rather than an error.
package resolver
