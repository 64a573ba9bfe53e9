// Package auth manages the lifecycle of delegated provider credentials.
//
// # Authorization
//
// [Flow] runs the authorization-code grant. [Flow.Begin] mints a random state value, stores it
// bound to the initiating user for a bounded TTL and returns the provider redirect.
// [Flow.Complete] validates the callback (cookie state, stored state, user binding and expiry),
// consumes the state exactly once, exchanges the code, fetches the profile and upserts the
// connection.
//
// # Refresh
//
// [Refresher] returns a usable access token for a user. Tokens expiring within the safety margin
// are refreshed through the provider's refresh_token grant and written back in a single update of
// every token field, so concurrent refreshes end with the values of exactly one response.
// Refresh failures never fall back to the cached token.
//
// # Triggers
//
// [Trigger] composes the three call patterns: the read path ([Trigger.WithToken]) which retries
// once after a provider 401, the on-demand path ([Trigger.ForceRefresh]) and the best-effort
// request hook ([Trigger.Opportunistic]) which logs and swallows every failure.
package auth
