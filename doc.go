// Package querysync keeps remote API data in a client-side query cache.
//
// The building blocks:
//
//   - QueryKey: structural identity of a query. Keys are ordered segment
//     lists, so invalidating a prefix invalidates every key under it.
//   - SessionResolver: the current user's bearer token, resolved again for
//     every request so a token refresh or user switch is seen at once.
//   - Client: an authenticated JSON transport that never sends a request
//     without a live session and maps failures onto typed errors.
//   - QueryCache: per-key entries with in-flight de-duplication, stale
//     times, garbage collection of unused entries and a generation guard
//     that drops results of superseded fetches.
//   - Binding: a typed, channel-friendly view of one query.
//
// Client middleware can rate limit requests (RateLimitMiddleware) or stop
// calling a failing backend (CircuitBreakerMiddleware).
//
// Typical usage:
//
//	store := querysync.NewSessionStore(nil)
//	client := querysync.NewClient("https://tasks.example.com/api", store)
//	cache := querysync.NewQueryCache(querysync.WithGCTime(time.Minute))
//	store.OnChange(func(prev, next *querysync.Session) { cache.Reset() })
//
//	workspaces := querysync.Bind(cache, querysync.Key("workspace", "my", "m"),
//	    func(ctx context.Context) ([]Workspace, error) {
//	        return querysync.DoJSON[[]Workspace](ctx, client, http.MethodGet, "/workspaces/v1/own-workspaces", nil)
//	    })
//	defer workspaces.Close()
//	for view := range workspaces.Updates() {
//	    render(view)
//	}
//
// Fetch failures are stored on the entry, never returned from Subscribe.
// A failed refetch keeps the previous data. An expired session (HTTP 401) is
// retried exactly once; every other retry is opt-in through a RetryPolicy.
package querysync
