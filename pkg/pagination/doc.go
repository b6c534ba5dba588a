// Package pagination walks paginated ESI list endpoints page by page.
//
// Every page is revalidated through the conditional fetch cache: a cached
// ETag is sent as If-None-Match and a 304 replays the cached body, so an
// unchanged page costs one round trip and no transfer. Transient failures
// are retried by the transport (pkg/client); a page that still fails ends
// the fetch with a *client.FetchError.
//
// Example usage:
//
//	fetcher := pagination.NewFetcher(esiClient, cacheManager, pagination.Config{}, logger)
//	records, err := fetcher.Fetch(ctx, "/v1/contracts/public/10000002/", pagination.Options{
//		AllPages:       true,
//		IgnoreNotFound: true,
//	})
//
// Pagination stops at the first of:
//   - the page count advertised in X-Pages
//   - a 204, an empty page, or a 404 when IgnoreNotFound is set
//   - a 304 for a page whose body is no longer cached
//   - Config.MaxPages, when set
package pagination
