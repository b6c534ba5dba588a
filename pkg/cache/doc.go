// Package cache provides the conditional fetch cache used by the paginator.
//
// Each page of a paginated ESI resource is cached under its own key together
// with the ETag that produced it:
//
//	manager := cache.NewManager(redisClient, logger)
//	key := cache.Key("/v1/contracts/public/10000002/", 1)
//
//	header := http.Header{}
//	if entry, ok := manager.Get(ctx, key); ok {
//		cache.AddConditionalHeaders(header, entry)
//	}
//
//	// ... on 200 OK
//	manager.Put(ctx, key, resp.Header.Get("ETag"), body, cache.TTLFromHeaders(resp.Header, time.Now()))
//
// Writes are best effort. A Redis outage degrades every lookup to a miss and
// every write to a no-op; nothing is propagated to the caller.
//
// # TTL
//
// The TTL comes from the Expires header. A missing or unparsable header
// yields DefaultTTL (600s); an Expires that is already due, or closer than
// MinTTL, yields MinTTL (10s).
//
// # Metrics
//
//   - esi_cache_hits_total / esi_cache_misses_total
//   - esi_cache_writes_total
//   - esi_304_responses_total
//   - esi_conditional_requests_total
//   - esi_cache_errors_total{operation}
package cache
