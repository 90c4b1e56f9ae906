// Package cache stores API responses in Redis for conditional revalidation.
//
// The client never serves a cached response blindly. A cached Entry supplies
// the validators (ETag, Last-Modified) for the next request to the same
// resource; when the API answers 304 Not Modified, the cached body is replayed
// and the entry's lifetime is extended.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient)
//
//	key := cache.Key{
//		Host:        "api.example.com",
//		Endpoint:    "/2010-04-01/Accounts/AC123/Messages.json",
//		QueryParams: url.Values{"PageSize": []string{"50"}},
//		Account:     "AC123",
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch from the API
//	}
//
// # Conditional Requests
//
//	if cache.ShouldMakeConditionalRequest(entry) {
//		cache.AddConditionalHeaders(req, entry)
//	}
//
// # Invalidation
//
// A successful write to a resource path makes every cached page of that
// path stale for the writing account:
//
//	n, err := manager.InvalidateCollection(ctx, cache.Key{
//		Host:     "api.example.com",
//		Endpoint: "/2010-04-01/Accounts/AC123/Messages.json",
//		Account:  "AC123",
//	})
//
// # Metrics
//
//   - comms_cache_hits_total{layer="redis"}
//   - comms_cache_misses_total
//   - comms_cache_written_bytes_total{layer="redis"}
//   - comms_cache_invalidations_total
//   - comms_conditional_requests_total
//   - comms_304_responses_total
//   - comms_cache_errors_total{operation}
//
// Entry lifetime comes from the Expires header, else Cache-Control max-age,
// else DefaultTTL.
package cache
