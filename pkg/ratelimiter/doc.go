// Package ratelimiter provides a token bucket limiter with in-memory and
// Redis stores and an HTTP middleware.
//
// A bucket holds up to Capacity tokens and regains RefillRate tokens every
// RefillInterval. Each request takes one token; a request that does not fit
// is denied without draining the bucket.
//
//	store := ratelimiter.NewRedisStore(client, cfg.KeyPrefix)
//	limiter, err := ratelimiter.NewBucket(store, rlCfg)
//	if err != nil {
//		return err
//	}
//	r.Use(ratelimiter.Middleware(limiter, ips.KeyFunc, ratelimiter.WithFailOpen()))
//
// The middleware sets X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset on every limited response, and Retry-After when the
// request is denied. Use WithErrorResponder to render denials in the
// application's error format.
package ratelimiter
