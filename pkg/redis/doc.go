// Package redis connects to Redis with retries, exposes a readiness probe and
// provides a small JSON cache used for read-through lookups.
//
//	client, err := redis.Connect(ctx, cfg)
//	cache := redis.NewCache(client, "billsync:")
//	hit, err := cache.Get(ctx, "plan:pro", &plan)
package redis
