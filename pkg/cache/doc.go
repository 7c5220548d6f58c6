// Package cache provides RouteCache adapters mapping request cache keys
// to route plan ids: a bounded in-process TTL cache and a Redis cache
// shared by every instance.
package cache
