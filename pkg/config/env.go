package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/leynos/wildside-sub000/pkg/security"
)

// Environment variables read by Load.
const (
	EnvConfigPath      = "WILDSIDE_CONFIG"
	EnvHTTPAddr        = "WILDSIDE_HTTP_ADDR"
	EnvDatabaseDriver  = "WILDSIDE_DB_DRIVER"
	EnvDatabaseURL     = "DATABASE_URL"
	EnvRedisAddr       = "REDIS_ADDR"
	EnvRedisPassword   = "WILDSIDE_REDIS_PASSWORD"
	EnvLogLevel        = "WILDSIDE_LOG_LEVEL"
	EnvLogFormat       = "WILDSIDE_LOG_FORMAT"
	EnvConcurrency     = "WILDSIDE_WORKER_CONCURRENCY"
	EnvSolveTime       = "WILDSIDE_SOLVE_TIME"
	EnvCacheTTL        = "WILDSIDE_CACHE_TTL"
	EnvEnrichment      = "WILDSIDE_ENRICHMENT_ENABLED"
	EnvOverpassURL     = "WILDSIDE_OVERPASS_ENDPOINT"
	EnvOverpassContact = "WILDSIDE_OVERPASS_CONTACT"
	EnvIdempotencyTTL  = "IDEMPOTENCY_TTL_HOURS"
)

type lookupFunc func(string) (string, bool)

// applyEnv overrides cfg from the environment. Malformed values are
// errors, except IDEMPOTENCY_TTL_HOURS which falls back to the
// configured TTL.
func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(EnvHTTPAddr, &c.Server.Addr)
	str(EnvDatabaseDriver, &c.Database.Driver)
	str(EnvDatabaseURL, &c.Database.DSN)
	str(EnvRedisAddr, &c.Redis.Addr)
	str(EnvRedisPassword, &c.Redis.Password)
	str(EnvLogLevel, &c.Log.Level)
	str(EnvLogFormat, &c.Log.Format)
	str(EnvOverpassURL, &c.Enrichment.Overpass.Endpoint)
	str(EnvOverpassContact, &c.Enrichment.Overpass.Contact)

	if v, ok := lookup(EnvConcurrency); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid %s: %w", EnvConcurrency, err)
		}
		c.Queue.Concurrency = n
	}
	for key, dst := range map[string]*Duration{
		EnvSolveTime: &c.Solver.SolveTime,
		EnvCacheTTL:  &c.Cache.TTL,
	} {
		if v, ok := lookup(key); ok && v != "" {
			d, err := ParseDuration(v)
			if err != nil {
				return fmt.Errorf("config: invalid %s: %w", key, err)
			}
			*dst = Duration(d)
		}
	}
	if v, ok := lookup(EnvEnrichment); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: invalid %s: %w", EnvEnrichment, err)
		}
		c.Enrichment.Enabled = b
	}
	if v, ok := lookup(EnvIdempotencyTTL); ok {
		if hours, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Idempotency.TTL = Duration(idempotencyHours(hours))
		}
	}
	return nil
}

// idempotencyHours converts and clamps an hour count without overflow.
func idempotencyHours(hours uint64) time.Duration {
	maxHours := uint64(security.MaxIdempotencyTTL / time.Hour)
	if hours > maxHours {
		hours = maxHours
	}
	return security.ClampIdempotencyTTL(time.Duration(hours) * time.Hour)
}
