// Package cache fronts the serving layer's response caches: an in-memory
// TTL cache for single-node runs and a PostgreSQL-backed cache for shared
// deployments, both behind a circuit breaker.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Cache is the backend contract. Get reports (value, found); a backend
// error is distinct from a miss so the breaker can count it.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// TTLs per data type, aligned with the fare refresh cycle.
const (
	TTLPrediction    = time.Hour
	TTLFares         = 24 * time.Hour
	TTLRouteStats    = 6 * time.Hour
	TTLPopularRoutes = 30 * time.Minute
)

// Key builds the canonical cache key for a prefix and an explicit, ordered
// tuple of inputs. Two calls with equal tuples produce byte-identical keys
// regardless of how the caller assembled its arguments.
func Key(prefix string, parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return prefix + ":" + hex.EncodeToString(h[:])[:16]
}
