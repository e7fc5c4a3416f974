package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cnpjgate/cnpjgate/internal/cnpj"
	"github.com/cnpjgate/cnpjgate/internal/redis"
)

// keyPrefix namespaces lookup results in Redis.
const keyPrefix = "cnpjgate:lookup:"

// redisEntry is the JSON envelope stored in Redis. StoredAt is informational;
// expiry is enforced by the Redis key TTL.
type redisEntry struct {
	Record   *cnpj.Record `json:"record"`
	StoredAt time.Time    `json:"stored_at"`
}

// Redis is a Store backed by a shared Redis instance, so multiple gateway
// replicas fill and probe one cache. Redis errors degrade to cache misses —
// the provider remains the source of truth.
type Redis struct {
	client redis.Client
	ttl    atomic.Int64 // nanoseconds; hot-reloadable
	logger *slog.Logger

	OnHit  func()
	OnMiss func()
}

// NewRedis creates a Redis-backed result cache. ttl <= 0 uses DefaultTTL.
func NewRedis(client redis.Client, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Redis{client: client, logger: logger}
	r.ttl.Store(int64(ttl))
	return r
}

// TTL returns the configured entry lifetime.
func (r *Redis) TTL() time.Duration { return time.Duration(r.ttl.Load()) }

// SetTTL updates the lifetime for subsequently written entries. Keys already
// in Redis keep the TTL they were written with.
func (r *Redis) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r.ttl.Store(int64(ttl))
}

// Get returns the cached record for id, or (nil, false) on miss, expiry, or
// any Redis error.
func (r *Redis) Get(ctx context.Context, id string) (*cnpj.Record, bool) {
	data, err := r.client.Get(ctx, keyPrefix+id).Bytes()
	if err != nil {
		if r.OnMiss != nil {
			r.OnMiss()
		}
		return nil, false
	}

	var e redisEntry
	if err := json.Unmarshal(data, &e); err != nil || e.Record == nil {
		// Corrupt entry — treat as miss.
		r.logger.Debug("cache: unmarshal error", "cnpj", cnpj.Mask(id), "error", err)
		if r.OnMiss != nil {
			r.OnMiss()
		}
		return nil, false
	}

	if r.OnHit != nil {
		r.OnHit()
	}
	return e.Record, true
}

// Set stores the record under id with the configured TTL. Errors are logged
// and swallowed; a failed write only costs a future provider call.
func (r *Redis) Set(ctx context.Context, id string, rec *cnpj.Record) {
	data, err := json.Marshal(redisEntry{Record: rec, StoredAt: time.Now()})
	if err != nil {
		r.logger.Debug("cache: marshal error", "cnpj", cnpj.Mask(id), "error", err)
		return
	}
	ttl := r.TTL()
	if err := r.client.Set(ctx, keyPrefix+id, data, ttl).Err(); err != nil {
		r.logger.Warn("cache: redis set failed", "cnpj", cnpj.Mask(id), "error", err)
		return
	}
	r.logger.Debug("cache: stored", "cnpj", cnpj.Mask(id), "ttl", ttl)
}

// Close closes the underlying Redis client.
func (r *Redis) Close() {
	if r.client != nil {
		_ = r.client.Close()
	}
}
