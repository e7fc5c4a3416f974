// Package cache provides the time-bounded result cache for registry lookups.
// It is a cache-aside store keyed by the normalized identifier: the gateway
// probes it before touching the throttle gate and fills it only after a
// successful provider call. Two backends are available — a bounded in-memory
// store (default) and a Redis store for sharing results across replicas.
package cache

import (
	"context"
	"time"

	"github.com/cnpjgate/cnpjgate/internal/cnpj"
)

// DefaultTTL is how long a cached lookup result stays valid.
const DefaultTTL = 10 * time.Minute

// Store is the result cache consumed by the lookup gateway. Get returns the
// cached record iff present and not expired; expired entries are misses.
// SetTTL applies to entries written after the call; existing entries keep
// the lifetime they were stored with. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, id string) (*cnpj.Record, bool)
	Set(ctx context.Context, id string, rec *cnpj.Record)
	SetTTL(ttl time.Duration)
	Close()
}

// cloneRecord returns a caller-owned copy of rec so that cache internals are
// never aliased by callers mutating the result.
func cloneRecord(rec *cnpj.Record) *cnpj.Record {
	if rec == nil {
		return nil
	}
	out := *rec
	if rec.DataAbertura != nil {
		d := *rec.DataAbertura
		out.DataAbertura = &d
	}
	if rec.Raw != nil {
		out.Raw = make([]byte, len(rec.Raw))
		copy(out.Raw, rec.Raw)
	}
	return &out
}
