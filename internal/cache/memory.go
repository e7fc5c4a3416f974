package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/cnpjgate/cnpjgate/internal/cnpj"
)

// defaultMaxEntries bounds the in-memory cache. The registry never evicts by
// itself, so without a bound a scan of valid identifiers could grow the map
// indefinitely. Eviction beyond TTL expiry is a deliberate strengthening of
// the cache contract; the TTL semantics are unchanged.
const defaultMaxEntries = 100_000

// entryCost is the admission cost per cached record. Records are a few KB
// (dominated by the raw payload), so cost is per-entry rather than per-byte.
const entryCost = 1

// memoryEntry pairs a record with its expiry deadline. Expiry is checked
// against the deadline on read, so a fake clock can drive TTL tests without
// depending on ristretto's internal TTL wheel.
type memoryEntry struct {
	rec       *cnpj.Record
	expiresAt time.Time
}

// Memory is a bounded in-process Store backed by ristretto. TinyLFU
// admission keeps hot identifiers resident when the bound is hit.
type Memory struct {
	cache  *ristretto.Cache[string, memoryEntry]
	ttl    atomic.Int64 // nanoseconds; hot-reloadable
	now    func() time.Time
	logger *slog.Logger

	OnHit  func()
	OnMiss func()
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the time source, used by TTL expiry tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithLogger sets the logger for debug messages.
func WithLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) { m.logger = l }
}

// NewMemory creates a bounded in-memory result cache. maxEntries <= 0 uses
// the default bound; ttl <= 0 uses DefaultTTL.
func NewMemory(ttl time.Duration, maxEntries int64, opts ...MemoryOption) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, memoryEntry]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}

	m := &Memory{
		cache:  cache,
		now:    time.Now,
		logger: slog.Default(),
	}
	m.ttl.Store(int64(ttl))
	for _, o := range opts {
		o(m)
	}
	return m
}

// TTL returns the configured entry lifetime.
func (m *Memory) TTL() time.Duration { return time.Duration(m.ttl.Load()) }

// SetTTL updates the lifetime for subsequently written entries.
func (m *Memory) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.ttl.Store(int64(ttl))
}

// Get returns the cached record for id, or (nil, false) when absent or
// expired. Expired entries are deleted on sight.
func (m *Memory) Get(_ context.Context, id string) (*cnpj.Record, bool) {
	e, found := m.cache.Get(id)
	if !found {
		if m.OnMiss != nil {
			m.OnMiss()
		}
		return nil, false
	}

	if !m.now().Before(e.expiresAt) {
		m.cache.Del(id)
		if m.OnMiss != nil {
			m.OnMiss()
		}
		return nil, false
	}

	if m.OnHit != nil {
		m.OnHit()
	}
	return cloneRecord(e.rec), true
}

// Set inserts or overwrites the entry for id, stamping its expiry deadline
// with the TTL current at write time.
func (m *Memory) Set(_ context.Context, id string, rec *cnpj.Record) {
	ttl := m.TTL()
	e := memoryEntry{rec: cloneRecord(rec), expiresAt: m.now().Add(ttl)}
	m.cache.SetWithTTL(id, e, entryCost, ttl)
	// Wait makes the entry visible to an immediate Get. Lookups are paced by
	// the provider's rate limit, so the extra cost is irrelevant here.
	m.cache.Wait()
	m.logger.Debug("cache: stored", "cnpj", cnpj.Mask(id), "ttl", ttl)
}

// Close releases resources held by the cache. Safe to call multiple times.
func (m *Memory) Close() {
	if m.cache != nil {
		m.cache.Close()
	}
}
