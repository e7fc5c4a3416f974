package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnpjgate/cnpjgate/internal/cnpj"
)

func testRecord() *cnpj.Record {
	opened := time.Date(1995, 5, 2, 0, 0, 0, 0, time.UTC)
	return &cnpj.Record{
		Cnpj:         "11222333000181",
		RazaoSocial:  "ACME COMERCIO LTDA",
		NomeFantasia: "ACME",
		DataAbertura: &opened,
		Municipio:    "SAO PAULO",
		Uf:           "SP",
		Raw:          []byte(`{"status":"OK"}`),
	}
}

func TestMemoryGetMiss(t *testing.T) {
	m := NewMemory(time.Minute, 100)
	defer m.Close()

	misses := 0
	m.OnMiss = func() { misses++ }

	rec, ok := m.Get(context.Background(), "11222333000181")
	assert.False(t, ok)
	assert.Nil(t, rec)
	assert.Equal(t, 1, misses)
}

func TestMemorySetGet(t *testing.T) {
	m := NewMemory(time.Minute, 100)
	defer m.Close()

	hits := 0
	m.OnHit = func() { hits++ }

	m.Set(context.Background(), "11222333000181", testRecord())

	rec, ok := m.Get(context.Background(), "11222333000181")
	require.True(t, ok)
	require.NotNil(t, rec)
	assert.Equal(t, "ACME COMERCIO LTDA", rec.RazaoSocial)
	assert.Equal(t, 1, hits)
}

func TestMemoryTTLExpiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	m := NewMemory(10*time.Minute, 100, WithClock(func() time.Time { return now }))
	defer m.Close()

	m.Set(context.Background(), "11222333000181", testRecord())

	// Just inside the TTL.
	now = now.Add(10*time.Minute - time.Second)
	_, ok := m.Get(context.Background(), "11222333000181")
	assert.True(t, ok)

	// At the TTL boundary the entry is expired and counts as a miss.
	now = now.Add(time.Second)
	rec, ok := m.Get(context.Background(), "11222333000181")
	assert.False(t, ok)
	assert.Nil(t, rec)

	// The expired entry was deleted, not merely hidden.
	_, found := m.cache.Get("11222333000181")
	assert.False(t, found)
}

func TestMemorySetResetsTTL(t *testing.T) {
	now := time.Unix(1700000000, 0)
	m := NewMemory(10*time.Minute, 100, WithClock(func() time.Time { return now }))
	defer m.Close()

	m.Set(context.Background(), "11222333000181", testRecord())

	now = now.Add(9 * time.Minute)
	m.Set(context.Background(), "11222333000181", testRecord())

	// 9+9 minutes after the first write, but only 9 after the refresh.
	now = now.Add(9 * time.Minute)
	_, ok := m.Get(context.Background(), "11222333000181")
	assert.True(t, ok)
}

func TestMemoryCallerCannotMutateCache(t *testing.T) {
	m := NewMemory(time.Minute, 100)
	defer m.Close()

	orig := testRecord()
	m.Set(context.Background(), "11222333000181", orig)

	// Mutating the record that was passed in must not reach the cache.
	orig.RazaoSocial = "MUTATED"
	orig.Raw[0] = 'X'
	*orig.DataAbertura = time.Time{}

	rec, ok := m.Get(context.Background(), "11222333000181")
	require.True(t, ok)
	assert.Equal(t, "ACME COMERCIO LTDA", rec.RazaoSocial)
	assert.Equal(t, byte('{'), rec.Raw[0])
	assert.Equal(t, 1995, rec.DataAbertura.Year())

	// Mutating a returned record must not poison later reads.
	rec.RazaoSocial = "ALSO MUTATED"
	again, ok := m.Get(context.Background(), "11222333000181")
	require.True(t, ok)
	assert.Equal(t, "ACME COMERCIO LTDA", again.RazaoSocial)
}

func TestMemoryDefaults(t *testing.T) {
	m := NewMemory(0, 0)
	defer m.Close()
	assert.Equal(t, DefaultTTL, m.TTL())
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store := NewRedis(client, 10*time.Minute, nil)
	t.Cleanup(store.Close)
	return mr, store
}

func TestRedisSetGet(t *testing.T) {
	_, store := newTestRedis(t)

	hits, misses := 0, 0
	store.OnHit = func() { hits++ }
	store.OnMiss = func() { misses++ }

	_, ok := store.Get(context.Background(), "11222333000181")
	assert.False(t, ok)
	assert.Equal(t, 1, misses)

	store.Set(context.Background(), "11222333000181", testRecord())

	rec, ok := store.Get(context.Background(), "11222333000181")
	require.True(t, ok)
	assert.Equal(t, "ACME COMERCIO LTDA", rec.RazaoSocial)
	assert.Equal(t, "SP", rec.Uf)
	require.NotNil(t, rec.DataAbertura)
	assert.Equal(t, 1995, rec.DataAbertura.Year())
	assert.Equal(t, 1, hits)
}

func TestRedisTTLExpiry(t *testing.T) {
	mr, store := newTestRedis(t)

	store.Set(context.Background(), "11222333000181", testRecord())
	require.True(t, mr.Exists(keyPrefix+"11222333000181"))

	mr.FastForward(10*time.Minute + time.Second)

	rec, ok := store.Get(context.Background(), "11222333000181")
	assert.False(t, ok)
	assert.Nil(t, rec)
	assert.False(t, mr.Exists(keyPrefix+"11222333000181"))
}

func TestRedisCorruptEntryIsMiss(t *testing.T) {
	mr, store := newTestRedis(t)

	require.NoError(t, mr.Set(keyPrefix+"11222333000181", "not json"))

	rec, ok := store.Get(context.Background(), "11222333000181")
	assert.False(t, ok)
	assert.Nil(t, rec)
}

func TestRedisDownDegradesToMiss(t *testing.T) {
	mr, store := newTestRedis(t)
	mr.Close()

	rec, ok := store.Get(context.Background(), "11222333000181")
	assert.False(t, ok)
	assert.Nil(t, rec)

	// Set failures are swallowed; the caller never sees them.
	store.Set(context.Background(), "11222333000181", testRecord())
}
