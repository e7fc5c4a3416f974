package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnpjgate/cnpjgate/internal/config"
)

func singleConfig(addr string) config.RedisConfig {
	return config.RedisConfig{
		Endpoints: []string{addr},
		Mode:      config.RedisModeSingle,
	}
}

func TestNewClientSingle(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := NewClient(singleConfig(mr.Addr()))
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", "v", time.Minute).Err())

	got, err := c.Get(ctx, "k").Result()
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	n, err := c.Del(ctx, "k").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestNewClientUnreachable(t *testing.T) {
	cfg := singleConfig("127.0.0.1:1")
	cfg.DialTimeout = "100ms"

	_, err := NewClient(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "single: connect")
}

func TestNewClientDefaultsToSingleMode(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := singleConfig(mr.Addr())
	cfg.Mode = ""

	c, err := NewClient(cfg)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Ping(context.Background()).Err())
}

func TestNewClientUnknownMode(t *testing.T) {
	_, err := NewClient(config.RedisConfig{
		Endpoints: []string{"x:6379"},
		Mode:      "replicated",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown redis mode")
}

func TestParseOptions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		opts, err := parseOptions(singleConfig("x:6379"))
		require.NoError(t, err)
		assert.Equal(t, 10, opts.poolSize)
		assert.Equal(t, 5*time.Second, opts.dialTimeout)
		assert.Equal(t, 3*time.Second, opts.readTimeout)
		assert.Equal(t, 3*time.Second, opts.writeTimeout)
	})

	t.Run("invalid duration", func(t *testing.T) {
		cfg := singleConfig("x:6379")
		cfg.ReadTimeout = "fast"
		_, err := parseOptions(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid read_timeout")
	})

	t.Run("tls config", func(t *testing.T) {
		cfg := singleConfig("x:6379")
		opts, err := parseOptions(cfg)
		require.NoError(t, err)
		assert.Nil(t, opts.tlsConfig())

		cfg.TLS.Enabled = true
		cfg.TLS.InsecureSkipVerify = true
		opts, err = parseOptions(cfg)
		require.NoError(t, err)
		tlsCfg := opts.tlsConfig()
		require.NotNil(t, tlsCfg)
		assert.True(t, tlsCfg.InsecureSkipVerify)
	})
}

type warnRecorder struct {
	msgs []string
}

func (w *warnRecorder) Warn(msg string, _ ...any) {
	w.msgs = append(w.msgs, msg)
}

func TestWarnInsecure(t *testing.T) {
	rec := &warnRecorder{}

	WarnInsecure(config.RedisTLSConfig{}, rec)
	assert.Empty(t, rec.msgs)

	WarnInsecure(config.RedisTLSConfig{Enabled: true, InsecureSkipVerify: true}, rec)
	require.Len(t, rec.msgs, 1)
	assert.Contains(t, rec.msgs[0], "SECURITY WARNING")
}
