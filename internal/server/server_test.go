package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnpjgate/cnpjgate/internal/cache"
	"github.com/cnpjgate/cnpjgate/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew(t *testing.T) {
	t.Run("creates server with default config", func(t *testing.T) {
		cfg := config.Defaults()

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)
		assert.NotNil(t, srv)
		assert.NotNil(t, srv.mainServer)
		assert.NotNil(t, srv.adminServer)
		assert.NotNil(t, srv.health)
		assert.NotNil(t, srv.metrics)
		assert.IsType(t, &cache.Memory{}, srv.store)

		srv.store.Close()
	})

	t.Run("creates server with redis cache backend", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := config.Defaults()
		cfg.Cache.Backend = config.CacheBackendRedis
		cfg.Redis.Endpoints = []string{mr.Addr()}

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)
		assert.IsType(t, &cache.Redis{}, srv.store)

		srv.store.Close()
	})

	t.Run("returns error when redis is unreachable", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.Cache.Backend = config.CacheBackendRedis
		cfg.Redis.Endpoints = []string{"127.0.0.1:1"}
		cfg.Redis.DialTimeout = "100ms"

		_, err := New(cfg, testLogger(), "test")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "create redis client")
	})
}

func TestServerConfigAddresses(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.Address = ":7777"
	cfg.Admin.Address = ":7778"

	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)
	assert.Equal(t, ":7777", srv.mainServer.Addr)
	assert.Equal(t, ":7778", srv.adminServer.Addr)
	srv.store.Close()
}

func TestHTTP3Disabled(t *testing.T) {
	cfg := config.Defaults()
	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)
	assert.Nil(t, srv.http3Server)
	srv.store.Close()
}

func TestReload(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"OK","cnpj":"11222333000181"}`))
	}))
	defer upstream.Close()

	cfg := config.Defaults()
	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)
	defer srv.store.Close()

	newCfg := config.Defaults()
	newCfg.Provider.BaseURL = upstream.URL
	newCfg.Provider.APIKey = "new-key"
	newCfg.Throttle.Spacing = "250ms"
	newCfg.Cache.TTL = "5m"
	newCfg.Server.RequestTimeout = "10s"

	require.NoError(t, srv.Reload(newCfg))

	assert.Equal(t, upstream.URL, srv.prov.BaseURL())
	assert.Equal(t, 250*time.Millisecond, srv.gate.Spacing())
	assert.Equal(t, 10*time.Second, srv.handler.requestTimeout())

	mem, ok := srv.store.(*cache.Memory)
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, mem.TTL())
}

func TestRequiresRestartUntouchedByReload(t *testing.T) {
	cfg := config.Defaults()
	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)
	defer srv.store.Close()

	newCfg := config.Defaults()
	newCfg.Server.Address = ":1234"

	changed := newCfg.RequiresRestart(cfg)
	assert.Contains(t, changed, "server.address")

	// Reload applies the hot fields but the bound address stays.
	require.NoError(t, srv.Reload(newCfg))
	assert.Equal(t, cfg.Server.Address, srv.mainServer.Addr)
}

func writeSelfSignedCert(t *testing.T, dir, cn string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, cn+".crt")
	keyFile = filepath.Join(dir, cn+".key")

	certOut, err := os.Create(certFile)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyOut, err := os.Create(keyFile)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	require.NoError(t, keyOut.Close())

	return certFile, keyFile
}

func TestCertHolderReload(t *testing.T) {
	dir := t.TempDir()
	certA, keyA := writeSelfSignedCert(t, dir, "first")
	certB, keyB := writeSelfSignedCert(t, dir, "second")

	ch, err := newCertHolder(certA, keyA)
	require.NoError(t, err)

	got, err := ch.GetCertificate(nil)
	require.NoError(t, err)
	first := got.Certificate[0]

	require.NoError(t, ch.Reload(certB, keyB))
	got, err = ch.GetCertificate(nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, got.Certificate[0])

	// A failed reload keeps the old certificate.
	require.Error(t, ch.Reload(filepath.Join(dir, "missing.crt"), keyB))
	got, err = ch.GetCertificate(nil)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestTLSMinVersion(t *testing.T) {
	cfg := config.Defaults()
	assert.EqualValues(t, 0x0303, tlsMinVersion(cfg)) // TLS 1.2

	cfg.Server.TLS.MinVersion = config.TLSVersion13
	assert.EqualValues(t, 0x0304, tlsMinVersion(cfg)) // TLS 1.3
}
