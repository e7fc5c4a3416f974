package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collectingCallback records every config the watcher publishes.
type collectingCallback struct {
	mu   sync.Mutex
	cfgs []*Config
}

func (c *collectingCallback) fn(cfg *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfgs = append(c.cfgs, cfg)
}

func (c *collectingCallback) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cfgs)
}

func (c *collectingCallback) last() *Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cfgs) == 0 {
		return nil
	}
	return c.cfgs[len(c.cfgs)-1]
}

func startWatcher(t *testing.T, path string, cb *collectingCallback) *Watcher {
	t.Helper()
	w := NewWatcher(path, cb.fn, discardLogger())
	// Short poll interval keeps the tests fast even when fsnotify misses.
	w.pollInterval = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = w.Start(ctx)
	}()
	t.Cleanup(w.Stop)

	// Give the watcher time to register its watches.
	time.Sleep(100 * time.Millisecond)
	return w
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func TestWatcherPublishesOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  address: \":8080\"\n"), 0o600))

	cb := &collectingCallback{}
	startWatcher(t, path, cb)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  address: \":8081\"\n"), 0o600))

	require.True(t, waitFor(t, 3*time.Second, func() bool { return cb.count() > 0 }),
		"watcher did not publish a reload")
	assert.Equal(t, ":8081", cb.last().Server.Address)
}

func TestWatcherKeepsOldConfigOnInvalidChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  address: \":8080\"\n"), 0o600))

	cb := &collectingCallback{}
	startWatcher(t, path, cb)

	// Invalid enum value fails validation; the callback must not fire.
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: \"loud\"\n"), 0o600))
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 0, cb.count())

	// A subsequent valid change is still picked up.
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: \"debug\"\n"), 0o600))
	require.True(t, waitFor(t, 3*time.Second, func() bool { return cb.count() > 0 }))
	assert.Equal(t, LogLevelDebug, cb.last().Logging.Level)
}

func TestWatcherAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  address: \":8080\"\n"), 0o600))

	cb := &collectingCallback{}
	startWatcher(t, path, cb)

	// Editors and kubelet replace files by renaming a temp file over the
	// target, which invalidates the watched inode.
	tmp := filepath.Join(dir, ".config.yaml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("server:\n  address: \":8082\"\n"), 0o600))
	require.NoError(t, os.Rename(tmp, path))

	require.True(t, waitFor(t, 3*time.Second, func() bool { return cb.count() > 0 }))
	assert.Equal(t, ":8082", cb.last().Server.Address)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))

	w := NewWatcher(path, func(*Config) {}, discardLogger())
	done := make(chan struct{})
	go func() {
		_ = w.Start(context.Background())
		close(done)
	}()
	time.Sleep(100 * time.Millisecond)

	w.Stop()
	w.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o600))
	h1 := hashFile(path)
	require.NotEmpty(t, h1)

	require.NoError(t, os.WriteFile(path, []byte("two"), 0o600))
	assert.NotEqual(t, h1, hashFile(path))

	assert.Empty(t, hashFile(filepath.Join(t.TempDir(), "missing")))
}
