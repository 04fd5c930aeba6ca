package main

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/rulesmith/internal/logging"
)

type countingCache struct{ clears atomic.Int32 }

func (c *countingCache) Clear() { c.clears.Add(1) }

func startReloader(t *testing.T) (string, *countingCache, chan os.Signal) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8000\n"), 0600))

	cache := &countingCache{}
	hup := make(chan os.Signal, 1)
	r := newReloader(context.Background(), path, cache, hup, logging.NewNop())
	require.True(t, r.Watching())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		r.Close()
	})
	return path, cache, hup
}

func TestReloader_SIGHUPClearsCache(t *testing.T) {
	_, cache, hup := startReloader(t)

	hup <- syscall.SIGHUP
	assert.Eventually(t, func() bool { return cache.clears.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestReloader_ConfigWriteClearsCache(t *testing.T) {
	path, cache, _ := startReloader(t)

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0600))
	assert.Eventually(t, func() bool { return cache.clears.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestReloader_IgnoresOtherFiles(t *testing.T) {
	path, cache, _ := startReloader(t)

	other := filepath.Join(filepath.Dir(path), "notes.txt")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0600))
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, cache.clears.Load())
}

func TestReloader_MissingDirectoryStillHandlesSIGHUP(t *testing.T) {
	logger := logging.NewTestLogger()
	cache := &countingCache{}
	hup := make(chan os.Signal, 1)

	r := newReloader(context.Background(), filepath.Join(t.TempDir(), "missing", "config.yaml"), cache, hup, logger.Logger)
	assert.False(t, r.Watching())
	logger.AssertLogged(t, zapcore.WarnLevel, "config file watch disabled, SIGHUP still clears the credential cache")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		r.Close()
	})

	hup <- syscall.SIGHUP
	assert.Eventually(t, func() bool { return cache.clears.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	hup <- syscall.SIGHUP
	assert.Eventually(t, func() bool { return cache.clears.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}
