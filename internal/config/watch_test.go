package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3xpluto/mockproxy/internal/logging"
)

func startWatcher(t *testing.T, path string) (<-chan *Config, *atomic.Int32) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var failures atomic.Int32
	w := NewWatcher(path, 50*time.Millisecond, logging.Nop())
	w.OnError = func(error) { failures.Add(1) }

	ch := make(chan *Config, 16)
	go func() { _ = w.Run(ctx, func(c *Config) { ch <- c }) }()

	// let the watcher register before the test starts writing
	time.Sleep(100 * time.Millisecond)
	return ch, &failures
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.json")
	require.NoError(t, Write(path, Default()))

	ch, _ := startWatcher(t, path)

	next := Default()
	next.Host = "http://localhost:9999"
	require.NoError(t, Write(path, next))

	select {
	case got := <-ch:
		assert.Equal(t, "http://localhost:9999", got.Host)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatcherReloadsEvenWhenUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.json")
	require.NoError(t, Write(path, Default()))

	ch, _ := startWatcher(t, path)
	require.NoError(t, Write(path, Default()))

	select {
	case got := <-ch:
		assert.Equal(t, Default(), got)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatcherIgnoresBrokenWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.json")
	require.NoError(t, Write(path, Default()))

	ch, failures := startWatcher(t, path)
	require.NoError(t, os.WriteFile(path, []byte(`{"host":`), 0o644))

	require.Eventually(t, func() bool { return failures.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	select {
	case c := <-ch:
		t.Fatalf("unexpected reload with %+v", c)
	default:
	}

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"host":`, string(b), "a broken edit must not be overwritten")
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf.json")
	require.NoError(t, Write(path, Default()))

	ch, _ := startWatcher(t, path)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644))

	select {
	case c := <-ch:
		t.Fatalf("unexpected reload with %+v", c)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPollReloadsOnlyOnModTimeChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.json")
	require.NoError(t, Write(path, Default()))

	w := NewWatcher(path, 0, logging.Nop())
	var got []*Config
	onChange := func(c *Config) { got = append(got, c) }

	last := modTime(path)
	require.False(t, last.IsZero())

	last = w.pollOnce(last, onChange)
	assert.Empty(t, got, "unchanged mtime must not reload")

	next := Default()
	next.Host = "http://localhost:7070"
	require.NoError(t, Write(path, next))
	later := last.Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, later, later))

	last = w.pollOnce(last, onChange)
	require.Len(t, got, 1)
	assert.Equal(t, "http://localhost:7070", got[0].Host)
	assert.True(t, last.Equal(later))

	w.pollOnce(last, onChange)
	assert.Len(t, got, 1)
}

func TestPollIgnoresMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.json")
	w := NewWatcher(path, 0, logging.Nop())

	called := false
	last := w.pollOnce(time.Time{}, func(*Config) { called = true })
	assert.False(t, called)
	assert.True(t, last.IsZero())
}
