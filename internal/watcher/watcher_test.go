package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safemod/internal/logging"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) has(path string, types ...EventType) bool {
	for _, e := range r.snapshot() {
		if e.Path != path {
			continue
		}
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
	}
	return false
}

func startWatcher(t *testing.T, paths []string, debounce time.Duration) *recorder {
	t.Helper()
	rec := &recorder{}
	w, err := New(paths, debounce, rec.record, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	require.NoError(t, w.Start())
	// give the event loop time to start
	time.Sleep(50 * time.Millisecond)
	return rec
}

func TestNewInvalidPath(t *testing.T) {
	_, err := New([]string{"/nonexistent/path/that/does/not/exist/file.txt"}, 100*time.Millisecond, func(Event) {}, logging.Nop())
	assert.Error(t, err)
}

func TestWatcher_CreateOfMissingFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "new.txt")
	rec := startWatcher(t, []string{target}, 30*time.Millisecond)

	require.NoError(t, os.WriteFile(target, []byte("test"), 0644))

	assert.Eventually(t, func() bool {
		return rec.has(target, EventCreate, EventModify)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWatcher_ModifyAndDelete(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "test.txt")
	require.NoError(t, os.WriteFile(target, []byte("initial"), 0644))
	rec := startWatcher(t, []string{target}, 30*time.Millisecond)

	require.NoError(t, os.WriteFile(target, []byte("modified"), 0644))
	assert.Eventually(t, func() bool { return rec.has(target, EventModify) }, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(target))
	assert.Eventually(t, func() bool { return rec.has(target, EventDelete) }, 2*time.Second, 20*time.Millisecond)
}

func TestWatcher_IgnoresUnwatchedSiblings(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "watched.txt")
	sibling := filepath.Join(dir, "other.txt")
	rec := startWatcher(t, []string{target}, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(sibling, []byte("noise"), 0644))
	time.Sleep(200 * time.Millisecond)

	assert.Empty(t, rec.snapshot())
}

func TestWatcher_Debouncing(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "test.txt")
	rec := startWatcher(t, []string{target}, 100*time.Millisecond)

	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(target, []byte("test"), 0644))
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(300 * time.Millisecond)

	events := rec.snapshot()
	assert.NotEmpty(t, events)
	assert.Less(t, len(events), 10, "debouncing should collapse rapid writes")
}

func TestWatcher_StartAndClose(t *testing.T) {
	dir := t.TempDir()
	w, err := New([]string{filepath.Join(dir, "a.txt")}, 100*time.Millisecond, func(Event) {}, logging.Nop())
	require.NoError(t, err)

	require.NoError(t, w.Start())
	assert.Error(t, w.Start(), "second start")

	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "close is idempotent")
	assert.ErrorIs(t, w.Start(), errClosed)
}
