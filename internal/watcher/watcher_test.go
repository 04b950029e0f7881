package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oaklabs/oakd/internal/ignore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestWatcher(t *testing.T, root string, cfg Config) *Watcher {
	t.Helper()
	policy, err := ignore.NewPolicy(root, nil, nil)
	require.NoError(t, err)
	w := New(root, policy, cfg, zap.NewNop())
	t.Cleanup(func() { w.Close() })
	return w
}

func TestCoalescing(t *testing.T) {
	w := newTestWatcher(t, t.TempDir(), Config{})

	w.record("a.go", Created)
	w.record("a.go", Modified)
	assert.Equal(t, Created, w.pending["a.go"], "create+write stays created")

	w.record("b.go", Modified)
	w.record("b.go", Deleted)
	assert.Equal(t, Deleted, w.pending["b.go"], "delete wins")

	w.record("c.go", Modified)
	w.record("c.go", Modified)
	assert.Len(t, w.pending, 3, "repeats coalesce")
}

func TestRenamePairing(t *testing.T) {
	w := newTestWatcher(t, t.TempDir(), Config{})

	w.record("old.go", Deleted)
	w.mu.Lock()
	w.renames[""] = "old.go"
	w.mu.Unlock()
	w.record("new.go", Created)

	assert.Equal(t, Renamed, w.pending["new.go"])
	assert.NotContains(t, w.pending, "old.go")
	assert.Equal(t, "old.go", w.renames["new.go"])
}

func TestBurstCeilingLeavesSequenceGap(t *testing.T) {
	w := newTestWatcher(t, t.TempDir(), Config{BurstLimit: 2, DebounceWindow: time.Hour})

	w.record("a.go", Created)
	w.record("b.go", Created)
	w.record("c.go", Created) // dropped, burns a sequence number

	w.flush()

	var seqs []uint64
	for i := 0; i < 2; i++ {
		select {
		case ev := <-w.events:
			seqs = append(seqs, ev.Seq)
		default:
			t.Fatal("expected two events")
		}
	}
	// Two delivered events plus one gap.
	assert.Equal(t, uint64(3), w.seq.Load())
	assert.Len(t, seqs, 2)
}

func TestFSEvents(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, Config{DebounceWindow: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	if w.Polling() {
		t.Skip("fs notifications unavailable on this platform")
	}

	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644))

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	ev, err := w.WaitEvent(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "main.go", ev.Path)
	assert.Equal(t, Created, ev.Op)
	assert.Equal(t, uint64(1), ev.Seq)
}

func TestFSEventsIgnoreExcluded(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root, Config{DebounceWindow: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	if w.Polling() {
		t.Skip("fs notifications unavailable on this platform")
	}

	require.NoError(t, os.WriteFile(filepath.Join(root, "debug.lock"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.go"), []byte("package keep\n"), 0o644))

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	ev, err := w.WaitEvent(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "keep.go", ev.Path, "lock files never surface")
}

func TestPollingScanDiffs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), []byte("package a\n"), 0o644))

	w := newTestWatcher(t, root, Config{})

	known := map[string]time.Time{}
	w.scan(known, false)
	assert.Contains(t, known, "a.go")
	assert.Empty(t, w.pending, "baseline scan emits nothing")

	// New file appears, old file mutates.
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.go"), []byte("package b\n"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.go"), past, past))

	w.scan(known, true)
	assert.Equal(t, Created, w.pending["b.go"])
	assert.Equal(t, Modified, w.pending["a.go"])

	// File disappears.
	require.NoError(t, os.Remove(filepath.Join(root, "b.go")))
	w.scan(known, true)
	assert.Equal(t, Deleted, w.pending["b.go"])
}
