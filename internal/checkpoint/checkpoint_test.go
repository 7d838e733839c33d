package checkpoint

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := Config{Dir: t.TempDir(), BatchSize: 2}
	m := NewManager(cfg, "session-1", zap.NewNop())

	require.NoError(t, m.MarkCompleted("item-a"))
	require.NoError(t, m.MarkCompleted("item-b"))
	require.NoError(t, m.MarkCompleted("item-c"))
	require.NoError(t, m.Flush())

	restored := NewManager(cfg, "session-1", zap.NewNop())
	got, err := restored.Load()
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.True(t, restored.Completed("item-a"))
	require.True(t, restored.Completed("item-c"))
}

func TestLoadMissingCheckpointIsEmpty(t *testing.T) {
	t.Parallel()

	m := NewManager(Config{Dir: t.TempDir()}, "session-none", zap.NewNop())
	got, err := m.Load()
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestClearAfterSuccess(t *testing.T) {
	t.Parallel()

	cfg := Config{Dir: t.TempDir(), BatchSize: 1}
	m := NewManager(cfg, "session-2", zap.NewNop())
	require.NoError(t, m.MarkCompleted("item-a"))

	require.NoError(t, m.Clear())

	restored := NewManager(cfg, "session-2", zap.NewNop())
	got, err := restored.Load()
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestBatchedFlushBoundsReplayAfterCrash(t *testing.T) {
	t.Parallel()

	// Batch size 10, 25 items completed, then a simulated crash: only the
	// two full flushed batches survive; at most the final partial batch is
	// re-processed on restart.
	cfg := Config{Dir: t.TempDir(), BatchSize: 10}
	m := NewManager(cfg, "session-3", zap.NewNop())
	for i := 0; i < 25; i++ {
		require.NoError(t, m.MarkCompleted(fmt.Sprintf("item-%02d", i)))
	}

	restarted := NewManager(cfg, "session-3", zap.NewNop())
	got, err := restarted.Load()
	require.NoError(t, err)
	require.Len(t, got, 20)
}

func TestForcedFlushPersistsPartialBatch(t *testing.T) {
	t.Parallel()

	cfg := Config{Dir: t.TempDir(), BatchSize: 100}
	m := NewManager(cfg, "session-4", zap.NewNop())
	for i := 0; i < 7; i++ {
		require.NoError(t, m.MarkCompleted(fmt.Sprintf("item-%d", i)))
	}
	require.NoError(t, m.Flush())

	restarted := NewManager(cfg, "session-4", zap.NewNop())
	got, err := restarted.Load()
	require.NoError(t, err)
	require.Len(t, got, 7)
}

func TestMarkCompletedIdempotent(t *testing.T) {
	t.Parallel()

	cfg := Config{Dir: t.TempDir(), BatchSize: 2}
	m := NewManager(cfg, "session-5", zap.NewNop())
	require.NoError(t, m.MarkCompleted("item-a"))
	require.NoError(t, m.MarkCompleted("item-a"))

	// A duplicate completion must not count toward the batch.
	restarted := NewManager(cfg, "session-5", zap.NewNop())
	got, err := restarted.Load()
	require.NoError(t, err)
	require.Empty(t, got, "single unique item should remain unflushed")
}
