package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/harvestd/listing-harvester/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{SessionID: "session-1", TS: now, Stage: progress.StageSessionStart},
		{
			SessionID: "session-1",
			TS:        now.Add(2 * time.Second),
			Stage:     progress.StageItemDone,
			ItemID:    "item-1",
			Domain:    "example.com",
			Status:    "succeeded",
			Dur:       200 * time.Millisecond,
		},
		{
			SessionID: "session-1",
			TS:        now.Add(3 * time.Second),
			Stage:     progress.StageChunkDone,
			JobID:     "chunk-1",
			Dur:       3 * time.Second,
		},
		{SessionID: "session-1", TS: now.Add(5 * time.Second), Stage: progress.StageSessionDone},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.sessionsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sessionsCompleted))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.sessionsRunning))
	require.InDelta(t, 1.0,
		testutil.ToFloat64(sink.itemOutcomes.WithLabelValues("example.com", "succeeded")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.itemDuration, "harvester_item_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.chunkDuration, "harvester_chunk_duration_seconds"))
}

func TestPrometheusSinkRunningGaugeTracksSessions(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{SessionID: "a", TS: now, Stage: progress.StageSessionStart},
		{SessionID: "b", TS: now, Stage: progress.StageSessionStart},
	}))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.sessionsRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{SessionID: "a", TS: now, Stage: progress.StageSessionDone},
		// completing an unknown session must not drive the gauge negative
		{SessionID: "ghost", TS: now, Stage: progress.StageSessionDone},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sessionsRunning))
}
