package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/salevine/scrape-edu/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	runID := progress.UUIDToBytes(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: time.Now(), Stage: progress.StagePhaseDone, Entity: "mit", Phase: "robots"},
		{RunID: runID, TS: time.Now(), Stage: progress.StageFetchDone, Site: "mit.edu", StatusClass: progress.Status2xx},
	}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, "mit", entries[0].ContextMap()["school"])
	require.Equal(t, zapcore.DebugLevel, entries[1].Level)
	require.Equal(t, "mit.edu", entries[1].ContextMap()["site"])
}
