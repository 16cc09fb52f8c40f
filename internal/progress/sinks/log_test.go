package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/magnet-dispatcher/internal/progress"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))

	failed := taskEvent("b", torrent.StateFailed, time.Second)
	failed.Task.LastError = torrent.KindAuth
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		taskEvent("a", torrent.StateParsed, 0),
		taskEvent("a", torrent.StateSucceeded, time.Second),
		failed,
	}))

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, zapcore.DebugLevel, entries[0].Level)
	require.Equal(t, zapcore.InfoLevel, entries[1].Level)
	require.Equal(t, zapcore.WarnLevel, entries[2].Level)
	require.Equal(t, "auth", entries[2].ContextMap()["error_kind"])
	require.Equal(t, "b", entries[2].ContextMap()["task_id"])
}
