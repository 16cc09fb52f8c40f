package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/magnet-dispatcher/internal/progress"
)

// LogSink writes one structured line per event. Failures log at Warn,
// everything else at Debug except terminal events, which log at Info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		task := evt.Task
		fields := []zap.Field{
			zap.String("event", string(evt.Type)),
			zap.String("task_id", task.ID),
			zap.String("content_hash", task.Identifier.ContentHash),
			zap.String("state", string(task.State)),
			zap.Int("attempt", task.AttemptCount),
		}
		if task.Category != "" {
			fields = append(fields,
				zap.String("category", task.Category),
				zap.String("method", string(task.ClassificationMethod)))
		}
		if task.LastError != "" {
			fields = append(fields, zap.String("error_kind", string(task.LastError)))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		s.logger.Log(levelFor(evt), "task event", fields...)
	}
	return nil
}

func levelFor(evt progress.Event) zapcore.Level {
	switch evt.Type {
	case progress.TypeFailed:
		return zapcore.WarnLevel
	case progress.TypeSucceeded, progress.TypeDuplicate:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
