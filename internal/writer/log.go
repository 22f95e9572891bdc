package writer

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/rickgao/chat-relay/internal/batch"
	"github.com/rickgao/chat-relay/internal/model"
)

// LogSink logs every delivered batch. It never fails.
type LogSink struct {
	logger    *slog.Logger
	delivered atomic.Int64
}

var _ batch.Sink[model.EntityUpdate] = (*LogSink)(nil)

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "log_sink")}
}

func (s *LogSink) Deliver(_ context.Context, items []batch.Item[model.EntityUpdate]) error {
	for _, it := range items {
		s.logger.Info("entity update",
			"kind", it.Payload.Kind,
			"id", it.Payload.ID,
			"platform", it.Payload.Platform,
			"ordered_at", it.OrderKey(),
		)
	}
	s.delivered.Add(int64(len(items)))
	return nil
}

// Delivered returns the number of items logged.
func (s *LogSink) Delivered() int64 {
	return s.delivered.Load()
}
