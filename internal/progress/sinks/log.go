package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
)

// LogSink emits structured logs for debugging event streams. It is useful
// during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []crawler.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("kind", string(evt.Kind)),
			zap.String("site", evt.Site),
			zap.String("url", evt.URL),
		}
		switch evt.Kind {
		case crawler.EventPage:
			fields = append(fields, zap.String("source", string(evt.Source)))
			if evt.Record != nil {
				fields = append(fields,
					zap.Int("status", evt.Record.StatusCode),
					zap.Int64("bytes", evt.Record.ByteSize))
			}
		case crawler.EventDiscovered:
			fields = append(fields, zap.Int("new_urls", len(evt.NewURLs)))
		case crawler.EventMemory:
			fields = append(fields, zap.Float64("memory_mb", evt.MemoryMB), zap.Bool("restarted", evt.Restarted))
		}
		if evt.Err != nil {
			fields = append(fields, zap.Error(evt.Err))
		}
		if evt.Stats != nil {
			fields = append(fields,
				zap.Int64("pages_fetched", evt.Stats.PagesFetched),
				zap.Int64("errors", evt.Stats.Errors),
				zap.Duration("duration", evt.Stats.Duration))
		}
		s.logger.Info("crawl event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
