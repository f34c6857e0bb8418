package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
)

// RunRecorder persists crawl run history.
type RunRecorder interface {
	StartRun(ctx context.Context, runID, siteID, seed string, startedAt time.Time) error
	FinishRun(
		ctx context.Context,
		runID string,
		finishedAt time.Time,
		state crawler.State,
		stats crawler.CrawlStats,
		errMsg *string,
	) error
}

// RunSink records run start and completion through a RunRecorder. Page level
// events are ignored.
type RunSink struct {
	repo   RunRecorder
	logger *zap.Logger
}

// NewRunSink constructs a RunSink for the provided recorder.
func NewRunSink(repo RunRecorder, logger *zap.Logger) *RunSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunSink{repo: repo, logger: logger}
}

// Consume forwards lifecycle events to the recorder. It respects ctx deadlines
// and returns the first recorder error.
func (s *RunSink) Consume(ctx context.Context, batch []crawler.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		switch evt.Kind {
		case crawler.EventCrawlStart:
			if err := s.repo.StartRun(ctx, evt.RunID, evt.Site, evt.URL, evt.TS); err != nil {
				return fmt.Errorf("record run start: %w", err)
			}
		case crawler.EventCrawlDone:
			if err := s.finish(ctx, evt, crawler.StateCompleted, nil); err != nil {
				return err
			}
		case crawler.EventCrawlFailed:
			var note *string
			if evt.Err != nil {
				msg := evt.Err.Error()
				note = &msg
			}
			if err := s.finish(ctx, evt, crawler.StateFailed, note); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *RunSink) finish(ctx context.Context, evt crawler.Event, state crawler.State, note *string) error {
	var stats crawler.CrawlStats
	if evt.Stats != nil {
		stats = *evt.Stats
	}
	if err := s.repo.FinishRun(ctx, evt.RunID, evt.TS, state, stats, note); err != nil {
		return fmt.Errorf("record run finish: %w", err)
	}
	s.logger.Debug("run recorded", zap.String("run_id", evt.RunID), zap.String("state", string(state)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *RunSink) Close(context.Context) error {
	return nil
}
