package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
)

// Publisher sends a JSON-encodable payload to a named topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// PageMessage is published for every page a run records.
type PageMessage struct {
	Kind       string               `json:"kind"`
	RunID      string               `json:"run_id"`
	Site       string               `json:"site"`
	Source     crawler.Source       `json:"source"`
	StatusCode int                  `json:"status_code"`
	FetchedAt  time.Time            `json:"fetched_at"`
	Page       crawler.AnalysisPage `json:"page"`
}

// RunMessage summarizes a finished run.
type RunMessage struct {
	Kind  string             `json:"kind"`
	RunID string             `json:"run_id"`
	Site  string             `json:"site"`
	Seed  string             `json:"seed"`
	State crawler.State      `json:"state"`
	Error string             `json:"error,omitempty"`
	Stats crawler.CrawlStats `json:"stats"`
	At    time.Time          `json:"at"`
}

// PubSubSink fans pages and run summaries out to downstream analyzers.
type PubSubSink struct {
	pub        Publisher
	pagesTopic string
	runsTopic  string
	logger     *zap.Logger
}

// NewPubSubSink builds a sink publishing to the given topics. An empty topic
// disables that message family.
func NewPubSubSink(pub Publisher, pagesTopic, runsTopic string, logger *zap.Logger) *PubSubSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSink{pub: pub, pagesTopic: pagesTopic, runsTopic: runsTopic, logger: logger}
}

// Consume publishes each relevant event and returns the joined publish errors.
// A failed publish does not stop the rest of the batch.
func (s *PubSubSink) Consume(ctx context.Context, batch []crawler.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		topic, payload, ok := s.message(evt)
		if !ok {
			continue
		}
		id, err := s.pub.Publish(ctx, topic, payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s for %s: %w", evt.Kind, evt.RunID, err))
			continue
		}
		s.logger.Debug("event published", zap.String("topic", topic), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

func (s *PubSubSink) message(evt crawler.Event) (string, any, bool) {
	switch evt.Kind {
	case crawler.EventPage:
		if s.pagesTopic == "" || evt.Record == nil {
			return "", nil, false
		}
		return s.pagesTopic, PageMessage{
			Kind:       "page",
			RunID:      evt.RunID,
			Site:       evt.Site,
			Source:     evt.Source,
			StatusCode: evt.Record.StatusCode,
			FetchedAt:  evt.Record.FetchedAt,
			Page:       evt.Record.AnalysisPage(),
		}, true
	case crawler.EventCrawlDone, crawler.EventCrawlFailed:
		if s.runsTopic == "" {
			return "", nil, false
		}
		msg := RunMessage{
			Kind:  "run",
			RunID: evt.RunID,
			Site:  evt.Site,
			Seed:  evt.URL,
			State: crawler.StateCompleted,
			At:    evt.TS,
		}
		if evt.Kind == crawler.EventCrawlFailed {
			msg.State = crawler.StateFailed
			if evt.Err != nil {
				msg.Error = evt.Err.Error()
			}
		}
		if evt.Stats != nil {
			msg.Stats = *evt.Stats
		}
		return s.runsTopic, msg, true
	}
	return "", nil, false
}

// Close implements the Sink interface; the publisher is owned by the caller.
func (s *PubSubSink) Close(context.Context) error {
	return nil
}
