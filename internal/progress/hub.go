package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
)

// Config controls buffering and batching for the Hub.
type Config struct {
	// BufferSize bounds queued events (default 4096). Page, discovery, error
	// and memory events that do not fit are dropped; run lifecycle events wait
	// for room instead.
	BufferSize int
	// MaxBatchEvents flushes once this many events queue (default 500).
	MaxBatchEvents int
	// FlushInterval flushes a partial batch (default 500ms).
	FlushInterval time.Duration
	// SinkTimeout bounds every Consume call (default 10s).
	SinkTimeout time.Duration
	// BaseContext parents sink calls (default context.Background()).
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 500
	defaultFlushInterval  = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Stats counts what the hub accepted, dropped and delivered.
type Stats struct {
	Emitted    int64
	Delivered  int64
	Dropped    int64
	SinkErrors int64
}

// Hub decouples the crawl engine from its event sinks. Emit is safe for
// concurrent use and only blocks for run lifecycle events while the buffer is
// full. Batches go to every sink in registration order.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan crawler.Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropWarn rate.Sometimes

	emitted    atomic.Int64
	delivered  atomic.Int64
	dropped    atomic.Int64
	sinkErrors atomic.Int64
	closing    atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine. Nil sinks are ignored.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &Hub{
		cfg:      cfg,
		events:   make(chan crawler.Event, cfg.BufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		logger:   cfg.Logger,
		dropWarn: rate.Sometimes{Interval: dropLogInterval},
	}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	go h.run()
	return h
}

var _ crawler.Emitter = (*Hub)(nil)

// Emit validates and enqueues evt.
func (h *Hub) Emit(evt crawler.Event) {
	if h == nil || h.closing.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid crawl event", zap.String("kind", string(evt.Kind)), zap.Error(err))
		return
	}
	h.emitted.Add(1)

	if evt.Kind.Lifecycle() {
		select {
		case h.events <- evt:
		case <-h.stop:
			h.dropped.Add(1)
		}
		return
	}
	select {
	case h.events <- evt:
	default:
		total := h.dropped.Add(1)
		h.dropWarn.Do(func() {
			h.logger.Warn("crawl events dropped due to backpressure",
				zap.Int64("dropped_total", total), zap.String("run_id", evt.RunID))
		})
	}
}

// Stats returns a snapshot of the delivery counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Emitted:    h.emitted.Load(),
		Delivered:  h.delivered.Load(),
		Dropped:    h.dropped.Load(),
		SinkErrors: h.sinkErrors.Load(),
	}
}

// Close stops accepting events, flushes what is queued, closes the sinks and
// waits for all of it or for ctx. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closing.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]crawler.Event, 0, h.cfg.MaxBatchEvents)
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			// A finished run reaches the sinks without waiting for the ticker.
			if len(batch) >= h.cfg.MaxBatchEvents || evt.Kind.Terminal() {
				batch = h.flush(batch)
			}
		case <-ticker.C:
			batch = h.flush(batch)
		case <-h.stop:
			batch = h.drain(batch)
			h.flush(batch)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) drain(batch []crawler.Event) []crawler.Event {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
			}
		default:
			return batch
		}
	}
}

// flush hands a copy of batch to every sink and returns batch emptied.
func (h *Hub) flush(batch []crawler.Event) []crawler.Event {
	if len(batch) == 0 {
		return batch
	}
	out := append([]crawler.Event(nil), batch...)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err := sink.Consume(ctx, out)
		cancel()
		if err != nil {
			h.sinkErrors.Add(1)
			h.logger.Warn("progress sink consume failed",
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.Int("events", len(out)),
				zap.Error(err))
		}
	}
	h.delivered.Add(int64(len(out)))
	return batch[:0]
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.String("sink", fmt.Sprintf("%T", sink)), zap.Error(err))
		}
	}
}
