package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
)

type stubSink struct {
	mu      sync.Mutex
	batches [][]crawler.Event
	closed  bool
	gate    chan struct{}
	err     error
}

func (s *stubSink) Consume(ctx context.Context, batch []crawler.Event) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]crawler.Event(nil), batch...))
	return s.err
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]crawler.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]crawler.Event(nil), s.batches...)
}

func (s *stubSink) events() []crawler.Event {
	var out []crawler.Event
	for _, b := range s.Batches() {
		out = append(out, b...)
	}
	return out
}

func lifecycleEvent(kind crawler.EventKind) crawler.Event {
	evt := crawler.Event{RunID: "run-1", TS: time.Now(), Kind: kind, Site: "example.com", URL: "https://example.com/"}
	if kind == crawler.EventCrawlFailed {
		evt.Err = errors.New("launch failed")
	}
	return evt
}

func pageEvent(url string) crawler.Event {
	return crawler.Event{
		RunID:  "run-1",
		TS:     time.Now(),
		Kind:   crawler.EventPage,
		Site:   "example.com",
		URL:    url,
		Record: &crawler.PageRecord{URL: url, StatusCode: 200},
		Source: crawler.SourceFetched,
	}
}

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{MaxBatchEvents: 2, FlushInterval: time.Minute}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(pageEvent("https://example.com/a"))
	hub.Emit(pageEvent("https://example.com/b"))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestHubFlushInterval(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{MaxBatchEvents: 10, FlushInterval: 20 * time.Millisecond}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(pageEvent("https://example.com/a"))
	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, 5*time.Millisecond)
}

// A finished run is delivered without waiting for the flush interval.
func TestHubTerminalEventFlushesImmediately(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{MaxBatchEvents: 100, FlushInterval: time.Hour}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(lifecycleEvent(crawler.EventCrawlStart))
	hub.Emit(pageEvent("https://example.com/"))
	hub.Emit(lifecycleEvent(crawler.EventCrawlDone))

	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, 5*time.Millisecond)
	kinds := []crawler.EventKind{}
	for _, evt := range sink.Batches()[0] {
		kinds = append(kinds, evt.Kind)
	}
	assert.Equal(t, []crawler.EventKind{crawler.EventCrawlStart, crawler.EventPage, crawler.EventCrawlDone}, kinds)
}

// Page events are shed under backpressure, lifecycle events wait for room.
func TestHubBackpressureKeepsLifecycleEvents(t *testing.T) {
	t.Parallel()

	sink := &stubSink{gate: make(chan struct{})}
	hub := NewHub(Config{BufferSize: 1, MaxBatchEvents: 1, FlushInterval: time.Hour}, sink)

	for i := 0; i < 10; i++ {
		hub.Emit(pageEvent("https://example.com/p"))
	}
	assert.GreaterOrEqual(t, hub.Stats().Dropped, int64(8))

	emitted := make(chan struct{})
	go func() {
		hub.Emit(lifecycleEvent(crawler.EventCrawlFailed))
		close(emitted)
	}()
	close(sink.gate)
	<-emitted
	require.NoError(t, hub.Close(context.Background()))

	got := sink.events()
	require.NotEmpty(t, got)
	assert.Equal(t, crawler.EventCrawlFailed, got[len(got)-1].Kind)
	stats := hub.Stats()
	assert.Equal(t, stats.Emitted-stats.Dropped, stats.Delivered)
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{MaxBatchEvents: 100, FlushInterval: time.Hour}, sink)

	hub.Emit(pageEvent("https://example.com/"))
	require.NoError(t, hub.Close(context.Background()))

	require.Len(t, sink.Batches(), 1)
	assert.True(t, sink.closed)
	assert.Equal(t, Stats{Emitted: 1, Delivered: 1}, hub.Stats())
}

func TestHubCloseHonorsDeadline(t *testing.T) {
	t.Parallel()

	sink := &stubSink{gate: make(chan struct{})}
	hub := NewHub(Config{MaxBatchEvents: 1, SinkTimeout: time.Minute}, sink)
	hub.Emit(pageEvent("https://example.com/"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := hub.Close(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(sink.gate)
	require.NoError(t, hub.Close(context.Background()))
}

func TestHubCountsSinkErrors(t *testing.T) {
	t.Parallel()

	failing := &stubSink{err: errors.New("publish failed")}
	healthy := &stubSink{}
	hub := NewHub(Config{MaxBatchEvents: 1}, failing, nil, healthy)

	hub.Emit(lifecycleEvent(crawler.EventCrawlStart))
	require.NoError(t, hub.Close(context.Background()))

	assert.Len(t, healthy.Batches(), 1)
	assert.Equal(t, int64(1), hub.Stats().SinkErrors)
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)

	hub.Emit(crawler.Event{Kind: crawler.EventPage, RunID: "run-1", TS: time.Now()})
	hub.Emit(crawler.Event{Kind: "BOGUS", RunID: "run-1", TS: time.Now()})
	hub.Emit(lifecycleEvent(crawler.EventCrawlDone))
	require.NoError(t, hub.Close(context.Background()))

	got := sink.events()
	require.Len(t, got, 1)
	assert.Equal(t, crawler.EventCrawlDone, got[0].Kind)
	assert.Equal(t, int64(1), hub.Stats().Emitted)
}

func TestHubIgnoresEmitAfterClose(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{}, sink)
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(lifecycleEvent(crawler.EventCrawlStart))
	assert.Empty(t, sink.Batches())

	var nilHub *Hub
	nilHub.Emit(lifecycleEvent(crawler.EventCrawlStart))
	assert.NoError(t, nilHub.Close(context.Background()))
}
