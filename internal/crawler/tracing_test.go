package crawler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) attribute.Value {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value
		}
	}
	return attribute.Value{}
}

func TestEngineRecordsRunAndPageSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	pages := blogSite()
	pages["https://example.com/a"] = fakePage{err: errors.New("connection reset")}
	engine, _ := newTestEngine(t, testConfig(), newFakeSite(pages), WithTracerProvider(tp))

	res, err := engine.Run(context.Background(), seedURL)
	require.NoError(t, err)

	var run sdktrace.ReadOnlySpan
	var pageSpans []sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		switch span.Name() {
		case "crawl.run":
			run = span
		case "crawl.page":
			pageSpans = append(pageSpans, span)
		}
	}
	require.NotNil(t, run)
	assert.Equal(t, res.RunID, spanAttr(run, "crawl.run_id").AsString())
	assert.Equal(t, string(StateCompleted), spanAttr(run, "crawl.state").AsString())
	assert.Equal(t, int64(len(res.Pages)), spanAttr(run, "crawl.pages").AsInt64())

	require.Len(t, pageSpans, len(res.Pages)+1)
	failed := 0
	for _, span := range pageSpans {
		assert.Equal(t, run.SpanContext().SpanID(), span.Parent().SpanID())
		if span.Status().Code == codes.Error {
			failed++
			assert.Equal(t, "https://example.com/a", spanAttr(span, "crawl.url").AsString())
			continue
		}
		assert.Equal(t, string(SourceFetched), spanAttr(span, "crawl.source").AsString())
	}
	assert.Equal(t, 1, failed)
}
