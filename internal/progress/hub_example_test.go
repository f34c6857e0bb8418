package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/seo-crawler/internal/crawler"
)

type sinkFunc func(context.Context, []crawler.Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []crawler.Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}

// ExampleHub counts the pages of a run by where they came from.
func ExampleHub() {
	bySource := map[crawler.Source]int{}
	hub := NewHub(Config{}, sinkFunc(func(_ context.Context, batch []crawler.Event) error {
		for _, evt := range batch {
			if evt.Kind == crawler.EventPage {
				bySource[evt.Source]++
			}
		}
		return nil
	}))

	for i, src := range []crawler.Source{crawler.SourceFetched, crawler.SourceCache, crawler.SourceFetched} {
		url := fmt.Sprintf("https://example.com/%d", i)
		hub.Emit(crawler.Event{
			RunID:  "run-1",
			TS:     time.Unix(0, 0),
			Kind:   crawler.EventPage,
			URL:    url,
			Record: &crawler.PageRecord{URL: url},
			Source: src,
		})
	}
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("fetched=%d cache=%d\n", bySource[crawler.SourceFetched], bySource[crawler.SourceCache])
	// Output:
	// fetched=2 cache=1
}
