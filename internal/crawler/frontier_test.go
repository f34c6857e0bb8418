package crawler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *frontier) state(url string) URLState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[url]
}

func (f *frontier) known(url string) bool {
	return f.state(url) != URLUnknown
}

func TestFrontierLifecycle(t *testing.T) {
	t.Parallel()

	f := newFrontier()
	require.True(t, f.push(FrontierEntry{URL: "https://example.com/"}))
	require.False(t, f.push(FrontierEntry{URL: "https://example.com/", Depth: 3}))
	assert.Equal(t, URLQueued, f.state("https://example.com/"))

	entry, ok := f.next()
	require.True(t, ok)
	assert.Equal(t, 0, entry.Depth)
	assert.Equal(t, URLInProgress, f.state(entry.URL))
	require.False(t, f.push(FrontierEntry{URL: entry.URL}))

	f.done(entry.URL)
	assert.Equal(t, URLDone, f.state(entry.URL))
	require.False(t, f.push(FrontierEntry{URL: entry.URL}))
	assert.False(t, f.known("https://example.com/other"))
	assert.Equal(t, 1, f.discovered())

	_, ok = f.next()
	assert.False(t, ok, "empty frontier with nothing in flight is drained")
}

// TestFrontierNextWaitsForInflight verifies idle workers wait for in-flight
// work that may still discover URLs.
func TestFrontierNextWaitsForInflight(t *testing.T) {
	t.Parallel()

	f := newFrontier()
	f.push(FrontierEntry{URL: "https://example.com/"})
	first, ok := f.next()
	require.True(t, ok)

	got := make(chan FrontierEntry, 1)
	go func() {
		entry, ok := f.next()
		if ok {
			got <- entry
		}
		close(got)
	}()

	time.Sleep(20 * time.Millisecond)
	f.push(FrontierEntry{URL: "https://example.com/a", Depth: 1, Referrer: first.URL})
	f.done(first.URL)

	select {
	case entry := <-got:
		assert.Equal(t, "https://example.com/a", entry.URL)
		assert.Equal(t, first.URL, entry.Referrer)
	case <-time.After(time.Second):
		t.Fatal("waiting worker never received discovered entry")
	}
}

func TestFrontierStopReleasesWaiters(t *testing.T) {
	t.Parallel()

	f := newFrontier()
	f.push(FrontierEntry{URL: "https://example.com/"})
	_, ok := f.next()
	require.True(t, ok)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := f.next()
			assert.False(t, ok)
		}()
	}
	f.stop()
	wg.Wait()
	assert.False(t, f.push(FrontierEntry{URL: "https://example.com/late"}))
}
