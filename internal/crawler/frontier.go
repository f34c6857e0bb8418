package crawler

import "sync"

// frontier is the shared work queue plus the membership index that enforces
// the Queued -> InProgress -> Done lifecycle. Membership checks are O(1).
type frontier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []FrontierEntry
	states   map[string]URLState
	inflight int
	stopped  bool
}

func newFrontier() *frontier {
	f := &frontier{states: make(map[string]URLState)}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// push enqueues entry unless its URL is already known. It returns false for
// duplicates and after stop.
func (f *frontier) push(entry FrontierEntry) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return false
	}
	if _, seen := f.states[entry.URL]; seen {
		return false
	}
	f.states[entry.URL] = URLQueued
	f.queue = append(f.queue, entry)
	f.cond.Signal()
	return true
}

// next blocks until an entry is claimable, the frontier drains with no work
// in flight, or stop is called. A claimed entry is marked InProgress.
func (f *frontier) next() (FrontierEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if f.stopped {
			return FrontierEntry{}, false
		}
		for len(f.queue) > 0 {
			entry := f.queue[0]
			f.queue[0] = FrontierEntry{}
			f.queue = f.queue[1:]
			if f.states[entry.URL] != URLQueued {
				continue
			}
			f.states[entry.URL] = URLInProgress
			f.inflight++
			return entry, true
		}
		if f.inflight == 0 {
			f.cond.Broadcast()
			return FrontierEntry{}, false
		}
		f.cond.Wait()
	}
}

// done marks url Done and wakes waiters when the run may be finished.
func (f *frontier) done(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states[url] != URLInProgress {
		return
	}
	f.states[url] = URLDone
	f.inflight--
	f.cond.Broadcast()
}

// stop prevents further claims. In-flight entries may still call done.
func (f *frontier) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.cond.Broadcast()
}

func (f *frontier) discovered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.states)
}
