package breach

import (
	"sync"
	"time"
)

type trackedEvent struct {
	at      time.Time
	details map[string]any
}

// tracker holds the sliding window of matching events for one rule.
type tracker struct {
	mu      sync.Mutex
	entries []trackedEvent
}

type tripResult struct {
	tripped     bool
	count       int
	windowStart time.Time
	evicted     int
}

// record prunes entries older than the window, appends the new event and
// resets the window if the threshold is reached. maxEntries caps memory by
// evicting the oldest entries.
func (t *tracker) record(now time.Time, window time.Duration, threshold, maxEntries int, details map[string]any) tripResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-window)
	kept := t.entries[:0]
	for _, e := range t.entries {
		if !e.at.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	t.entries = append(kept, trackedEvent{at: now, details: details})

	var res tripResult
	if maxEntries > 0 && len(t.entries) > maxEntries {
		res.evicted = len(t.entries) - maxEntries
		t.entries = append(t.entries[:0], t.entries[res.evicted:]...)
	}

	if len(t.entries) >= threshold {
		res.tripped = true
		res.count = len(t.entries)
		res.windowStart = t.entries[0].at
		t.entries = nil
	}
	return res
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
