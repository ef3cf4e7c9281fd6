package telegram

import (
	"hash/fnv"
	"sync"
	"time"
	"unicode/utf8"
)

// maxMessageRunes is the Bot API limit for one text message.
const maxMessageRunes = 4096

// dedup suppresses identical texts inside a window. Expired keys are pruned
// on every allow; the earliest-expiring keys go first when over capacity.
type dedup struct {
	window time.Duration
	max    int

	mu    sync.Mutex
	until map[uint64]time.Time
}

func newDedup(window time.Duration, maxEntries int) *dedup {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &dedup{window: window, max: maxEntries, until: map[uint64]time.Time{}}
}

func (d *dedup) allow(text string, now time.Time) bool {
	if d == nil || d.window <= 0 {
		return true
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	key := h.Sum64()

	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.until[key]; ok && now.Before(t) {
		return false
	}
	d.until[key] = now.Add(d.window)

	for k, t := range d.until {
		if !now.Before(t) {
			delete(d.until, k)
		}
	}
	for len(d.until) > d.max {
		var (
			minKey uint64
			minT   time.Time
			set    bool
		)
		for k, t := range d.until {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		delete(d.until, minKey)
	}
	return true
}

// truncRunes cuts s to at most n runes, ending with "…" when cut.
func truncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n-1 {
			return s[:i] + "…"
		}
		count++
	}
	return s
}
