package utils

import (
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps a fixed-size ring of recent duration samples for
// percentile reporting. Old samples are overwritten once the ring is full.
type LatencyTracker struct {
	mu     sync.Mutex
	ring   []time.Duration
	next   int
	filled int
}

// NewLatencyTracker creates a tracker holding the newest size samples.
func NewLatencyTracker(size int) *LatencyTracker {
	if size <= 0 {
		size = 512
	}
	return &LatencyTracker{ring: make([]time.Duration, size)}
}

// Observe records one duration sample.
func (l *LatencyTracker) Observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ring[l.next] = d
	l.next = (l.next + 1) % len(l.ring)
	if l.filled < len(l.ring) {
		l.filled++
	}
}

// Percentile returns the p-th percentile (0-100) of the retained samples,
// or zero when nothing has been observed yet.
func (l *LatencyTracker) Percentile(p float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.filled == 0 {
		return 0
	}

	sorted := append([]time.Duration(nil), l.ring[:l.filled]...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	switch {
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[len(sorted)-1]
	}
	return sorted[int(p/100.0*float64(len(sorted)-1))]
}

// Count returns how many samples the tracker currently retains.
func (l *LatencyTracker) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filled
}
