package freerouter

import (
	"sync"
	"sync/atomic"
)

// Stats is the process-wide counter set read by /health and /stats:
// request/error/timeout totals plus per-tier and per-model counts.
type Stats struct {
	totalRequests atomic.Int64
	totalErrors   atomic.Int64
	totalTimeouts atomic.Int64

	mu      sync.RWMutex
	byTier  map[Tier]int64
	byModel map[ModelId]int64
}

// NewStats creates an empty Stats tracker.
func NewStats() *Stats {
	return &Stats{
		byTier:  make(map[Tier]int64),
		byModel: make(map[ModelId]int64),
	}
}

// RecordRequest increments the total-requests counter and the per-tier
// counter for the tier the request was routed to.
func (s *Stats) RecordRequest(tier Tier) {
	s.totalRequests.Add(1)
	s.mu.Lock()
	s.byTier[tier]++
	s.mu.Unlock()
}

// RecordAttempt increments the per-model counter for an upstream attempt.
func (s *Stats) RecordAttempt(model ModelId) {
	s.mu.Lock()
	s.byModel[model]++
	s.mu.Unlock()
}

// RecordError increments the total-errors counter.
func (s *Stats) RecordError() {
	s.totalErrors.Add(1)
}

// RecordTimeout increments the total-timeouts counter. Timeouts also count
// as errors.
func (s *Stats) RecordTimeout() {
	s.totalTimeouts.Add(1)
	s.totalErrors.Add(1)
}

// Snapshot is an immutable, JSON-serializable view of the current counters.
type Snapshot struct {
	TotalRequests int64            `json:"total_requests"`
	TotalErrors   int64            `json:"total_errors"`
	TotalTimeouts int64            `json:"total_timeouts"`
	ByTier        map[string]int64 `json:"by_tier"`
	ByModel       map[string]int64 `json:"by_model"`
}

// Snapshot returns a point-in-time copy of all counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byTier := make(map[string]int64, len(s.byTier))
	for t, n := range s.byTier {
		byTier[t.String()] = n
	}
	byModel := make(map[string]int64, len(s.byModel))
	for m, n := range s.byModel {
		byModel[string(m)] = n
	}
	return Snapshot{
		TotalRequests: s.totalRequests.Load(),
		TotalErrors:   s.totalErrors.Load(),
		TotalTimeouts: s.totalTimeouts.Load(),
		ByTier:        byTier,
		ByModel:       byModel,
	}
}
