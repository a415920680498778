package offline0

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// servedStats tracks what the proxy answered since the last reset: a
// count per outcome and the size spread of bodies served from cache.
type servedStats struct {
	mu       sync.Mutex
	outcomes map[string]uint64

	cached   atomic.Uint64
	bytes    atomic.Uint64
	minBytes atomic.Uint64
	maxBytes atomic.Uint64
}

func newServedStats() *servedStats {
	s := &servedStats{outcomes: map[string]uint64{}}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *servedStats) Observe(outcome string, size int) {
	s.mu.Lock()
	s.outcomes[outcome]++
	s.mu.Unlock()

	switch outcome {
	case outcomeHit, outcomeFallback:
	default:
		return
	}
	n := uint64(max(size, 0))
	s.cached.Add(1)
	s.bytes.Add(n)
	for {
		cur := s.minBytes.Load()
		if n >= cur || s.minBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if n <= cur || s.maxBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type servedSnapshot struct {
	Outcomes map[string]uint64
	Cached   uint64
	MinBytes uint64
	AvgBytes uint64
	MaxBytes uint64
}

func (s *servedStats) Snapshot() servedSnapshot {
	s.mu.Lock()
	out := servedSnapshot{Outcomes: make(map[string]uint64, len(s.outcomes))}
	for k, v := range s.outcomes {
		out.Outcomes[k] = v
	}
	s.mu.Unlock()

	out.Cached = s.cached.Load()
	if out.Cached == 0 {
		return out
	}
	out.MinBytes = s.minBytes.Load()
	out.MaxBytes = s.maxBytes.Load()
	out.AvgBytes = s.bytes.Load() / out.Cached
	return out
}

// hitRatio is the share of intercepted requests answered from cache.
func (ss servedSnapshot) hitRatio() float64 {
	var served, total uint64
	for k, v := range ss.Outcomes {
		switch k {
		case outcomeHit, outcomeFallback:
			served += v
			total += v
		case outcomeMiss, outcomeNetwork, outcomeOffline:
			total += v
		}
	}
	if total == 0 {
		return 0
	}
	return float64(served) / float64(total)
}

func formatCounts[V int | uint64](m map[string]V) string {
	if len(m) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + strconv.FormatUint(uint64(m[k]), 10)
	}
	return strings.Join(parts, " ")
}
