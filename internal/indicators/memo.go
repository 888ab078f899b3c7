package indicators

import "sync"

// memoKey identifies one indicator computation within a single scan.
type memoKey struct {
	Indicator string
	Pair      string
	Timeframe int
	Params    string // stable string form of the param tuple
}

// ScanCache memoizes indicator results for the lifetime of one scan, so
// multiple strategies evaluating the same pair/timeframe never recompute
// the same indicator twice. A fresh ScanCache must be created per scan.
type ScanCache struct {
	mu    sync.Mutex
	cache map[memoKey]interface{}
}

// NewScanCache returns an empty, scan-scoped cache.
func NewScanCache() *ScanCache {
	return &ScanCache{cache: make(map[memoKey]interface{})}
}

// GetOrCompute returns the cached value for the given key, computing and
// storing it via compute if absent.
func (s *ScanCache) GetOrCompute(indicator, pair string, timeframe int, params string, compute func() interface{}) interface{} {
	key := memoKey{Indicator: indicator, Pair: pair, Timeframe: timeframe, Params: params}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.cache[key]; ok {
		return v
	}
	v := compute()
	s.cache[key] = v
	return v
}
