package shadow

import (
	"sync"
	"time"
)

// LogLimiter caps detailed diff-log emission process-wide so a persistent
// disagreement cannot flood storage. Counting is per minute bucket.
type LogLimiter struct {
	mu       sync.Mutex
	byMinute map[int64]int
	now      func() time.Time
}

// NewLogLimiter builds a limiter. The clock argument is for tests; nil means
// wall time.
func NewLogLimiter(now func() time.Time) *LogLimiter {
	if now == nil {
		now = time.Now
	}
	return &LogLimiter{byMinute: map[int64]int{}, now: now}
}

// Allow consumes one emission slot from the current minute. A non-positive
// limit disables emission entirely.
func (l *LogLimiter) Allow(limit int) bool {
	if limit <= 0 {
		return false
	}
	minute := l.now().Unix() / 60
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.byMinute {
		if key < minute {
			delete(l.byMinute, key)
		}
	}
	if l.byMinute[minute] >= limit {
		return false
	}
	l.byMinute[minute]++
	return true
}
