// Package governance applies per-workspace admission control: request-rate
// and concurrency limits for analytics reads, fairness limits for outbox
// workers, and TTL-based degradation flags that other components consult
// before doing optional work.
package governance

import (
	"strings"
	"sync"
	"time"
)

// Options bound each workspace. Zero values fall back to production defaults.
type Options struct {
	Enabled                bool
	WorkerMaxConcurrent    int           // simultaneous outbox jobs per workspace
	WorkerMaxBacklog       int           // queued+running jobs before overflow
	WorkerRetryAfter       time.Duration // backoff handed to denied jobs
	AnalyticsMaxRPM        int           // analytics requests per minute per workspace
	AnalyticsMaxConcurrent int           // simultaneous analytics builds per workspace
}

func (o Options) withDefaults() Options {
	if o.WorkerMaxConcurrent < 1 {
		o.WorkerMaxConcurrent = 1
	}
	if o.WorkerMaxBacklog < 1 {
		o.WorkerMaxBacklog = 500
	}
	if o.WorkerRetryAfter < time.Second {
		o.WorkerRetryAfter = 30 * time.Second
	}
	if o.AnalyticsMaxRPM < 1 {
		o.AnalyticsMaxRPM = 60
	}
	if o.AnalyticsMaxConcurrent < 1 {
		o.AnalyticsMaxConcurrent = 4
	}
	return o
}

// Denial reasons.
const (
	ReasonConcurrency = "concurrency"
	ReasonBacklog     = "backlog"
)

// Decision is the verdict for one unit of work.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// AnalyticsDecision is the verdict for one analytics request.
type AnalyticsDecision struct {
	Allowed    bool
	Degraded   bool
	RetryAfter time.Duration
}

// minute counters are kept for a short tail only.
const counterTailMinutes = 5

// Limiter is the in-process admission state for all workspaces.
type Limiter struct {
	mu   sync.Mutex
	opts Options
	now  func() time.Time

	analyticsWindow map[string][]time.Time
	analyticsActive map[string]int
	workerActive    map[string]int
	degradedUntil   map[string]time.Time

	analyticsCounters map[int64]map[string]int
	workerCounters    map[int64]map[string]int
}

// LimiterOption customizes a Limiter.
type LimiterOption func(*Limiter)

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLimiter builds a limiter with clamped options.
func NewLimiter(opts Options, lopts ...LimiterOption) *Limiter {
	l := &Limiter{
		opts:              opts.withDefaults(),
		now:               time.Now,
		analyticsWindow:   map[string][]time.Time{},
		analyticsActive:   map[string]int{},
		workerActive:      map[string]int{},
		degradedUntil:     map[string]time.Time{},
		analyticsCounters: map[int64]map[string]int{},
		workerCounters:    map[int64]map[string]int{},
	}
	for _, opt := range lopts {
		opt(l)
	}
	return l
}

func normalizeWorkspace(workspaceID string) string {
	return strings.ToLower(strings.TrimSpace(workspaceID))
}

// TryAdmitWorker decides whether an outbox job may run and, when allowed,
// holds one worker slot until ReleaseWorker. Backlog overflow wins over
// concurrency so operators see the structural problem first.
func (l *Limiter) TryAdmitWorker(workspaceID string, backlog int) Decision {
	workspace := normalizeWorkspace(workspaceID)
	if workspace == "" || !l.opts.Enabled {
		return Decision{Allowed: true}
	}
	now := l.now()
	if backlog < 0 {
		backlog = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if backlog > l.opts.WorkerMaxBacklog {
		l.bumpWorker(now, "throttled")
		l.bumpWorker(now, "overflow")
		return Decision{Reason: ReasonBacklog, RetryAfter: l.opts.WorkerRetryAfter}
	}
	if l.workerActive[workspace] >= l.opts.WorkerMaxConcurrent {
		l.bumpWorker(now, "throttled")
		return Decision{Reason: ReasonConcurrency, RetryAfter: l.opts.WorkerRetryAfter}
	}
	l.workerActive[workspace]++
	return Decision{Allowed: true}
}

// ReleaseWorker returns the slot held by TryAdmitWorker.
func (l *Limiter) ReleaseWorker(workspaceID string) {
	workspace := normalizeWorkspace(workspaceID)
	if workspace == "" || !l.opts.Enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.workerActive[workspace] <= 1 {
		delete(l.workerActive, workspace)
	} else {
		l.workerActive[workspace]--
	}
}

// NoteDeferred records that a job was deferred for governance reasons.
func (l *Limiter) NoteDeferred() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bumpWorker(l.now(), "deferred")
}

// CheckAnalytics admits or rejects one analytics request against the
// per-minute rate window and the concurrency cap. An admitted request is
// counted against the window immediately.
func (l *Limiter) CheckAnalytics(workspaceID string) AnalyticsDecision {
	workspace := normalizeWorkspace(workspaceID)
	if workspace == "" || !l.opts.Enabled {
		return AnalyticsDecision{Allowed: true}
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.analyticsActive[workspace] >= l.opts.AnalyticsMaxConcurrent {
		l.bumpAnalytics(now, "blocked")
		return AnalyticsDecision{Degraded: l.isDegradedLocked(workspace, now), RetryAfter: time.Second}
	}

	window := l.pruneWindowLocked(workspace, now)
	if len(window) >= l.opts.AnalyticsMaxRPM {
		retryAfter := time.Minute - now.Sub(window[0])
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		l.bumpAnalytics(now, "blocked")
		return AnalyticsDecision{Degraded: l.isDegradedLocked(workspace, now), RetryAfter: retryAfter}
	}

	l.analyticsWindow[workspace] = append(window, now)
	degraded := l.isDegradedLocked(workspace, now)
	if degraded {
		l.bumpAnalytics(now, "degraded")
	} else {
		l.bumpAnalytics(now, "allowed")
	}
	return AnalyticsDecision{Allowed: true, Degraded: degraded}
}

// EnterAnalytics tries to take one analytics concurrency slot. The returned
// release function is a no-op when the slot was denied.
func (l *Limiter) EnterAnalytics(workspaceID string) (release func(), ok bool) {
	workspace := normalizeWorkspace(workspaceID)
	if workspace == "" || !l.opts.Enabled {
		return func() {}, true
	}

	l.mu.Lock()
	if l.analyticsActive[workspace] >= l.opts.AnalyticsMaxConcurrent {
		l.mu.Unlock()
		return func() {}, false
	}
	l.analyticsActive[workspace]++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.analyticsActive[workspace] <= 1 {
				delete(l.analyticsActive, workspace)
			} else {
				l.analyticsActive[workspace]--
			}
		})
	}, true
}

// MarkDegraded flags a workspace for ttl. Repeated marks extend the flag but
// never shorten it.
func (l *Limiter) MarkDegraded(workspaceID string, ttl time.Duration) {
	workspace := normalizeWorkspace(workspaceID)
	if workspace == "" || !l.opts.Enabled {
		return
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	until := l.now().Add(ttl)
	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(l.degradedUntil[workspace]) {
		l.degradedUntil[workspace] = until
	}
}

// IsDegraded reports whether the workspace is currently flagged.
func (l *Limiter) IsDegraded(workspaceID string) bool {
	workspace := normalizeWorkspace(workspaceID)
	if workspace == "" || !l.opts.Enabled {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isDegradedLocked(workspace, l.now())
}

// DegradedActiveCount counts currently flagged workspaces.
func (l *Limiter) DegradedActiveCount() int {
	if !l.opts.Enabled {
		return 0
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for workspace := range l.degradedUntil {
		if l.isDegradedLocked(workspace, now) {
			count++
		}
	}
	return count
}

// WorkerCounters sums worker events over the current and previous minute.
func (l *Limiter) WorkerCounters() map[string]int {
	return l.lastMinuteTotals(l.workerCounters, []string{"throttled", "deferred", "overflow"})
}

// AnalyticsCounters sums analytics outcomes over the current and previous
// minute.
func (l *Limiter) AnalyticsCounters() map[string]int {
	return l.lastMinuteTotals(l.analyticsCounters, []string{"allowed", "degraded", "blocked"})
}

// Reset drops all state.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.analyticsWindow = map[string][]time.Time{}
	l.analyticsActive = map[string]int{}
	l.workerActive = map[string]int{}
	l.degradedUntil = map[string]time.Time{}
	l.analyticsCounters = map[int64]map[string]int{}
	l.workerCounters = map[int64]map[string]int{}
}

// callers hold l.mu for everything below.

func (l *Limiter) isDegradedLocked(workspace string, now time.Time) bool {
	until, ok := l.degradedUntil[workspace]
	if !ok {
		return false
	}
	if !until.After(now) {
		delete(l.degradedUntil, workspace)
		return false
	}
	return true
}

func (l *Limiter) pruneWindowLocked(workspace string, now time.Time) []time.Time {
	window := l.analyticsWindow[workspace]
	idx := 0
	for idx < len(window) && now.Sub(window[idx]) >= time.Minute {
		idx++
	}
	window = window[idx:]
	if len(window) == 0 {
		delete(l.analyticsWindow, workspace)
		return nil
	}
	l.analyticsWindow[workspace] = window
	return window
}

func (l *Limiter) bumpWorker(now time.Time, event string) {
	bumpCounter(l.workerCounters, now, event)
}

func (l *Limiter) bumpAnalytics(now time.Time, event string) {
	bumpCounter(l.analyticsCounters, now, event)
}

func bumpCounter(counters map[int64]map[string]int, now time.Time, event string) {
	minute := now.Unix() / 60
	bucket := counters[minute]
	if bucket == nil {
		bucket = map[string]int{}
		counters[minute] = bucket
	}
	bucket[event]++
	for key := range counters {
		if key < minute-counterTailMinutes {
			delete(counters, key)
		}
	}
}

func (l *Limiter) lastMinuteTotals(counters map[int64]map[string]int, keys []string) map[string]int {
	nowMinute := l.now().Unix() / 60
	l.mu.Lock()
	defer l.mu.Unlock()
	totals := make(map[string]int, len(keys))
	for _, key := range keys {
		totals[key] = 0
	}
	for minute, bucket := range counters {
		if minute < nowMinute-1 {
			continue
		}
		for _, key := range keys {
			totals[key] += bucket[key]
		}
	}
	return totals
}
