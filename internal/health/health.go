// Package health tracks daemon health: check counters, memory snapshots, and
// a bounded history of restarts.
package health

import (
	"runtime"
	"sync"
	"time"
)

// DefaultMaxHistory bounds the restart ring when config doesn't set one.
const DefaultMaxHistory = 1000

// RestartRecord is one entry in the restart history.
type RestartRecord struct {
	Timestamp           time.Time `json:"timestamp"`
	Reason              string    `json:"reason"`
	ExitCode            *int      `json:"exitCode,omitempty"`
	TriggeredByWatchdog bool      `json:"triggeredByWatchdog"`
}

// MemoryStats is a point-in-time memory snapshot.
type MemoryStats struct {
	AllocBytes      uint64 `json:"allocBytes"`
	TotalAllocBytes uint64 `json:"totalAllocBytes"`
	SysBytes        uint64 `json:"sysBytes"`
	NumGC           uint32 `json:"numGC"`
	Goroutines      int    `json:"goroutines"`
}

// Report is the full health report returned to callers. It is embedded in
// the daemon state file; the JSON field names are consumed by external
// status tools.
type Report struct {
	Uptime             time.Duration   `json:"uptime"`
	StartedAt          time.Time       `json:"startedAt"`
	HealthChecksPassed int             `json:"healthChecksPassed"`
	HealthChecksFailed int             `json:"healthChecksFailed"`
	Memory             MemoryStats     `json:"memory"`
	TaskCounts         map[string]int  `json:"taskCounts,omitempty"`
	RestartHistory     []RestartRecord `json:"restartHistory,omitempty"`
}

// Monitor collects health data for a running daemon.
type Monitor struct {
	mu            sync.Mutex
	startedAt     time.Time
	checksPassed  int
	checksFailed  int
	history       []RestartRecord
	maxHistory    int
	now           func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithMaxHistory bounds the restart ring. 0 disables history entirely.
func WithMaxHistory(n int) Option {
	return func(m *Monitor) { m.maxHistory = n }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a Monitor anchored at the current time.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		maxHistory: DefaultMaxHistory,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.startedAt = m.now()
	return m
}

// StartedAt returns the monitor's anchor time.
func (m *Monitor) StartedAt() time.Time {
	return m.startedAt
}

// Uptime returns the elapsed time since start.
func (m *Monitor) Uptime() time.Duration {
	return m.now().Sub(m.startedAt)
}

// PerformHealthCheck records the outcome of one health check.
func (m *Monitor) PerformHealthCheck(pass bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pass {
		m.checksPassed++
	} else {
		m.checksFailed++
	}
}

// RecordRestart appends a restart record, evicting the oldest entry once the
// ring is full. With maxHistory 0 this is a no-op.
func (m *Monitor) RecordRestart(rec RestartRecord) {
	if m.maxHistory == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.now()
	}
	m.history = append(m.history, rec)
	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
}

// RestartHistory returns a copy of the restart records, oldest first.
func (m *Monitor) RestartHistory() []RestartRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyHistory(m.history)
}

// ClearRestartHistory drops all restart records.
func (m *Monitor) ClearRestartHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = nil
}

// RestartsSince counts restarts with timestamps at or after cutoff.
func (m *Monitor) RestartsSince(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, rec := range m.history {
		if !rec.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n
}

// MemorySnapshot returns current process memory stats.
func MemorySnapshot() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemoryStats{
		AllocBytes:      ms.Alloc,
		TotalAllocBytes: ms.TotalAlloc,
		SysBytes:        ms.Sys,
		NumGC:           ms.NumGC,
		Goroutines:      runtime.NumGoroutine(),
	}
}

// GetHealthReport assembles the full report. taskCounts comes from the runner
// and may be nil. All returned data is deep-copied.
func (m *Monitor) GetHealthReport(taskCounts map[string]int) Report {
	m.mu.Lock()
	passed, failed := m.checksPassed, m.checksFailed
	history := copyHistory(m.history)
	m.mu.Unlock()

	var counts map[string]int
	if taskCounts != nil {
		counts = make(map[string]int, len(taskCounts))
		for k, v := range taskCounts {
			counts[k] = v
		}
	}

	return Report{
		Uptime:             m.Uptime(),
		StartedAt:          m.startedAt,
		HealthChecksPassed: passed,
		HealthChecksFailed: failed,
		Memory:             MemorySnapshot(),
		TaskCounts:         counts,
		RestartHistory:     history,
	}
}

func copyHistory(h []RestartRecord) []RestartRecord {
	if len(h) == 0 {
		return nil
	}
	out := make([]RestartRecord, len(h))
	copy(out, h)
	return out
}
