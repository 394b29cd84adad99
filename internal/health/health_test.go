package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/apex/internal/config"
)

func TestHealthCheckCounters(t *testing.T) {
	m := NewMonitor()

	m.PerformHealthCheck(true)
	m.PerformHealthCheck(true)
	m.PerformHealthCheck(false)

	report := m.GetHealthReport(nil)
	assert.Equal(t, 2, report.HealthChecksPassed)
	assert.Equal(t, 1, report.HealthChecksFailed)
}

func TestRestartRingBounded(t *testing.T) {
	m := NewMonitor(WithMaxHistory(3))

	for i := 0; i < 5; i++ {
		m.RecordRestart(RestartRecord{Reason: string(rune('a' + i))})
	}

	history := m.RestartHistory()
	require.Len(t, history, 3)
	assert.Equal(t, "c", history[0].Reason)
	assert.Equal(t, "e", history[2].Reason)
}

func TestRestartHistoryDisabled(t *testing.T) {
	m := NewMonitor(WithMaxHistory(0))

	m.RecordRestart(RestartRecord{Reason: "crash"})
	assert.Empty(t, m.RestartHistory())
}

func TestClearRestartHistory(t *testing.T) {
	m := NewMonitor()
	m.RecordRestart(RestartRecord{Reason: "crash"})
	m.ClearRestartHistory()
	assert.Empty(t, m.RestartHistory())
}

func TestReportReturnsCopies(t *testing.T) {
	m := NewMonitor()
	m.RecordRestart(RestartRecord{Reason: "crash"})

	report := m.GetHealthReport(map[string]int{"pending": 2})
	report.RestartHistory[0].Reason = "mutated"
	report.TaskCounts["pending"] = 99

	fresh := m.RestartHistory()
	assert.Equal(t, "crash", fresh[0].Reason)
}

func TestUptime(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := at
	m := NewMonitor(WithClock(func() time.Time { return clock }))

	clock = at.Add(90 * time.Second)
	assert.Equal(t, 90*time.Second, m.Uptime())
}

func TestMemorySnapshot(t *testing.T) {
	ms := MemorySnapshot()
	assert.NotZero(t, ms.AllocBytes)
	assert.Positive(t, ms.Goroutines)
}

func TestWatchdogCrashLoop(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := at
	m := NewMonitor(WithClock(func() time.Time { return clock }))

	cfg := config.WatchdogConfig{
		Enabled:       true,
		RestartDelay:  time.Second,
		MaxRestarts:   2,
		RestartWindow: 10 * time.Minute,
	}
	w := NewWatchdog(cfg, m, nil)

	ok, delay := w.ShouldRestart("crash 1", nil)
	assert.True(t, ok)
	assert.Equal(t, time.Second, delay)

	clock = clock.Add(time.Minute)
	ok, _ = w.ShouldRestart("crash 2", nil)
	assert.True(t, ok)

	// third restart within the window exceeds maxRestarts
	clock = clock.Add(time.Minute)
	ok, _ = w.ShouldRestart("crash 3", nil)
	assert.False(t, ok)
	assert.True(t, w.CrashLooping())

	// terminal: no further restarts even after the window passes
	clock = clock.Add(time.Hour)
	ok, _ = w.ShouldRestart("crash 4", nil)
	assert.False(t, ok)
}

func TestWatchdogDisabled(t *testing.T) {
	m := NewMonitor()
	w := NewWatchdog(config.WatchdogConfig{Enabled: false}, m, nil)

	ok, _ := w.ShouldRestart("crash", nil)
	assert.False(t, ok)
	assert.Empty(t, m.RestartHistory())
}

func TestWatchdogRestartsOutsideWindow(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := at
	m := NewMonitor(WithClock(func() time.Time { return clock }))

	cfg := config.WatchdogConfig{
		Enabled:       true,
		MaxRestarts:   1,
		RestartWindow: time.Minute,
	}
	w := NewWatchdog(cfg, m, nil)

	ok, _ := w.ShouldRestart("crash 1", nil)
	assert.True(t, ok)

	// the first crash has aged out of the window by the second one
	clock = clock.Add(2 * time.Minute)
	ok, _ = w.ShouldRestart("crash 2", nil)
	assert.True(t, ok)
	assert.False(t, w.CrashLooping())
}
