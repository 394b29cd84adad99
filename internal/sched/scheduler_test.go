package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/randalmurphal/apex/internal/config"
	"github.com/randalmurphal/apex/internal/usage"
)

func snapshot(mode string, dailyCost, budget, threshold float64) usage.Snapshot {
	pct := 0.0
	if budget > 0 {
		pct = dailyCost / budget
	}
	return usage.Snapshot{
		Daily:          usage.DailyUsage{TotalCost: dailyCost},
		Mode:           mode,
		Limits:         config.ModeLimits{CapacityThreshold: threshold},
		DailyBudgetUSD: budget,
		UsagePercent:   pct,
		NextModeSwitch: time.Date(2026, 3, 1, 18, 0, 0, 0, time.Local),
	}
}

func TestNoPauseWhenHealthy(t *testing.T) {
	cfg := config.BudgetConfig{DailyBudgetUSD: 100}
	s := New(cfg)

	d := s.ShouldPauseTasks(snapshot(config.ModeDay, 10, 100, 0.70))
	assert.False(t, d.ShouldPause)
	assert.Empty(t, d.Reason)
	assert.True(t, d.TimeWindow.IsActive)
	assert.False(t, d.Capacity.ShouldPause)
}

func TestBudgetRuleWinsFirst(t *testing.T) {
	cfg := config.BudgetConfig{DailyBudgetUSD: 100, TimeBasedEnabled: true}
	s := New(cfg)

	// budget exceeded AND off-hours: budget reason wins
	d := s.ShouldPauseTasks(snapshot(config.ModeOffHours, 150, 100, 0.70))
	assert.True(t, d.ShouldPause)
	assert.Equal(t, "Daily budget exceeded", d.Reason)
}

func TestOffHoursRule(t *testing.T) {
	cfg := config.BudgetConfig{DailyBudgetUSD: 100, TimeBasedEnabled: true}
	s := New(cfg)

	d := s.ShouldPauseTasks(snapshot(config.ModeOffHours, 10, 100, 0.70))
	assert.True(t, d.ShouldPause)
	assert.Equal(t, "Outside active time window (off-hours)", d.Reason)
	assert.False(t, d.TimeWindow.IsActive)
}

func TestOffHoursIgnoredWhenTimeBasedDisabled(t *testing.T) {
	cfg := config.BudgetConfig{DailyBudgetUSD: 100, TimeBasedEnabled: false}
	s := New(cfg)

	d := s.ShouldPauseTasks(snapshot(config.ModeOffHours, 10, 100, 0.70))
	assert.False(t, d.ShouldPause)
}

func TestCapacityRule(t *testing.T) {
	cfg := config.BudgetConfig{DailyBudgetUSD: 100}
	s := New(cfg)

	d := s.ShouldPauseTasks(snapshot(config.ModeDay, 75, 100, 0.70))
	assert.True(t, d.ShouldPause)
	assert.Equal(t, "Capacity threshold exceeded (75% >= 70%)", d.Reason)
	assert.True(t, d.Capacity.ShouldPause)
}

func TestCapacityAtThresholdDoesNotPause(t *testing.T) {
	cfg := config.BudgetConfig{DailyBudgetUSD: 100}
	s := New(cfg)

	d := s.ShouldPauseTasks(snapshot(config.ModeDay, 70, 100, 0.70))
	assert.False(t, d.ShouldPause)
}

func TestNextResetTimeIsMidnight(t *testing.T) {
	cfg := config.BudgetConfig{DailyBudgetUSD: 100}
	at := time.Date(2026, 3, 1, 16, 0, 0, 0, time.Local)
	s := New(cfg, WithClock(func() time.Time { return at }))

	d := s.ShouldPauseTasks(snapshot(config.ModeDay, 0, 100, 0.70))
	assert.Equal(t, usage.NextMidnight(at), d.NextResetTime)
}
