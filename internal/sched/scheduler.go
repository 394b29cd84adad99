// Package sched decides whether the daemon should pause task dispatch.
package sched

import (
	"fmt"
	"time"

	"github.com/randalmurphal/apex/internal/config"
	"github.com/randalmurphal/apex/internal/usage"
)

// TimeWindow describes the current time-based scheduling window.
type TimeWindow struct {
	Mode           string    `json:"mode"`
	IsActive       bool      `json:"is_active"`
	NextTransition time.Time `json:"next_transition"`
}

// Capacity describes budget utilization against the mode threshold.
type Capacity struct {
	CurrentPercentage float64 `json:"current_percentage"`
	Threshold         float64 `json:"threshold"`
	ShouldPause       bool    `json:"should_pause"`
}

// Decision is the scheduler's verdict for one poll tick.
type Decision struct {
	ShouldPause     bool      `json:"should_pause"`
	Reason          string    `json:"reason,omitempty"`
	TimeWindow      TimeWindow `json:"time_window"`
	Capacity        Capacity  `json:"capacity"`
	Recommendations []string  `json:"recommendations,omitempty"`
	NextResetTime   time.Time `json:"next_reset_time"`
}

// Scheduler evaluates pause rules against usage snapshots.
type Scheduler struct {
	cfg config.BudgetConfig
	now func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler.
func New(cfg config.BudgetConfig, opts ...Option) *Scheduler {
	s := &Scheduler{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ShouldPauseTasks applies the pause rules in order; the first match wins.
func (s *Scheduler) ShouldPauseTasks(snap usage.Snapshot) Decision {
	now := s.now()
	pct := snap.UsagePercent
	threshold := snap.Limits.CapacityThreshold

	d := Decision{
		TimeWindow: TimeWindow{
			Mode:           snap.Mode,
			IsActive:       snap.Mode != config.ModeOffHours,
			NextTransition: snap.NextModeSwitch,
		},
		Capacity: Capacity{
			CurrentPercentage: pct,
			Threshold:         threshold,
			ShouldPause:       pct > threshold,
		},
		NextResetTime: usage.NextMidnight(now),
	}

	switch {
	case s.cfg.DailyBudgetUSD > 0 && snap.Daily.TotalCost > s.cfg.DailyBudgetUSD:
		d.ShouldPause = true
		d.Reason = "Daily budget exceeded"
		d.Recommendations = append(d.Recommendations,
			fmt.Sprintf("Wait for the daily reset at %s or raise daily_budget_usd", d.NextResetTime.Format("15:04")))

	case snap.Mode == config.ModeOffHours && s.cfg.TimeBasedEnabled:
		d.ShouldPause = true
		d.Reason = "Outside active time window (off-hours)"
		d.Recommendations = append(d.Recommendations,
			fmt.Sprintf("Tasks resume at %s", snap.NextModeSwitch.Format("15:04")))

	case pct > threshold:
		d.ShouldPause = true
		d.Reason = fmt.Sprintf("Capacity threshold exceeded (%.0f%% >= %.0f%%)", pct*100, threshold*100)
		d.Recommendations = append(d.Recommendations,
			"Reduce concurrent tasks or wait for the daily reset")
	}

	return d
}
