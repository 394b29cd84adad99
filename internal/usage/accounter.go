// Package usage tracks token and cost consumption across tasks and resolves
// the active time-window mode.
package usage

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/apex/internal/config"
	"github.com/randalmurphal/apex/internal/task"
)

// DailyUsage aggregates consumption since the last midnight reset.
type DailyUsage struct {
	TotalTokens    int     `json:"total_tokens"`
	TotalCost      float64 `json:"total_cost"`
	TasksCompleted int     `json:"tasks_completed"`
	TasksFailed    int     `json:"tasks_failed"`
}

// Snapshot is the result of GetCurrentUsage.
type Snapshot struct {
	Daily          DailyUsage        `json:"daily"`
	Mode           string            `json:"mode"`
	Limits         config.ModeLimits `json:"limits"`
	DailyBudgetUSD float64           `json:"daily_budget_usd"`
	UsagePercent   float64           `json:"usage_percent"`
	NextModeSwitch time.Time         `json:"next_mode_switch"`
}

// Accounter maintains daily usage stats and in-flight task usage records.
type Accounter struct {
	mu     sync.Mutex
	cfg    config.BudgetConfig
	daily  DailyUsage
	active map[string]task.Usage
	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Accounter.
type Option func(*Accounter)

// WithClock injects a clock, used by tests to pin the wall time.
func WithClock(now func() time.Time) Option {
	return func(a *Accounter) { a.now = now }
}

// WithLogger sets the accounter's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Accounter) { a.logger = l }
}

// New creates an Accounter from budget configuration.
func New(cfg config.BudgetConfig, opts ...Option) *Accounter {
	a := &Accounter{
		cfg:    cfg,
		active: make(map[string]task.Usage),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// modeForHour resolves the time-window mode for a wall-clock hour.
func (a *Accounter) modeForHour(hour int) string {
	for _, h := range a.cfg.DayModeHours {
		if h == hour {
			return config.ModeDay
		}
	}
	for _, h := range a.cfg.NightModeHours {
		if h == hour {
			return config.ModeNight
		}
	}
	return config.ModeOffHours
}

// CurrentMode returns the active time-window mode. A forced mode (set via
// APEX_DAEMON_MODE) wins over hour-based resolution.
func (a *Accounter) CurrentMode() string {
	if a.cfg.ForcedMode != "" {
		return a.cfg.ForcedMode
	}
	return a.modeForHour(a.now().Hour())
}

// NextModeSwitch returns the next wall-clock time at which the mode changes.
// With a single-mode or forced-mode configuration it returns the next
// midnight.
func (a *Accounter) NextModeSwitch() time.Time {
	now := a.now()
	if a.cfg.ForcedMode != "" {
		return NextMidnight(now)
	}
	current := a.modeForHour(now.Hour())
	top := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	for i := 1; i <= 24; i++ {
		next := top.Add(time.Duration(i) * time.Hour)
		if a.modeForHour(next.Hour()) != current {
			return next
		}
	}
	return NextMidnight(now)
}

// NextMidnight returns the next local 00:00 after t.
func NextMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
}

// TrackTaskStart registers an in-flight task. initial seeds the running
// total with usage the task accumulated before this session, so per-task
// limits hold across pause and resume. Already-tracked tasks keep their
// record.
func (a *Accounter) TrackTaskStart(taskID string, initial task.Usage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.active[taskID]; !ok {
		a.active[taskID] = initial
	}
}

// AddUsage accumulates a streaming usage delta for an in-flight task and the
// daily totals, returning the task's running total.
func (a *Accounter) AddUsage(taskID string, delta task.Usage) task.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()

	u := a.active[taskID]
	u.Add(delta)
	a.active[taskID] = u

	a.daily.TotalTokens += delta.TotalTokens
	a.daily.TotalCost += delta.EstimatedCost
	return u
}

// TrackTaskCompletion finalizes an in-flight task. Any usage not already
// reported through AddUsage is reconciled into the daily totals.
func (a *Accounter) TrackTaskCompletion(taskID string, final task.Usage, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	recorded := a.active[taskID]
	if extra := final.TotalTokens - recorded.TotalTokens; extra > 0 {
		a.daily.TotalTokens += extra
	}
	if extra := final.EstimatedCost - recorded.EstimatedCost; extra > 0 {
		a.daily.TotalCost += extra
	}
	delete(a.active, taskID)

	if success {
		a.daily.TasksCompleted++
	} else {
		a.daily.TasksFailed++
	}
}

// ResetDailyStats zeroes the daily counters. Called at the midnight tick.
func (a *Accounter) ResetDailyStats() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logger.Info("resetting daily usage stats",
		"total_tokens", a.daily.TotalTokens,
		"total_cost", a.daily.TotalCost)
	a.daily = DailyUsage{}
}

// GetCurrentUsage returns a consistent snapshot of daily usage and mode state.
func (a *Accounter) GetCurrentUsage() Snapshot {
	a.mu.Lock()
	daily := a.daily
	a.mu.Unlock()

	mode := a.CurrentMode()
	return Snapshot{
		Daily:          daily,
		Mode:           mode,
		Limits:         a.cfg.LimitsFor(mode),
		DailyBudgetUSD: a.cfg.DailyBudgetUSD,
		UsagePercent:   a.usagePercent(daily.TotalCost),
		NextModeSwitch: a.NextModeSwitch(),
	}
}

func (a *Accounter) usagePercent(dailyCost float64) float64 {
	if a.cfg.DailyBudgetUSD <= 0 {
		return 0
	}
	return dailyCost / a.cfg.DailyBudgetUSD
}

// CanStartTask reports whether a task with the given estimated cost may start
// now. Comparisons use closed upper bounds.
func (a *Accounter) CanStartTask(estimatedCost float64) (bool, string) {
	a.mu.Lock()
	dailyCost := a.daily.TotalCost
	a.mu.Unlock()

	if a.cfg.DailyBudgetUSD > 0 && dailyCost+estimatedCost > a.cfg.DailyBudgetUSD {
		return false, fmt.Sprintf("daily budget would be exceeded ($%.2f + $%.2f > $%.2f)",
			dailyCost, estimatedCost, a.cfg.DailyBudgetUSD)
	}

	limits := a.GetBaseLimits()
	if pct := a.usagePercent(dailyCost); pct > limits.CapacityThreshold {
		return false, fmt.Sprintf("capacity threshold exceeded (%.0f%% >= %.0f%%)",
			pct*100, limits.CapacityThreshold*100)
	}

	return true, ""
}

// GetBaseLimits returns the limits for the current mode.
func (a *Accounter) GetBaseLimits() config.ModeLimits {
	return a.cfg.LimitsFor(a.CurrentMode())
}

// GetActiveTasks returns a copy of the in-flight usage records.
func (a *Accounter) GetActiveTasks() map[string]task.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]task.Usage, len(a.active))
	for id, u := range a.active {
		out[id] = u
	}
	return out
}

// CostFor computes the USD cost of a token delta for the named model.
func (a *Accounter) CostFor(model string, inputTokens, outputTokens int) float64 {
	return a.cfg.CostFor(model, inputTokens, outputTokens)
}
