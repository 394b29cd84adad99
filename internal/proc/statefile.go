package proc

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/randalmurphal/apex/internal/health"
	"github.com/randalmurphal/apex/internal/util"
)

// StateFileName is the daemon state file inside the .apex directory.
const StateFileName = "daemon-state.json"

// StateStaleAfter is the age beyond which a state file no longer reflects a
// live daemon.
const StateStaleAfter = 120 * time.Second

// CapacityState summarizes the scheduler view in the state file. The JSON
// field names are consumed by external status tools; do not rename them.
type CapacityState struct {
	Mode             string    `json:"mode"`
	Threshold        float64   `json:"threshold"`
	UsagePercent     float64   `json:"usagePercent"`
	IsAutoPaused     bool      `json:"isAutoPaused"`
	PauseReason      string    `json:"pauseReason,omitempty"`
	NextModeSwitch   time.Time `json:"nextModeSwitch"`
	TimeBasedEnabled bool      `json:"timeBasedEnabled"`
}

// State is the periodically rewritten daemon state snapshot.
type State struct {
	Timestamp time.Time     `json:"timestamp"`
	Pid       int           `json:"pid"`
	StartedAt time.Time     `json:"startedAt"`
	Capacity  CapacityState `json:"capacity"`
	Health    health.Report `json:"health"`
}

// WriteStateFile atomically replaces the state file.
func WriteStateFile(path string, st *State) error {
	if st.Timestamp.IsZero() {
		st.Timestamp = time.Now()
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state file: %w", err)
	}
	return util.AtomicWriteFile(path, data, 0o644)
}

// ReadStateFile reads the state file. Absent files return (nil, nil).
func ReadStateFile(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return &st, nil
}

// IsStale reports whether the snapshot is too old to trust.
func (s *State) IsStale(now time.Time) bool {
	return now.Sub(s.Timestamp) > StateStaleAfter
}
