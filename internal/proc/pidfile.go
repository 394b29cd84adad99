package proc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	apexerrors "github.com/randalmurphal/apex/internal/errors"
	"github.com/randalmurphal/apex/internal/util"
)

// PidFileName is the daemon PID file inside the .apex directory.
const PidFileName = "daemon.pid"

// PidFile identifies the daemon owning a project. The JSON field names are
// consumed by external status tools; do not rename them.
type PidFile struct {
	Pid         int       `json:"pid"`
	StartedAt   time.Time `json:"startedAt"`
	Version     string    `json:"version,omitempty"`
	ProjectPath string    `json:"projectPath"`
}

// ReadPidFile reads and validates the PID file at path. An absent file
// returns (nil, nil); an unparseable or incomplete one returns
// PidFileCorrupted.
func ReadPidFile(path string) (*PidFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pid file: %w", err)
	}

	var pf PidFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, apexerrors.ErrPidFileCorrupted(path, err)
	}
	if pf.Pid <= 0 || pf.ProjectPath == "" {
		return nil, apexerrors.ErrPidFileCorrupted(path,
			fmt.Errorf("missing required fields (pid=%d, projectPath=%q)", pf.Pid, pf.ProjectPath))
	}
	return &pf, nil
}

// WritePidFile atomically writes the PID file.
func WritePidFile(path string, pf *PidFile) error {
	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pid file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	return util.AtomicWriteFile(path, data, 0o644)
}

// RemovePidFile deletes the PID file. Missing files are not an error.
func RemovePidFile(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// AcquirePidFile claims daemon ownership of a project. A live owner yields
// ALREADY_RUNNING; a stale or corrupt file is removed and ownership taken.
func AcquirePidFile(path string, pf *PidFile) error {
	existing, err := ReadPidFile(path)
	if err != nil {
		if apexerrors.HasCode(err, apexerrors.CodePidFileCorrupted) {
			// corrupt file: nobody can own it, replace
			_ = os.Remove(path)
		} else {
			return err
		}
	}

	if existing != nil {
		if IsAlive(existing.Pid) {
			return apexerrors.ErrAlreadyRunning(existing.Pid, existing.ProjectPath)
		}
		// stale: the process is gone, reclaim
		_ = os.Remove(path)
	}

	return WritePidFile(path, pf)
}
