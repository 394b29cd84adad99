package proc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apexerrors "github.com/randalmurphal/apex/internal/errors"
)

func TestIsAliveSelf(t *testing.T) {
	assert.True(t, IsAlive(os.Getpid()))
}

func TestIsAliveInvalidPid(t *testing.T) {
	assert.False(t, IsAlive(0))
	assert.False(t, IsAlive(-1))
	// PIDs wrap well below this on every supported platform
	assert.False(t, IsAlive(1<<30))
}

func TestPidFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	pf := &PidFile{
		Pid:         os.Getpid(),
		StartedAt:   time.Now(),
		Version:     "1.0.0",
		ProjectPath: "/tmp/project",
	}
	require.NoError(t, WritePidFile(path, pf))

	got, err := ReadPidFile(path)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, pf.Pid, got.Pid)
	assert.Equal(t, "/tmp/project", got.ProjectPath)
}

func TestReadPidFileAbsent(t *testing.T) {
	got, err := ReadPidFile(filepath.Join(t.TempDir(), "nope.pid"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReadPidFileCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	_, err := ReadPidFile(path)
	require.Error(t, err)
	assert.True(t, apexerrors.HasCode(err, apexerrors.CodePidFileCorrupted))
}

func TestReadPidFileMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	require.NoError(t, os.WriteFile(path, []byte(`{"pid": 0}`), 0o644))

	_, err := ReadPidFile(path)
	require.Error(t, err)
	assert.True(t, apexerrors.HasCode(err, apexerrors.CodePidFileCorrupted))
}

func TestAcquirePidFileLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	owner := &PidFile{Pid: os.Getpid(), StartedAt: time.Now(), ProjectPath: "/tmp/project"}
	require.NoError(t, WritePidFile(path, owner))

	err := AcquirePidFile(path, &PidFile{Pid: 12345, StartedAt: time.Now(), ProjectPath: "/tmp/project"})
	require.Error(t, err)
	assert.True(t, apexerrors.HasCode(err, apexerrors.CodeAlreadyRunning))
}

func TestAcquirePidFileStaleOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	stale := &PidFile{Pid: 1 << 30, StartedAt: time.Now(), ProjectPath: "/tmp/project"}
	require.NoError(t, WritePidFile(path, stale))

	claim := &PidFile{Pid: os.Getpid(), StartedAt: time.Now(), ProjectPath: "/tmp/project"}
	require.NoError(t, AcquirePidFile(path, claim))

	got, err := ReadPidFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), got.Pid)
}

func TestAcquirePidFileCorruptedReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	claim := &PidFile{Pid: os.Getpid(), StartedAt: time.Now(), ProjectPath: "/tmp/project"}
	require.NoError(t, AcquirePidFile(path, claim))
}

func TestRemovePidFileIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	require.NoError(t, RemovePidFile(path))

	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	require.NoError(t, RemovePidFile(path))
	require.NoError(t, RemovePidFile(path))
}

func TestStateFileRoundTripAndStaleness(t *testing.T) {
	path := filepath.Join(t.TempDir(), StateFileName)

	now := time.Now()
	st := &State{
		Timestamp: now,
		Pid:       os.Getpid(),
		StartedAt: now.Add(-time.Hour),
		Capacity: CapacityState{
			Mode:         "day",
			Threshold:    0.70,
			UsagePercent: 0.25,
		},
	}
	require.NoError(t, WriteStateFile(path, st))

	got, err := ReadStateFile(path)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "day", got.Capacity.Mode)

	assert.False(t, got.IsStale(now.Add(time.Minute)))
	assert.True(t, got.IsStale(now.Add(3*time.Minute)))
}

func TestReadStateFileAbsent(t *testing.T) {
	got, err := ReadStateFile(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

// External status tools parse these files by field name; the schema is
// stable.
func TestWireFieldNamesStable(t *testing.T) {
	assert.Equal(t, "daemon-state.json", StateFileName)
	assert.Equal(t, "daemon.pid", PidFileName)

	dir := t.TempDir()

	pidPath := filepath.Join(dir, PidFileName)
	require.NoError(t, WritePidFile(pidPath, &PidFile{
		Pid: 1234, StartedAt: time.Now(), Version: "1.0.0", ProjectPath: "/tmp/project",
	}))
	raw, err := os.ReadFile(pidPath)
	require.NoError(t, err)
	for _, field := range []string{`"pid"`, `"startedAt"`, `"version"`, `"projectPath"`} {
		assert.Contains(t, string(raw), field)
	}

	statePath := filepath.Join(dir, StateFileName)
	require.NoError(t, WriteStateFile(statePath, &State{
		Pid:       1234,
		StartedAt: time.Now(),
		Capacity:  CapacityState{Mode: "day", PauseReason: "budget"},
	}))
	raw, err = os.ReadFile(statePath)
	require.NoError(t, err)
	for _, field := range []string{
		`"timestamp"`, `"startedAt"`, `"capacity"`, `"health"`,
		`"mode"`, `"threshold"`, `"usagePercent"`, `"isAutoPaused"`,
		`"pauseReason"`, `"nextModeSwitch"`, `"timeBasedEnabled"`,
		`"healthChecksPassed"`, `"healthChecksFailed"`,
	} {
		assert.Contains(t, string(raw), field)
	}
}
