package git

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records invocations and returns scripted results.
type fakeRunner struct {
	calls   []string
	results map[string]string
	fails   map[string]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results: make(map[string]string),
		fails:   make(map[string]string),
	}
}

func (f *fakeRunner) Run(workDir, name string, args ...string) (string, error) {
	key := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, key)
	if msg, ok := f.fails[key]; ok {
		return msg, &CommandError{Command: name, Args: args, Output: msg, Err: fmt.Errorf("exit 1")}
	}
	return f.results[key], nil
}

func (f *fakeRunner) called(prefix string) bool {
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func TestWorktreePathIsOutsideProject(t *testing.T) {
	p := WorktreePath("/home/dev/proj", "t1")
	assert.Equal(t, "/home/dev/.apex-worktrees/t1", p)
	assert.False(t, strings.HasPrefix(p, "/home/dev/proj"))
}

func TestDefaultBranchPrefersMain(t *testing.T) {
	f := newFakeRunner()
	f.results["git rev-parse --verify refs/heads/main"] = "abc"
	g := New("/repo", WithRunner(f))
	assert.Equal(t, "main", g.DefaultBranch())
}

func TestDefaultBranchFallsBackToMaster(t *testing.T) {
	f := newFakeRunner()
	f.fails["git rev-parse --verify refs/heads/main"] = "unknown revision"
	f.results["git rev-parse --verify refs/heads/master"] = "abc"
	g := New("/repo", WithRunner(f))
	assert.Equal(t, "master", g.DefaultBranch())
}

func TestDefaultBranchFallsBackToHead(t *testing.T) {
	f := newFakeRunner()
	f.fails["git rev-parse --verify refs/heads/main"] = "unknown revision"
	f.fails["git rev-parse --verify refs/heads/master"] = "unknown revision"
	f.results["git symbolic-ref --short HEAD"] = "trunk"
	g := New("/repo", WithRunner(f))
	assert.Equal(t, "trunk", g.DefaultBranch())
}

func TestAddWorktreeFallsBackToExistingBranch(t *testing.T) {
	dir := t.TempDir()
	repo := filepath.Join(dir, "proj")
	path := WorktreePath(repo, "t1")

	f := newFakeRunner()
	f.fails["git worktree add -b apex/t1 "+path+" HEAD"] = "branch already exists"

	g := New(repo, WithRunner(f))
	got, err := g.AddWorktree("t1", "")
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.True(t, f.called("git worktree add "+path+" apex/t1"))
}

func TestMergeBranchStandard(t *testing.T) {
	f := newFakeRunner()
	f.results["git rev-parse --verify refs/heads/main"] = "ok"
	f.results["git rev-parse HEAD"] = "newhash"
	f.fails["git pull --ff-only"] = "no remote"
	f.results["git diff --name-only newhash newhash"] = ""

	g := New("/repo", WithRunner(f))
	res := g.MergeBranch("apex/t1", false)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "newhash", res.CommitHash)
	assert.True(t, f.called("git merge --no-edit apex/t1"))
	// pull failure only warns
	assert.True(t, f.called("git pull --ff-only"))
}

func TestMergeBranchSquash(t *testing.T) {
	f := newFakeRunner()
	f.results["git rev-parse --verify refs/heads/main"] = "ok"
	f.results["git rev-parse HEAD"] = "hash"

	g := New("/repo", WithRunner(f))
	res := g.MergeBranch("apex/t1", true)
	require.True(t, res.Success, res.Error)
	assert.True(t, f.called("git merge --squash apex/t1"))
	assert.True(t, f.called("git commit -m Merge apex/t1 (squashed)"))
}

func TestMergeBranchFailureDoesNotThrow(t *testing.T) {
	f := newFakeRunner()
	f.results["git rev-parse --verify refs/heads/main"] = "ok"
	f.fails["git merge --no-edit apex/t1"] = "CONFLICT"

	g := New("/repo", WithRunner(f))
	res := g.MergeBranch("apex/t1", false)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "merge apex/t1")
	assert.True(t, f.called("git merge --abort"))
}

func TestCommitAllCleanTreeReturnsHead(t *testing.T) {
	f := newFakeRunner()
	f.results["git rev-parse HEAD"] = "headhash"

	g := New("/repo", WithRunner(f))
	hash, err := g.CommitAll("/repo/wt", "checkpoint")
	require.NoError(t, err)
	assert.Equal(t, "headhash", hash)
	assert.False(t, f.called("git commit"))
}
