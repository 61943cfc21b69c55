//go:build !windows

package deploy

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastion-dev/bastion/internal/agent/state"
	"github.com/bastion-dev/bastion/internal/agent/supervise"
	"github.com/bastion-dev/bastion/internal/common/logger"
	"github.com/bastion-dev/bastion/pkg/protocol"
)

type recorder struct {
	mu       sync.Mutex
	statuses []protocol.StatusUpdatePayload
	logs     []protocol.LogStreamPayload
	ports    []int
}

func (r *recorder) Status(appID, phase, commit, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, protocol.StatusUpdatePayload{
		AppID: appID, Phase: phase, CommitHash: commit, Message: message,
	})
}

func (r *recorder) Log(appID, stream, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, protocol.LogStreamPayload{AppID: appID, Stream: stream, Line: line})
}

func (r *recorder) Ports(appID string, ports []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports = append(r.ports, ports...)
}

func (r *recorder) phases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.statuses))
	for i, s := range r.statuses {
		out[i] = s.Phase
	}
	return out
}

func (r *recorder) last(t *testing.T) protocol.StatusUpdatePayload {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.statuses)
	return r.statuses[len(r.statuses)-1]
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = nil
	r.logs = nil
}

type pipelineFixture struct {
	pipe     *Pipeline
	store    *state.Store
	super    *supervise.Supervisor
	recorder *recorder
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	st, err := state.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	super := supervise.New(log)
	t.Cleanup(super.StopAll)

	rec := &recorder{}
	pipe := New(Options{
		Store:         st,
		Supervisor:    super,
		Reporter:      rec,
		DataDir:       t.TempDir(),
		BuildTimeout:  30 * time.Second,
		HealthTimeout: 10 * time.Second,
		Logger:        log,
	})
	return &pipelineFixture{pipe: pipe, store: st, super: super, recorder: rec}
}

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	base := []string{
		"-c", "user.email=ci@bastion.test",
		"-c", "user.name=ci",
		"-c", "init.defaultBranch=main",
	}
	cmd := exec.Command("git", append(base, args...)...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

func initRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	gitRun(t, dir, "init")
	gitRun(t, dir, "checkout", "-B", "main")
	writeFiles(t, dir, files)
	commitAll(t, dir, "initial")
	return dir
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func commitAll(t *testing.T, dir, msg string) string {
	t.Helper()
	gitRun(t, dir, "add", "-A")
	gitRun(t, dir, "commit", "-m", msg)
	return gitRun(t, dir, "rev-parse", "HEAD")
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestDeployLifecycleSuccess(t *testing.T) {
	f := newPipelineFixture(t)
	repo := initRepo(t, map[string]string{
		".bastion.yml": "build: echo compiling\nstart: sleep 60\n",
	})

	f.pipe.run(context.Background(), protocol.DeployPayload{
		AppID:   "app-1",
		RepoURL: repo,
		Branch:  "main",
	})

	assert.Equal(t, []string{PhaseCloning, PhaseBuilding, PhaseStarting, PhaseSuccess}, f.recorder.phases())
	assert.True(t, f.super.Running("app-1"))

	var sawBuildLine bool
	for _, l := range f.recorder.logs {
		if l.Stream == "stdout" && l.Line == "compiling" {
			sawBuildLine = true
		}
	}
	assert.True(t, sawBuildLine, "build output was not streamed")

	st, err := f.store.App("app-1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.NotEmpty(t, st.ServingCommit)
	assert.Equal(t, st.ServingCommit, st.LastGoodCommit)
}

func TestDeploySameCommitIsNoop(t *testing.T) {
	f := newPipelineFixture(t)
	repo := initRepo(t, map[string]string{
		".bastion.yml": "start: sleep 60\n",
	})

	f.pipe.run(context.Background(), protocol.DeployPayload{
		AppID: "app-1", RepoURL: repo, Branch: "main",
	})
	st, err := f.store.App("app-1")
	require.NoError(t, err)
	require.NotNil(t, st)

	f.recorder.reset()
	f.pipe.run(context.Background(), protocol.DeployPayload{
		AppID: "app-1", RepoURL: repo, Branch: "main", CommitHash: st.ServingCommit,
	})

	assert.Equal(t, []string{PhaseBuildSkipped}, f.recorder.phases())
}

func TestHotPathChangeSkipsBuild(t *testing.T) {
	f := newPipelineFixture(t)
	repo := initRepo(t, map[string]string{
		".bastion.yml": "build: echo compiling\nstart: sleep 60\n",
		"README.md":    "v1\n",
	})

	f.pipe.run(context.Background(), protocol.DeployPayload{
		AppID: "app-1", RepoURL: repo, Branch: "main",
	})
	require.Equal(t, PhaseSuccess, f.recorder.last(t).Phase)

	writeFiles(t, repo, map[string]string{"README.md": "v2\n"})
	commitAll(t, repo, "docs only")

	f.recorder.reset()
	f.pipe.run(context.Background(), protocol.DeployPayload{
		AppID: "app-1", RepoURL: repo, Branch: "main",
	})

	phases := f.recorder.phases()
	assert.NotContains(t, phases, PhaseBuilding)
	assert.Equal(t, PhaseBuildSkipped, f.recorder.last(t).Phase)
}

func TestHealthFailureRollsBack(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	f := newPipelineFixture(t)
	port := freePort(t)

	repo := initRepo(t, map[string]string{
		".bastion.yml": "start: python3 -m http.server \"$PORT\"\n",
	})
	good := gitRun(t, repo, "rev-parse", "HEAD")

	f.pipe.run(context.Background(), protocol.DeployPayload{
		AppID: "app-1", RepoURL: repo, Branch: "main", MainPort: port,
	})
	require.Equal(t, PhaseSuccess, f.recorder.last(t).Phase)

	// The new commit starts a process that never listens.
	writeFiles(t, repo, map[string]string{
		".bastion.yml": "start: sleep 60\nhealthcheck:\n  timeout_seconds: 2\n",
	})
	bad := commitAll(t, repo, "break the server")

	f.recorder.reset()
	f.pipe.run(context.Background(), protocol.DeployPayload{
		AppID: "app-1", RepoURL: repo, Branch: "main", CommitHash: bad, MainPort: port,
	})

	// The rollback run opens with "rollback", reports "success" once the
	// anchor serves again, and terminates with "rollback".
	phases := f.recorder.phases()
	assert.Contains(t, phases, PhaseRollback)
	assert.Contains(t, phases, PhaseSuccess)
	last := f.recorder.last(t)
	assert.Equal(t, PhaseRollback, last.Phase)
	assert.Equal(t, good, last.CommitHash)

	st, err := f.store.App("app-1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, good, st.ServingCommit)
	assert.Equal(t, good, st.LastGoodCommit)
}

func TestHealthFailureWithoutAnchorIsTerminal(t *testing.T) {
	f := newPipelineFixture(t)
	port := freePort(t)

	repo := initRepo(t, map[string]string{
		".bastion.yml": "start: sleep 60\nhealthcheck:\n  timeout_seconds: 1\n",
	})

	f.pipe.run(context.Background(), protocol.DeployPayload{
		AppID: "app-1", RepoURL: repo, Branch: "main", MainPort: port,
	})

	last := f.recorder.last(t)
	assert.Equal(t, PhaseFailure, last.Phase)
	assert.Contains(t, last.Message, "no previous good commit")
	assert.NotContains(t, f.recorder.phases(), PhaseRollback)
}

func TestRemoveStopsAndForgets(t *testing.T) {
	f := newPipelineFixture(t)
	repo := initRepo(t, map[string]string{
		".bastion.yml": "start: sleep 60\n",
	})

	f.pipe.run(context.Background(), protocol.DeployPayload{
		AppID: "app-1", RepoURL: repo, Branch: "main",
	})
	require.True(t, f.super.Running("app-1"))

	require.NoError(t, f.pipe.Remove("app-1"))
	assert.False(t, f.super.Running("app-1"))

	st, err := f.store.App("app-1")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestUnrecognizedStackFailsWithMessage(t *testing.T) {
	f := newPipelineFixture(t)
	repo := initRepo(t, map[string]string{"data.bin": "x"})

	f.pipe.run(context.Background(), protocol.DeployPayload{
		AppID: "app-1", RepoURL: repo, Branch: "main",
	})

	last := f.recorder.last(t)
	assert.Equal(t, PhaseFailure, last.Phase)
	assert.Contains(t, last.Message, "no start command")
}

func TestSyncRepoFetchesShallow(t *testing.T) {
	repo := initRepo(t, map[string]string{"README.md": "v1\n"})
	for i := 2; i <= 4; i++ {
		writeFiles(t, repo, map[string]string{"README.md": fmt.Sprintf("v%d\n", i)})
		commitAll(t, repo, "update")
	}

	// Local-path clones ignore depth; the file scheme goes through the
	// transport and honors it.
	dir := t.TempDir()
	head, err := syncRepo(context.Background(), dir, "file://"+repo, "main", "")
	require.NoError(t, err)
	assert.Equal(t, gitRun(t, repo, "rev-parse", "HEAD"), head)
	_, err = os.Stat(filepath.Join(dir, ".git", "shallow"))
	assert.NoError(t, err, "clone was not shallow")

	// A commit beyond the shallow boundary is reached by deepening.
	older := gitRun(t, repo, "rev-parse", "HEAD~2")
	got, err := syncRepo(context.Background(), dir, "file://"+repo, "main", older)
	require.NoError(t, err)
	assert.Equal(t, older, got)
}

func TestDeployQueueCollapsesToLatest(t *testing.T) {
	f := newPipelineFixture(t)

	f.pipe.mu.Lock()
	f.pipe.active["app-1"] = true
	f.pipe.mu.Unlock()

	f.pipe.Deploy(context.Background(), protocol.DeployPayload{AppID: "app-1", CommitHash: "aaa"})
	f.pipe.Deploy(context.Background(), protocol.DeployPayload{AppID: "app-1", CommitHash: "bbb"})

	f.pipe.mu.Lock()
	defer f.pipe.mu.Unlock()
	require.Contains(t, f.pipe.pending, "app-1")
	assert.Equal(t, "bbb", f.pipe.pending["app-1"].CommitHash)
}

func TestAppActionQueuedBehindActiveRun(t *testing.T) {
	f := newPipelineFixture(t)

	f.pipe.mu.Lock()
	f.pipe.active["app-1"] = true
	f.pipe.mu.Unlock()

	ran := make(chan struct{})
	f.pipe.Do(context.Background(), "app-1", func(context.Context) { close(ran) })

	select {
	case <-ran:
		t.Fatal("action ran while a deploy was active")
	case <-time.After(50 * time.Millisecond):
	}

	// The run finishes; the queued action executes before the app goes idle.
	f.pipe.drain(context.Background(), "app-1")
	select {
	case <-ran:
	default:
		t.Fatal("queued action did not run after the deploy finished")
	}

	f.pipe.mu.Lock()
	defer f.pipe.mu.Unlock()
	assert.False(t, f.pipe.active["app-1"])
}

func TestActionOnIdleAppRunsImmediately(t *testing.T) {
	f := newPipelineFixture(t)

	ran := make(chan struct{})
	f.pipe.Do(context.Background(), "app-1", func(context.Context) { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("action did not run")
	}
}
