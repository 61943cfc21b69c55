//go:build !windows

package supervise

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastion-dev/bastion/internal/common/logger"
)

func newSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return New(log)
}

type lineCollector struct {
	mu    sync.Mutex
	lines []struct{ stream, line string }
}

func (c *lineCollector) sink(stream, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, struct{ stream, line string }{stream, line})
}

func (c *lineCollector) snapshot() []struct{ stream, line string } {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]struct{ stream, line string }(nil), c.lines...)
}

func TestStartCapturesOrderedOutput(t *testing.T) {
	s := newSupervisor(t)
	collector := &lineCollector{}

	exited := make(chan string, 1)
	s.SetExitHandler(func(appID string, err error) { exited <- appID })

	_, err := s.Start("app-1", t.TempDir(), `echo one; echo two; echo err >&2`, nil, collector.sink)
	require.NoError(t, err)

	select {
	case id := <-exited:
		assert.Equal(t, "app-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	lines := collector.snapshot()
	var stdout, stderr []string
	for _, l := range lines {
		switch l.stream {
		case "stdout":
			stdout = append(stdout, l.line)
		case "stderr":
			stderr = append(stderr, l.line)
		}
	}
	// Per-stream ordering is guaranteed.
	assert.Equal(t, []string{"one", "two"}, stdout)
	assert.Equal(t, []string{"err"}, stderr)
}

func TestStopTerminatesProcess(t *testing.T) {
	s := newSupervisor(t)

	unexpected := make(chan struct{}, 1)
	s.SetExitHandler(func(appID string, err error) { unexpected <- struct{}{} })

	proc, err := s.Start("app-1", t.TempDir(), `sleep 60`, nil, nil)
	require.NoError(t, err)
	require.True(t, s.Running("app-1"))
	assert.Greater(t, proc.Pid, 0)

	require.NoError(t, s.Stop("app-1"))
	assert.False(t, s.Running("app-1"))

	// A requested stop is not an unexpected exit.
	select {
	case <-unexpected:
		t.Fatal("exit handler fired for a requested stop")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStartReplacesExistingProcess(t *testing.T) {
	s := newSupervisor(t)

	first, err := s.Start("app-1", t.TempDir(), `sleep 60`, nil, nil)
	require.NoError(t, err)

	second, err := s.Start("app-1", t.TempDir(), `sleep 60`, nil, nil)
	require.NoError(t, err)
	defer func() { _ = s.Stop("app-1") }()

	assert.NotEqual(t, first.Pid, second.Pid)
	assert.Equal(t, second, s.Get("app-1"))
}

func TestEnvPassedToProcess(t *testing.T) {
	s := newSupervisor(t)
	collector := &lineCollector{}

	exited := make(chan struct{}, 1)
	s.SetExitHandler(func(string, error) { exited <- struct{}{} })

	_, err := s.Start("app-1", t.TempDir(), `echo "$GREETING"`,
		map[string]string{"GREETING": "hello"}, collector.sink)
	require.NoError(t, err)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	lines := collector.snapshot()
	require.NotEmpty(t, lines)
	assert.Equal(t, "hello", lines[0].line)
}

func TestStopUnknownAppIsNoop(t *testing.T) {
	s := newSupervisor(t)
	assert.NoError(t, s.Stop("ghost"))
}
