package deploy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

// stderrTailLines is how much stderr survives into a failure report.
const stderrTailLines = 20

// detectCommands inspects a checked-out tree and returns the build and start
// commands for its stack. Either may be empty: no recognized build step, or
// no way to guess how to start it.
func detectCommands(dir string) (build, start string) {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(dir, name))
		return err == nil
	}
	switch {
	case exists("go.mod"):
		return "go build -o ./app .", "./app"
	case exists("package.json"):
		start = "npm start"
		if exists("yarn.lock") {
			return "yarn install --frozen-lockfile", start
		}
		return "npm install --no-audit --no-fund", start
	case exists("requirements.txt"):
		return "pip3 install -r requirements.txt", "python3 main.py"
	case exists("Gemfile"):
		return "bundle install", "bundle exec ruby main.rb"
	}
	return "", ""
}

// runBuild executes the build command in dir, streaming every output line to
// sink with its stream tag. On a non-zero exit the returned error carries the
// stderr tail so dashboards see why the build broke.
func runBuild(ctx context.Context, dir, command string, env map[string]string, timeout time.Duration, sink func(stream, line string)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start build: %w", err)
	}

	tail := newTailBuffer(stderrTailLines)
	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		streamBuildOutput(stdout, "stdout", sink, nil)
	}()
	go func() {
		defer streams.Done()
		streamBuildOutput(stderr, "stderr", sink, tail)
	}()
	streams.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("build timed out after %s", timeout)
		}
		return fmt.Errorf("build failed: %w: %s", err, tail.String())
	}
	return nil
}

func streamBuildOutput(r io.Reader, stream string, sink func(stream, line string), tail *tailBuffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if sink != nil {
			sink(stream, line)
		}
		if tail != nil {
			tail.Add(line)
		}
	}
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	n     int
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (t *tailBuffer) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
