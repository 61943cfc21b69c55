// Package supervise runs deployed app processes on the host: start, stop,
// ordered log capture, exit observation, and listening-port detection.
package supervise

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	"go.uber.org/zap"

	"github.com/bastion-dev/bastion/internal/common/logger"
)

// stopGrace is how long a process gets between SIGTERM and SIGKILL.
const stopGrace = 10 * time.Second

// LogSink receives process output as ordered (stream, line) pairs, stream
// being "stdout" or "stderr". Lines from one stream arrive in write order.
type LogSink func(stream, line string)

// ExitFunc is called once when a supervised process exits on its own.
type ExitFunc func(appID string, err error)

// Process is one supervised app process.
type Process struct {
	AppID     string
	Pid       int
	StartedAt time.Time

	cmd      *exec.Cmd
	stopping bool
	mu       sync.Mutex
	waitDone chan struct{}
}

// Supervisor owns all app processes on the host.
type Supervisor struct {
	mu     sync.Mutex
	procs  map[string]*Process
	onExit ExitFunc
	logger *logger.Logger
}

func New(log *logger.Logger) *Supervisor {
	return &Supervisor{
		procs:  make(map[string]*Process),
		logger: log.WithFields(zap.String("component", "supervisor")),
	}
}

// SetExitHandler registers the callback for unexpected process exits.
// Stops requested through the supervisor do not trigger it.
func (s *Supervisor) SetExitHandler(fn ExitFunc) {
	s.onExit = fn
}

// Start launches an app process in dir with the given environment. Any
// already-running process for the app is stopped first.
func (s *Supervisor) Start(appID, dir, command string, env map[string]string, sink LogSink) (*Process, error) {
	if err := s.Stop(appID); err != nil {
		s.logger.Warn("Failed to stop previous process", zap.String("app_id", appID), zap.Error(err))
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	// Own process group so Stop can signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", appID, err)
	}

	proc := &Process{
		AppID:     appID,
		Pid:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		waitDone:  make(chan struct{}),
	}
	s.mu.Lock()
	s.procs[appID] = proc
	s.mu.Unlock()

	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		scanLines(stdout, "stdout", sink)
	}()
	go func() {
		defer streams.Done()
		scanLines(stderr, "stderr", sink)
	}()

	go func() {
		streams.Wait()
		err := cmd.Wait()
		close(proc.waitDone)

		proc.mu.Lock()
		requested := proc.stopping
		proc.mu.Unlock()

		s.mu.Lock()
		if s.procs[appID] == proc {
			delete(s.procs, appID)
		}
		s.mu.Unlock()

		if !requested && s.onExit != nil {
			s.onExit(appID, err)
		}
	}()

	s.logger.Info("Process started",
		zap.String("app_id", appID),
		zap.Int("pid", proc.Pid))
	return proc, nil
}

// Stop terminates an app's process group: SIGTERM, then SIGKILL after the
// grace period. No-op when nothing is running.
func (s *Supervisor) Stop(appID string) error {
	s.mu.Lock()
	proc, ok := s.procs[appID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	proc.mu.Lock()
	proc.stopping = true
	proc.mu.Unlock()

	// Negative pid signals the process group.
	if err := syscall.Kill(-proc.Pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("signal %s: %w", appID, err)
	}

	select {
	case <-proc.waitDone:
	case <-time.After(stopGrace):
		s.logger.Warn("Process ignored SIGTERM, killing",
			zap.String("app_id", appID),
			zap.Int("pid", proc.Pid))
		_ = syscall.Kill(-proc.Pid, syscall.SIGKILL)
		<-proc.waitDone
	}
	s.logger.Info("Process stopped", zap.String("app_id", appID))
	return nil
}

// Running reports whether an app has a live process.
func (s *Supervisor) Running(appID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[appID]
	return ok
}

// Get returns the live process for an app, nil when not running.
func (s *Supervisor) Get(appID string) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[appID]
}

// StopAll terminates every supervised process. Used at agent shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.Stop(id); err != nil {
			s.logger.Warn("Failed to stop process", zap.String("app_id", id), zap.Error(err))
		}
	}
}

// DetectPorts returns the TCP ports the app's process is listening on,
// sorted ascending.
func (s *Supervisor) DetectPorts(appID string) ([]int, error) {
	proc := s.Get(appID)
	if proc == nil {
		return nil, fmt.Errorf("app %s is not running", appID)
	}
	conns, err := gopsnet.ConnectionsPid("tcp", int32(proc.Pid))
	if err != nil {
		return nil, fmt.Errorf("inspect connections for pid %d: %w", proc.Pid, err)
	}
	seen := map[int]bool{}
	var ports []int
	for _, conn := range conns {
		if conn.Status != "LISTEN" {
			continue
		}
		port := int(conn.Laddr.Port)
		if !seen[port] {
			seen[port] = true
			ports = append(ports, port)
		}
	}
	sort.Ints(ports)
	return ports, nil
}

func scanLines(r io.Reader, stream string, sink LogSink) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if sink != nil {
			sink(stream, scanner.Text())
		}
	}
}
