// Package runtimes installs, updates, and removes language runtimes on the
// agent host, streaming every line of installer output.
package runtimes

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/bastion-dev/bastion/internal/common/errors"
	"github.com/bastion-dev/bastion/internal/common/logger"
)

// LineSink receives installer output tagged with the operation name.
type LineSink func(operation, line string)

// runtimeSpec maps a runtime name to its apt packages and version probe.
type runtimeSpec struct {
	packages   []string
	versionCmd []string
}

var knownRuntimes = map[string]runtimeSpec{
	"node":   {packages: []string{"nodejs", "npm"}, versionCmd: []string{"node", "--version"}},
	"python": {packages: []string{"python3", "python3-pip"}, versionCmd: []string{"python3", "--version"}},
	"go":     {packages: []string{"golang-go"}, versionCmd: []string{"go", "version"}},
	"ruby":   {packages: []string{"ruby-full"}, versionCmd: []string{"ruby", "--version"}},
}

// Runner starts a host command with streaming output. Tests swap it out.
type Runner func(ctx context.Context, sink func(line string), name string, args ...string) error

// Manager drives the host package manager for runtime lifecycle.
type Manager struct {
	run    Runner
	logger *logger.Logger
}

func New(log *logger.Logger) *Manager {
	return &Manager{
		run:    streamRunner,
		logger: log.WithFields(zap.String("component", "runtimes")),
	}
}

// Install installs (or upgrades to) a runtime, streaming installer output.
func (m *Manager) Install(ctx context.Context, runtime string, sink LineSink) error {
	spec, ok := knownRuntimes[runtime]
	if !ok {
		return apperrors.ValidationError("runtime", fmt.Sprintf("unknown runtime %q", runtime))
	}
	op := "runtime-install-" + runtime
	lineSink := func(line string) { sink(op, line) }

	args := append([]string{"install", "-y"}, spec.packages...)
	if err := m.run(ctx, lineSink, "apt-get", args...); err != nil {
		return fmt.Errorf("install %s: %w", runtime, err)
	}
	m.logger.Info("Runtime installed", zap.String("runtime", runtime))
	return nil
}

// Remove uninstalls a runtime's packages.
func (m *Manager) Remove(ctx context.Context, runtime string, sink LineSink) error {
	spec, ok := knownRuntimes[runtime]
	if !ok {
		return apperrors.ValidationError("runtime", fmt.Sprintf("unknown runtime %q", runtime))
	}
	op := "runtime-remove-" + runtime
	lineSink := func(line string) { sink(op, line) }

	args := append([]string{"remove", "-y"}, spec.packages...)
	if err := m.run(ctx, lineSink, "apt-get", args...); err != nil {
		return fmt.Errorf("remove %s: %w", runtime, err)
	}
	m.logger.Info("Runtime removed", zap.String("runtime", runtime))
	return nil
}

// Detect probes each known runtime and returns the installed versions.
func (m *Manager) Detect(ctx context.Context) map[string]string {
	versions := make(map[string]string)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, spec := range knownRuntimes {
		wg.Add(1)
		go func(name string, spec runtimeSpec) {
			defer wg.Done()
			out, err := exec.CommandContext(ctx, spec.versionCmd[0], spec.versionCmd[1:]...).Output()
			if err != nil {
				return
			}
			version := strings.TrimSpace(string(out))
			if version == "" {
				return
			}
			mu.Lock()
			versions[name] = version
			mu.Unlock()
		}(name, spec)
	}
	wg.Wait()
	return versions
}

func streamRunner(ctx context.Context, sink func(line string), name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return err
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		sink(scanner.Text())
	}
	return cmd.Wait()
}
