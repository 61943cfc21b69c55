// Package sysservice controls systemd units on the agent host and tails
// their journals.
package sysservice

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/bastion-dev/bastion/internal/common/errors"
	"github.com/bastion-dev/bastion/internal/common/logger"
)

// defaultLogLines is the journal tail size when the request does not say.
const defaultLogLines = 100

// managedServices are the units agents will act on. Anything else is
// refused so a compromised dashboard cannot drive arbitrary units.
var managedServices = map[string]bool{
	"nginx":      true,
	"postgresql": true,
	"mysql":      true,
	"redis":      true,
	"docker":     true,
}

var allowedActions = map[string]bool{
	"start":   true,
	"stop":    true,
	"restart": true,
	"reload":  true,
}

// Runner executes a host command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Manager drives systemctl and journalctl.
type Manager struct {
	run    Runner
	logger *logger.Logger
}

func New(log *logger.Logger) *Manager {
	return &Manager{
		run:    execRunner,
		logger: log.WithFields(zap.String("component", "sysservice")),
	}
}

// Action runs a systemctl verb against a managed unit.
func (m *Manager) Action(ctx context.Context, service, action string) error {
	if !managedServices[service] {
		return apperrors.ValidationError("service", fmt.Sprintf("%q is not a managed unit", service))
	}
	if !allowedActions[action] {
		return apperrors.ValidationError("action", fmt.Sprintf("%q is not supported", action))
	}
	out, err := m.run(ctx, "systemctl", action, service)
	if err != nil {
		return fmt.Errorf("systemctl %s %s: %w: %s", action, service, err, strings.TrimSpace(string(out)))
	}
	m.logger.Info("Service action applied",
		zap.String("service", service),
		zap.String("action", action))
	return nil
}

// Logs returns the last lines of a managed unit's journal.
func (m *Manager) Logs(ctx context.Context, service string, lines int) ([]string, error) {
	if !managedServices[service] {
		return nil, apperrors.ValidationError("service", fmt.Sprintf("%q is not a managed unit", service))
	}
	if lines <= 0 {
		lines = defaultLogLines
	}
	out, err := m.run(ctx, "journalctl", "-u", service, "-n", strconv.Itoa(lines), "--no-pager", "-o", "cat")
	if err != nil {
		return nil, fmt.Errorf("journalctl %s: %w", service, err)
	}
	return splitLines(string(out)), nil
}

// Statuses reports active/inactive for every managed unit, for host status
// snapshots. Units that are not installed report "inactive".
func (m *Manager) Statuses(ctx context.Context) map[string]string {
	statuses := make(map[string]string, len(managedServices))
	for service := range managedServices {
		out, err := m.run(ctx, "systemctl", "is-active", service)
		state := strings.TrimSpace(string(out))
		if err != nil || state == "" {
			state = "inactive"
		}
		statuses[service] = state
	}
	return statuses
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
