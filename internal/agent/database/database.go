// Package database provisions databases and credentials on the agent host
// for the managed engines.
package database

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/bastion-dev/bastion/internal/common/errors"
	"github.com/bastion-dev/bastion/internal/common/logger"
	"github.com/bastion-dev/bastion/pkg/protocol"
)

const passwordBytes = 18

// Runner executes a host command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Manager creates and removes databases on the local engines.
type Manager struct {
	run    Runner
	logger *logger.Logger
}

func New(log *logger.Logger) *Manager {
	return &Manager{
		run:    execRunner,
		logger: log.WithFields(zap.String("component", "database")),
	}
}

// Provision creates a database and an owning user with a generated password.
// The result carries both a masked connection string for display and the
// full one; the orchestrator strips the latter before any broadcast.
func (m *Manager) Provision(ctx context.Context, req protocol.DatabasePayload) protocol.DatabaseResultPayload {
	result := protocol.DatabaseResultPayload{
		Engine:    req.Engine,
		Name:      req.Name,
		RequestID: req.RequestID,
	}
	username := req.Username
	if username == "" {
		username = req.Name
	}
	if err := validateRequest(req.Engine, req.Name, username); err != nil {
		result.Message = err.Error()
		return result
	}

	password, err := generatePassword()
	if err != nil {
		result.Message = "generate credentials: " + err.Error()
		return result
	}

	switch req.Engine {
	case "postgres":
		err = m.provisionPostgres(ctx, req.Name, username, password)
	case "mysql":
		err = m.provisionMySQL(ctx, req.Name, username, password)
	}
	if err != nil {
		m.logger.Error("Database provisioning failed",
			zap.String("engine", req.Engine),
			zap.String("name", req.Name),
			zap.Error(err))
		result.Message = err.Error()
		return result
	}

	result.Success = true
	result.FullConnection = connectionString(req.Engine, username, password, req.Name)
	result.ConnectionString = connectionString(req.Engine, username, "****", req.Name)
	m.logger.Info("Database provisioned",
		zap.String("engine", req.Engine),
		zap.String("name", req.Name))
	return result
}

// Remove drops the user and, when requested, the database itself.
func (m *Manager) Remove(ctx context.Context, req protocol.DatabasePayload) protocol.DatabaseResultPayload {
	result := protocol.DatabaseResultPayload{
		Engine:    req.Engine,
		Name:      req.Name,
		RequestID: req.RequestID,
	}
	username := req.Username
	if username == "" {
		username = req.Name
	}
	if err := validateRequest(req.Engine, req.Name, username); err != nil {
		result.Message = err.Error()
		return result
	}

	var err error
	switch req.Engine {
	case "postgres":
		if req.RemoveData {
			err = m.psql(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", req.Name))
		}
		if err == nil {
			err = m.psql(ctx, fmt.Sprintf("DROP USER IF EXISTS %s", username))
		}
	case "mysql":
		if req.RemoveData {
			err = m.mysql(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", req.Name))
		}
		if err == nil {
			err = m.mysql(ctx, fmt.Sprintf("DROP USER IF EXISTS '%s'@'localhost'", username))
		}
	}
	if err != nil {
		result.Message = err.Error()
		return result
	}
	result.Success = true
	return result
}

func (m *Manager) provisionPostgres(ctx context.Context, name, username, password string) error {
	statements := []string{
		fmt.Sprintf("CREATE USER %s WITH PASSWORD '%s'", username, password),
		fmt.Sprintf("CREATE DATABASE %s OWNER %s", name, username),
	}
	for _, stmt := range statements {
		if err := m.psql(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) provisionMySQL(ctx context.Context, name, username, password string) error {
	statements := []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", name),
		fmt.Sprintf("CREATE USER '%s'@'localhost' IDENTIFIED BY '%s'", username, password),
		fmt.Sprintf("GRANT ALL PRIVILEGES ON %s.* TO '%s'@'localhost'", name, username),
		"FLUSH PRIVILEGES",
	}
	for _, stmt := range statements {
		if err := m.mysql(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) psql(ctx context.Context, stmt string) error {
	out, err := m.run(ctx, "sudo", "-u", "postgres", "psql", "-c", stmt)
	if err != nil {
		return fmt.Errorf("psql: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (m *Manager) mysql(ctx context.Context, stmt string) error {
	out, err := m.run(ctx, "mysql", "-e", stmt)
	if err != nil {
		return fmt.Errorf("mysql: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func connectionString(engine, username, password, name string) string {
	switch engine {
	case "postgres":
		return fmt.Sprintf("postgres://%s:%s@127.0.0.1:5432/%s", username, password, name)
	case "mysql":
		return fmt.Sprintf("mysql://%s:%s@127.0.0.1:3306/%s", username, password, name)
	}
	return ""
}

func generatePassword() (string, error) {
	buf := make([]byte, passwordBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// validateRequest keeps names to safe identifiers; these values end up
// inside SQL statements.
func validateRequest(engine, name, username string) error {
	if engine != "postgres" && engine != "mysql" {
		return apperrors.ValidationError("engine", fmt.Sprintf("unsupported engine %q", engine))
	}
	for _, ident := range []string{name, username} {
		if !validIdentifier(ident) {
			return apperrors.ValidationError("name", fmt.Sprintf("invalid identifier %q", ident))
		}
	}
	return nil
}

func validIdentifier(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	if s[0] >= '0' && s[0] <= '9' {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}
