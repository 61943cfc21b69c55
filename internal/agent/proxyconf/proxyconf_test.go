package proxyconf

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastion-dev/bastion/internal/common/logger"
)

type fakeRunner struct {
	calls    [][]string
	failures map[string]error // keyed by command name
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if err, ok := f.failures[name]; ok {
		return []byte("boom"), err
	}
	return nil, nil
}

func newManager(t *testing.T) (*Manager, *fakeRunner, string) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	dir := t.TempDir()
	runner := &fakeRunner{failures: map[string]error{}}
	m := New(dir, "certbot", log)
	m.run = runner.run
	return m, runner, dir
}

func TestProvisionWritesVhostAndReloads(t *testing.T) {
	m, runner, dir := newManager(t)

	require.NoError(t, m.Provision(context.Background(), "app.example.com", 3000, false))

	data, err := os.ReadFile(filepath.Join(dir, "app.example.com.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "server_name app.example.com;")
	assert.Contains(t, string(data), "proxy_pass http://127.0.0.1:3000;")

	require.Len(t, runner.calls, 2)
	assert.Equal(t, []string{"nginx", "-t"}, runner.calls[0])
	assert.Equal(t, []string{"nginx", "-s", "reload"}, runner.calls[1])
}

func TestProvisionWithSSLRunsCertbot(t *testing.T) {
	m, runner, _ := newManager(t)

	require.NoError(t, m.Provision(context.Background(), "app.example.com", 3000, true))

	var certbotCall []string
	for _, call := range runner.calls {
		if call[0] == "certbot" {
			certbotCall = call
		}
	}
	require.NotNil(t, certbotCall, "certbot was not invoked")
	assert.Contains(t, certbotCall, "-d")
	assert.Contains(t, certbotCall, "app.example.com")
}

func TestProvisionRevertsOnCertbotFailure(t *testing.T) {
	m, runner, dir := newManager(t)
	runner.failures["certbot"] = errors.New("challenge failed")

	err := m.Provision(context.Background(), "app.example.com", 3000, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "certbot")

	_, statErr := os.Stat(filepath.Join(dir, "app.example.com.conf"))
	assert.True(t, os.IsNotExist(statErr), "vhost file should have been reverted")
}

func TestProvisionRevertsOnNginxFailure(t *testing.T) {
	m, runner, dir := newManager(t)
	runner.failures["nginx"] = errors.New("syntax error")

	err := m.Provision(context.Background(), "app.example.com", 3000, false)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "app.example.com.conf"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRemoveUnknownDomainIsNoop(t *testing.T) {
	m, runner, _ := newManager(t)

	require.NoError(t, m.Remove(context.Background(), "ghost.example.com"))
	assert.Empty(t, runner.calls, "no reload for a vhost that never existed")
}

func TestRemoveDeletesVhost(t *testing.T) {
	m, _, dir := newManager(t)
	require.NoError(t, m.Provision(context.Background(), "app.example.com", 3000, false))

	require.NoError(t, m.Remove(context.Background(), "app.example.com"))
	_, err := os.Stat(filepath.Join(dir, "app.example.com.conf"))
	assert.True(t, os.IsNotExist(err))
}

func TestInvalidDomainsRejected(t *testing.T) {
	m, _, _ := newManager(t)

	for _, domain := range []string{
		"",
		"../etc/passwd",
		"evil.com; include /etc/nginx/secret",
		"UPPER.example.com",
		strings.Repeat("a", 260) + ".com",
		"-leading.example.com",
	} {
		assert.Error(t, m.Provision(context.Background(), domain, 3000, false), "domain %q", domain)
	}
}
