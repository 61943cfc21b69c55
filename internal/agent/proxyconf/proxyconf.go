// Package proxyconf manages nginx reverse-proxy vhosts and their TLS
// certificates on the agent host.
package proxyconf

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/bastion-dev/bastion/internal/common/logger"
)

// vhostTemplate proxies one domain to a local app port. Served over HTTP
// until certbot installs the certificate and rewrites the server block.
var vhostTemplate = template.Must(template.New("vhost").Parse(`server {
    listen 80;
    server_name {{.Domain}};

    location / {
        proxy_pass http://127.0.0.1:{{.Port}};
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
    }
}
`))

// Runner executes a host command and returns its combined output. Split out
// so tests can run without nginx or certbot installed.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Manager writes vhost files and drives nginx and certbot.
type Manager struct {
	confDir    string
	certbotBin string
	run        Runner
	logger     *logger.Logger
}

func New(confDir, certbotBin string, log *logger.Logger) *Manager {
	return &Manager{
		confDir:    confDir,
		certbotBin: certbotBin,
		run:        execRunner,
		logger:     log.WithFields(zap.String("component", "proxyconf")),
	}
}

func (m *Manager) confPath(domain string) string {
	return filepath.Join(m.confDir, domain+".conf")
}

// Provision writes the vhost for domain, reloads nginx, and optionally
// obtains a certificate. Any failure reverts the vhost file so a broken
// config never lingers in the nginx conf dir.
func (m *Manager) Provision(ctx context.Context, domain string, port int, ssl bool) error {
	if err := validDomain(domain); err != nil {
		return err
	}

	path := m.confPath(domain)
	var buf strings.Builder
	if err := vhostTemplate.Execute(&buf, struct {
		Domain string
		Port   int
	}{domain, port}); err != nil {
		return err
	}
	if err := os.MkdirAll(m.confDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(buf.String()), 0o644); err != nil {
		return fmt.Errorf("write vhost: %w", err)
	}

	if err := m.reload(ctx); err != nil {
		m.revert(ctx, path)
		return err
	}

	if ssl {
		out, err := m.run(ctx, m.certbotBin, "--nginx", "-d", domain,
			"--non-interactive", "--agree-tos", "--register-unsafely-without-email",
			"--redirect")
		if err != nil {
			m.revert(ctx, path)
			return fmt.Errorf("certbot for %s: %w: %s", domain, err, strings.TrimSpace(string(out)))
		}
	}

	m.logger.Info("Proxy provisioned",
		zap.String("domain", domain),
		zap.Int("port", port),
		zap.Bool("ssl", ssl))
	return nil
}

// Remove deletes the vhost for domain and reloads nginx. Removing a domain
// that was never provisioned is a no-op.
func (m *Manager) Remove(ctx context.Context, domain string) error {
	if err := validDomain(domain); err != nil {
		return err
	}
	path := m.confPath(domain)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := m.reload(ctx); err != nil {
		return err
	}
	m.logger.Info("Proxy removed", zap.String("domain", domain))
	return nil
}

func (m *Manager) reload(ctx context.Context) error {
	if out, err := m.run(ctx, "nginx", "-t"); err != nil {
		return fmt.Errorf("nginx config test: %w: %s", err, strings.TrimSpace(string(out)))
	}
	if out, err := m.run(ctx, "nginx", "-s", "reload"); err != nil {
		return fmt.Errorf("nginx reload: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (m *Manager) revert(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("Failed to revert vhost", zap.String("path", path), zap.Error(err))
		return
	}
	if err := m.reload(ctx); err != nil {
		m.logger.Warn("Failed to reload nginx after revert", zap.Error(err))
	}
}

// validDomain rejects anything that could escape the conf dir or smuggle
// directives into the generated file.
func validDomain(domain string) error {
	if domain == "" || len(domain) > 253 {
		return fmt.Errorf("invalid domain %q", domain)
	}
	for _, r := range domain {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
		default:
			return fmt.Errorf("invalid domain %q", domain)
		}
	}
	if strings.Contains(domain, "..") || strings.HasPrefix(domain, ".") || strings.HasPrefix(domain, "-") {
		return fmt.Errorf("invalid domain %q", domain)
	}
	return nil
}
