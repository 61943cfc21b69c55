// Package selfupdate swaps the agent binary in place and restarts it.
package selfupdate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bastion-dev/bastion/internal/common/logger"
)

const downloadTimeout = 5 * time.Minute

// Update phases reported upstream as AGENT_UPDATE_STATUS frames.
const (
	PhaseDownloading = "downloading"
	PhaseSwapping    = "swapping"
	PhaseRestarting  = "restarting"
	PhaseFailed      = "failed"
)

// ReportFunc delivers update progress to the orchestrator.
type ReportFunc func(phase, message string)

// Updater replaces the running agent binary with a downloaded bundle.
type Updater struct {
	binPath string
	client  *http.Client
	restart func() error
	logger  *logger.Logger
}

func New(binPath string, log *logger.Logger) *Updater {
	u := &Updater{
		binPath: binPath,
		client:  &http.Client{Timeout: downloadTimeout},
		logger:  log.WithFields(zap.String("component", "selfupdate")),
	}
	u.restart = u.execSelf
	return u
}

// Apply downloads the bundle, swaps the binary, and restarts. On any failure
// before the restart the old binary stays in place and the failure is
// reported; the running process keeps serving.
func (u *Updater) Apply(ctx context.Context, bundleURL, version string, report ReportFunc) error {
	if err := validBundleURL(bundleURL); err != nil {
		report(PhaseFailed, err.Error())
		return err
	}

	report(PhaseDownloading, version)
	staging, err := u.download(ctx, bundleURL)
	if err != nil {
		report(PhaseFailed, err.Error())
		return err
	}
	defer func() { _ = os.Remove(staging) }()

	report(PhaseSwapping, version)
	backup := u.binPath + ".bak"
	if err := os.Rename(u.binPath, backup); err != nil {
		report(PhaseFailed, err.Error())
		return fmt.Errorf("back up current binary: %w", err)
	}
	if err := os.Rename(staging, u.binPath); err != nil {
		// Put the old binary back so the next restart still works.
		if restoreErr := os.Rename(backup, u.binPath); restoreErr != nil {
			u.logger.Error("Failed to restore binary after bad swap", zap.Error(restoreErr))
		}
		report(PhaseFailed, err.Error())
		return fmt.Errorf("install new binary: %w", err)
	}

	u.logger.Info("Agent binary updated",
		zap.String("version", version),
		zap.String("path", u.binPath))
	report(PhaseRestarting, version)
	return u.restart()
}

func (u *Updater) download(ctx context.Context, bundleURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bundleURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download bundle: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download bundle: status %d", resp.StatusCode)
	}

	// Stage in the binary's directory so the final rename stays on one
	// filesystem and is atomic.
	f, err := os.CreateTemp(filepath.Dir(u.binPath), ".agent-update-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write bundle: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := os.Chmod(f.Name(), 0o755); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// execSelf replaces the process image with the freshly installed binary,
// keeping the same args and environment.
func (u *Updater) execSelf() error {
	return syscall.Exec(u.binPath, os.Args, os.Environ())
}

func validBundleURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid bundle url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("invalid bundle url scheme %q", parsed.Scheme)
	}
	return nil
}
