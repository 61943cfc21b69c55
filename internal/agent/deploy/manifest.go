package deploy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// manifestFile is the optional per-repo deploy manifest.
const manifestFile = ".bastion.yml"

// DefaultSkipPaths are the built-in non-code paths: a push touching only
// these never triggers a rebuild.
var DefaultSkipPaths = []string{"README.md", "docs/", "*.md", "LICENSE"}

// Manifest is the per-app deploy configuration committed at the repo root.
type Manifest struct {
	// Build and Start override the detected commands.
	Build string `yaml:"build"`
	Start string `yaml:"start"`

	// BuildSkipPaths extends the built-in non-code allowlist.
	BuildSkipPaths []string `yaml:"build_skip_paths"`

	Healthcheck HealthcheckSpec `yaml:"healthcheck"`
}

// HealthcheckSpec tunes the post-start probe. Zero values fall back to
// TCP-connect probing with the agent's default timeout.
type HealthcheckSpec struct {
	Path           string `yaml:"path"` // HTTP path; empty means TCP probe
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	IntervalMS     int    `yaml:"interval_ms"`
}

// Timeout returns the probe budget, def when unset.
func (h HealthcheckSpec) Timeout(def time.Duration) time.Duration {
	if h.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// Interval returns the probe period, 500ms when unset.
func (h HealthcheckSpec) Interval() time.Duration {
	if h.IntervalMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(h.IntervalMS) * time.Millisecond
}

// SkipPaths returns the effective allowlist: defaults plus the manifest's.
func (m *Manifest) SkipPaths() []string {
	return append(append([]string{}, DefaultSkipPaths...), m.BuildSkipPaths...)
}

// LoadManifest reads the manifest from a checked-out workdir. A missing file
// yields the zero manifest; a malformed one is an error, so a bad commit
// fails loudly instead of deploying with silently-ignored settings.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Manifest{}, nil
		}
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", manifestFile, err)
	}
	return &m, nil
}
