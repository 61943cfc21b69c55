package deploy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// cloneRetryBudget caps how long transient clone/fetch failures are retried.
const cloneRetryBudget = 2 * time.Minute

// gitRepo wraps git operations on one app workdir.
type gitRepo struct {
	dir string
}

// syncRepo shallow-clones repoURL into dir (or fetches when already cloned)
// and checks out the requested commit, retrying network failures with
// exponential backoff. An empty commit resolves to the branch head.
// Returns the exact commit now checked out.
func syncRepo(ctx context.Context, dir, repoURL, branch, commit string) (string, error) {
	repo := &gitRepo{dir: dir}

	operation := func() error {
		if _, err := os.Stat(dir + "/.git"); err != nil {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return backoff.Permanent(err)
			}
			return repo.runIn(ctx, "", "clone", "--depth", "1", "--branch", branch, repoURL, dir)
		}
		ref := commit
		if ref == "" {
			ref = branch
		}
		if err := repo.run(ctx, "fetch", "--depth", "1", "origin", ref); err != nil {
			// Servers that refuse fetching a bare commit still serve the
			// branch tip.
			return repo.run(ctx, "fetch", "--depth", "1", "origin", branch)
		}
		return nil
	}
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(cloneRetryBudget)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", fmt.Errorf("sync %s: %w", repoURL, err)
	}

	target := commit
	if target == "" {
		target = "origin/" + branch
	}
	if err := repo.run(ctx, "checkout", "--force", target); err != nil {
		// The commit may sit beyond the shallow boundary; deepen and retry.
		if deepenErr := repo.run(ctx, "fetch", "--unshallow", "origin"); deepenErr != nil {
			_ = repo.run(ctx, "fetch", "origin", branch)
		}
		if err := repo.run(ctx, "checkout", "--force", target); err != nil {
			return "", fmt.Errorf("checkout %s: %w", target, err)
		}
	}
	return repo.head(ctx)
}

// head returns the commit hash currently checked out.
func (g *gitRepo) head(ctx context.Context) (string, error) {
	out, err := g.output(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// changedFiles lists paths that differ between two commits. Unknown commits
// (e.g. after a force push) yield an error; callers treat that as
// "must rebuild".
func changedFiles(ctx context.Context, dir, from, to string) ([]string, error) {
	repo := &gitRepo{dir: dir}
	out, err := repo.output(ctx, "diff", "--name-only", from, to)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func (g *gitRepo) run(ctx context.Context, args ...string) error {
	return g.runIn(ctx, g.dir, args...)
}

func (g *gitRepo) runIn(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (g *gitRepo) output(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return string(out), nil
}
