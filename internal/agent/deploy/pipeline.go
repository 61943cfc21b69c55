// Package deploy runs the agent-side deployment pipeline: sync the repo,
// skip the build when only non-code paths changed, build, hand the process
// to the supervisor, health-check it, and roll back once on failure.
package deploy

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bastion-dev/bastion/internal/agent/state"
	"github.com/bastion-dev/bastion/internal/agent/supervise"
	"github.com/bastion-dev/bastion/internal/common/logger"
	"github.com/bastion-dev/bastion/pkg/protocol"
)

// Deployment phases reported upstream as STATUS_UPDATE frames. A run that
// rolls back emits "rollback" when the anchor redeploy starts, "success" when
// the anchor is serving again, and a final terminal "rollback".
const (
	PhaseCloning      = "cloning"
	PhaseBuilding     = "building"
	PhaseBuildSkipped = "build_skipped"
	PhaseStarting     = "starting"
	PhaseHealthCheck  = "health-check"
	PhaseSuccess      = "success"
	PhaseRollback     = "rollback"
	PhaseFailure      = "failure"
)

// Reporter delivers pipeline progress back to the orchestrator.
type Reporter interface {
	Status(appID, phase, commit, message string)
	Log(appID, stream, line string)
	Ports(appID string, ports []int)
}

// Pipeline executes deploy requests, one at a time per app. A request that
// arrives while the same app is deploying replaces any still-pending one, so
// the queue never grows past depth one and always deploys the newest commit.
type Pipeline struct {
	store         *state.Store
	super         *supervise.Supervisor
	reporter      Reporter
	dataDir       string
	buildTimeout  time.Duration
	healthTimeout time.Duration
	logger        *logger.Logger

	mu      sync.Mutex
	active  map[string]bool
	pending map[string]protocol.DeployPayload
	tasks   map[string][]func(context.Context)
}

// Options configures a Pipeline.
type Options struct {
	Store         *state.Store
	Supervisor    *supervise.Supervisor
	Reporter      Reporter
	DataDir       string
	BuildTimeout  time.Duration
	HealthTimeout time.Duration
	Logger        *logger.Logger
}

func New(opts Options) *Pipeline {
	return &Pipeline{
		store:         opts.Store,
		super:         opts.Supervisor,
		reporter:      opts.Reporter,
		dataDir:       opts.DataDir,
		buildTimeout:  opts.BuildTimeout,
		healthTimeout: opts.HealthTimeout,
		logger:        opts.Logger.WithFields(zap.String("component", "deploy")),
		active:        make(map[string]bool),
		pending:       make(map[string]protocol.DeployPayload),
		tasks:         make(map[string][]func(context.Context)),
	}
}

// Deploy queues a deploy request. Returns immediately; progress flows
// through the Reporter.
func (p *Pipeline) Deploy(ctx context.Context, req protocol.DeployPayload) {
	p.mu.Lock()
	if p.active[req.AppID] {
		// Collapse: only the newest request matters once the current
		// run finishes.
		p.pending[req.AppID] = req
		p.mu.Unlock()
		p.logger.Info("Deploy queued behind active run",
			zap.String("app_id", req.AppID),
			zap.String("commit", req.CommitHash))
		return
	}
	p.active[req.AppID] = true
	p.mu.Unlock()

	go func() {
		p.run(ctx, req)
		p.drain(ctx, req.AppID)
	}()
}

// Do runs fn under the app's deploy slot. While a run is active the task
// queues behind it, so lifecycle actions never interleave with a deploy.
func (p *Pipeline) Do(ctx context.Context, appID string, fn func(context.Context)) {
	p.mu.Lock()
	if p.active[appID] {
		p.tasks[appID] = append(p.tasks[appID], fn)
		p.mu.Unlock()
		p.logger.Info("Action queued behind active run", zap.String("app_id", appID))
		return
	}
	p.active[appID] = true
	p.mu.Unlock()

	go func() {
		fn(ctx)
		p.drain(ctx, appID)
	}()
}

// drain services queued tasks in arrival order, then any pending deploy,
// until the app is idle again.
func (p *Pipeline) drain(ctx context.Context, appID string) {
	for {
		p.mu.Lock()
		if queued := p.tasks[appID]; len(queued) > 0 {
			fn := queued[0]
			p.tasks[appID] = queued[1:]
			p.mu.Unlock()
			fn(ctx)
			continue
		}
		next, ok := p.pending[appID]
		if ok {
			delete(p.pending, appID)
			p.mu.Unlock()
			p.run(ctx, next)
			continue
		}
		delete(p.active, appID)
		delete(p.tasks, appID)
		p.mu.Unlock()
		return
	}
}

// Remove stops an app's process and forgets its local state and workdir
// bookkeeping. Used when the app is deleted from the host.
func (p *Pipeline) Remove(appID string) error {
	if err := p.super.Stop(appID); err != nil {
		return err
	}
	return p.store.DeleteApp(appID)
}

func (p *Pipeline) workdir(appID string) string {
	return filepath.Join(p.dataDir, "apps", appID)
}

func (p *Pipeline) run(ctx context.Context, req protocol.DeployPayload) {
	log := p.logger.WithAppID(req.AppID)
	dir := p.workdir(req.AppID)

	prev, err := p.store.App(req.AppID)
	if err != nil {
		log.Error("Failed to load app state", zap.Error(err))
		p.reporter.Status(req.AppID, PhaseFailure, req.CommitHash, err.Error())
		return
	}

	// Duplicate webhook deliveries resolve to a no-op.
	if prev != nil && req.CommitHash != "" && prev.ServingCommit == req.CommitHash && p.super.Running(req.AppID) {
		p.reporter.Status(req.AppID, PhaseBuildSkipped, req.CommitHash, "commit already serving")
		return
	}

	p.reporter.Status(req.AppID, PhaseCloning, req.CommitHash, "")
	head, err := syncRepo(ctx, dir, req.RepoURL, branchOrDefault(req.Branch), req.CommitHash)
	if err != nil {
		log.Error("Repository sync failed", zap.Error(err))
		p.reporter.Status(req.AppID, PhaseFailure, req.CommitHash, err.Error())
		return
	}

	manifest, err := LoadManifest(dir)
	if err != nil {
		p.reporter.Status(req.AppID, PhaseFailure, head, err.Error())
		return
	}

	skipBuild := false
	if prev != nil && prev.ServingCommit != "" && prev.ServingCommit != head {
		changed, diffErr := changedFiles(ctx, dir, prev.ServingCommit, head)
		if diffErr != nil {
			// Unknown anchor (force push, pruned history): rebuild.
			log.Warn("Diff against serving commit failed, rebuilding", zap.Error(diffErr))
		} else {
			skipBuild = OnlySkippablePaths(changed, manifest.SkipPaths())
		}
	}

	anchor := ""
	if prev != nil {
		anchor = prev.LastGoodCommit
	}

	phase, msg := p.execute(ctx, req, dir, head, manifest, skipBuild)
	if phase == "" {
		terminal := PhaseSuccess
		if skipBuild {
			terminal = PhaseBuildSkipped
		}
		p.persistSuccess(req, head, log)
		p.reporter.Status(req.AppID, terminal, head, "")
		p.reportPorts(req.AppID)
		return
	}
	// Health failures get exactly one rollback to the last good commit.
	// Build failures do not: the previous process is still serving.
	if phase != PhaseHealthCheck {
		p.reporter.Status(req.AppID, PhaseFailure, head, fmt.Sprintf("%s: %s", phase, msg))
		return
	}
	p.rollback(ctx, req, dir, head, anchor, msg, log)
}

// execute runs build, start, and health check. Returns ("", "") on success,
// or the phase that failed with its message.
func (p *Pipeline) execute(ctx context.Context, req protocol.DeployPayload, dir, commit string, manifest *Manifest, skipBuild bool) (failedPhase, message string) {
	buildCmd, startCmd := detectCommands(dir)
	if manifest.Build != "" {
		buildCmd = manifest.Build
	}
	if manifest.Start != "" {
		startCmd = manifest.Start
	}
	if startCmd == "" {
		return PhaseStarting, "no start command: unrecognized stack and no manifest override"
	}

	if !skipBuild && buildCmd != "" {
		p.reporter.Status(req.AppID, PhaseBuilding, commit, "")
		sink := func(stream, line string) { p.reporter.Log(req.AppID, stream, line) }
		if err := runBuild(ctx, dir, buildCmd, req.Env, p.buildTimeout, sink); err != nil {
			return PhaseBuilding, err.Error()
		}
	}

	p.reporter.Status(req.AppID, PhaseStarting, commit, "")
	env := make(map[string]string, len(req.Env)+1)
	for k, v := range req.Env {
		env[k] = v
	}
	if req.MainPort > 0 {
		env["PORT"] = strconv.Itoa(req.MainPort)
	}
	sink := func(stream, line string) { p.reporter.Log(req.AppID, stream, line) }
	if _, err := p.super.Start(req.AppID, dir, startCmd, env, sink); err != nil {
		return PhaseStarting, err.Error()
	}

	if req.MainPort > 0 {
		p.reporter.Status(req.AppID, PhaseHealthCheck, commit, "")
		if err := waitHealthy(ctx, req.MainPort, manifest.Healthcheck, p.healthTimeout); err != nil {
			return PhaseHealthCheck, err.Error()
		}
	}
	return "", ""
}

// rollback re-deploys the last good commit after a failed health check. It
// runs at most once; a failed rollback is terminal "failure".
func (p *Pipeline) rollback(ctx context.Context, req protocol.DeployPayload, dir, badCommit, anchor, cause string, log *logger.Logger) {
	if anchor == "" || anchor == badCommit {
		log.Error("No rollback anchor, app is down", zap.String("commit", badCommit))
		p.reporter.Status(req.AppID, PhaseFailure, badCommit, "no previous good commit to roll back to: "+cause)
		return
	}

	log.Warn("Health check failed, rolling back",
		zap.String("bad_commit", badCommit),
		zap.String("anchor", anchor))
	p.reporter.Status(req.AppID, PhaseRollback, anchor, cause)

	repo := &gitRepo{dir: dir}
	if err := repo.run(ctx, "checkout", "--force", anchor); err != nil {
		p.reporter.Status(req.AppID, PhaseFailure, anchor, "rollback: "+err.Error())
		return
	}
	manifest, err := LoadManifest(dir)
	if err != nil {
		p.reporter.Status(req.AppID, PhaseFailure, anchor, "rollback: "+err.Error())
		return
	}

	// The anchor built successfully last time; rebuild only when the
	// failed commit changed code paths relative to it.
	skipBuild := false
	if changed, diffErr := changedFiles(ctx, dir, badCommit, anchor); diffErr == nil {
		skipBuild = OnlySkippablePaths(changed, manifest.SkipPaths())
	}

	phase, msg := p.execute(ctx, req, dir, anchor, manifest, skipBuild)
	if phase != "" {
		log.Error("Rollback failed, app is down",
			zap.String("phase", phase), zap.String("error", msg))
		p.reporter.Status(req.AppID, PhaseFailure, anchor, fmt.Sprintf("rollback %s: %s", phase, msg))
		return
	}
	p.persistRollback(req, anchor, log)
	// The anchor redeploy succeeded; the deploy itself still ends in
	// rollback, which is what the terminal frame reports.
	p.reporter.Status(req.AppID, PhaseSuccess, anchor, "")
	p.reporter.Status(req.AppID, PhaseRollback, anchor, cause)
	p.reportPorts(req.AppID)
}

func (p *Pipeline) persistSuccess(req protocol.DeployPayload, commit string, log *logger.Logger) {
	err := p.store.PutApp(&state.AppState{
		AppID:          req.AppID,
		RepoURL:        req.RepoURL,
		ServingCommit:  commit,
		LastGoodCommit: commit,
		MainPort:       req.MainPort,
	})
	if err != nil {
		log.Error("Failed to persist app state", zap.Error(err))
	}
}

func (p *Pipeline) persistRollback(req protocol.DeployPayload, anchor string, log *logger.Logger) {
	// The anchor keeps serving and stays the rollback target.
	err := p.store.PutApp(&state.AppState{
		AppID:          req.AppID,
		RepoURL:        req.RepoURL,
		ServingCommit:  anchor,
		LastGoodCommit: anchor,
		MainPort:       req.MainPort,
	})
	if err != nil {
		log.Error("Failed to persist app state", zap.Error(err))
	}
}

func (p *Pipeline) reportPorts(appID string) {
	ports, err := p.super.DetectPorts(appID)
	if err != nil || len(ports) == 0 {
		return
	}
	p.reporter.Ports(appID, ports)
}

func branchOrDefault(branch string) string {
	if branch == "" {
		return "main"
	}
	return branch
}
