// Package runtime is the agent's long-running core: it maintains the
// orchestrator connection, performs the mutual-authentication handshake,
// gates every inbound command through the signature verifier, and dispatches
// verified commands to the host subsystems.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bastion-dev/bastion/internal/agent/database"
	"github.com/bastion-dev/bastion/internal/agent/deploy"
	"github.com/bastion-dev/bastion/internal/agent/hostinfo"
	"github.com/bastion-dev/bastion/internal/agent/infralog"
	"github.com/bastion-dev/bastion/internal/agent/proxyconf"
	"github.com/bastion-dev/bastion/internal/agent/runtimes"
	"github.com/bastion-dev/bastion/internal/agent/selfupdate"
	"github.com/bastion-dev/bastion/internal/agent/state"
	"github.com/bastion-dev/bastion/internal/agent/supervise"
	"github.com/bastion-dev/bastion/internal/agent/sysservice"
	"github.com/bastion-dev/bastion/internal/agent/verifier"
	"github.com/bastion-dev/bastion/internal/common/logger"
	"github.com/bastion-dev/bastion/pkg/protocol"
)

const handshakeStepTimeout = 30 * time.Second

// Options wires an Agent from its subsystems. The cmd entrypoint constructs
// them; tests substitute fakes.
type Options struct {
	OrchestratorURL string
	Token           string // registration token; empty on reconnects
	Version         string
	IdentityDir     string
	DataDir         string
	MaxReconnect    time.Duration

	Identity *protocol.Identity
	State    *state.Store
	Verifier *verifier.Verifier
	Pipeline *deploy.Pipeline
	Super    *supervise.Supervisor
	Proxies  *proxyconf.Manager
	Services *sysservice.Manager
	Runtimes RuntimeInstaller
	Database *database.Manager
	Host     *hostinfo.Collector
	InfraLog *infralog.Ring
	Updater  *selfupdate.Updater
	Logger   *logger.Logger
}

// RuntimeInstaller is the slice of the runtimes manager the agent drives.
// Narrowed so tests can stub installs without apt on the host.
type RuntimeInstaller interface {
	Install(ctx context.Context, runtime string, sink runtimes.LineSink) error
	Remove(ctx context.Context, runtime string, sink runtimes.LineSink) error
}

// Agent is one connected deployment agent.
type Agent struct {
	opts Options

	mu   sync.Mutex
	conn *websocket.Conn

	shuttingDown chan struct{}
	shutdownOnce sync.Once
	logger       *logger.Logger
}

func New(opts Options) *Agent {
	return &Agent{
		opts:         opts,
		shuttingDown: make(chan struct{}),
		logger:       opts.Logger.WithFields(zap.String("component", "agent")),
	}
}

// SetPipeline wires the deploy pipeline after construction: the pipeline
// reports through the agent, so the two reference each other.
func (a *Agent) SetPipeline(p *deploy.Pipeline) {
	a.opts.Pipeline = p
}

// Run connects to the orchestrator and serves commands until ctx is
// cancelled or a shutdown command arrives. Connection failures reconnect
// with capped exponential backoff; the registration token is only offered on
// the first successful handshake.
func (a *Agent) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = a.opts.MaxReconnect
	policy.MaxElapsedTime = 0 // retry forever

	for {
		err := a.connectAndServe(ctx, policy.Reset)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.shuttingDown:
			return nil
		default:
		}
		wait := policy.NextBackOff()
		a.logger.Warn("Connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// connectAndServe performs one full session: dial, handshake, serve frames
// until the connection drops. onAuthorized runs once the handshake succeeds
// so the reconnect backoff restarts from its floor.
func (a *Agent) connectAndServe(ctx context.Context, onAuthorized func()) error {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeStepTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, a.opts.OrchestratorURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.opts.OrchestratorURL, err)
	}
	defer func() { _ = conn.Close() }()

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	if err := a.handshake(conn); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	a.logger.Info("Session authorized")
	onAuthorized()

	// Push a status snapshot so the dashboard sees the node without
	// having to ask.
	go a.sendServerStatus(ctx)

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		a.dispatch(ctx, &env)
	}
}

// handshake authenticates this session. A REGISTER (token present, never
// registered before) ends with the orchestrator's public key; a CONNECT
// re-authenticates a known identity.
func (a *Agent) handshake(conn *websocket.Conn) error {
	pubPEM, err := protocol.EncodePublicKey(a.opts.Identity.Public)
	if err != nil {
		return err
	}

	serverID, err := a.opts.State.ServerID()
	if err != nil {
		return err
	}
	registering := a.opts.Token != "" && serverID == ""

	var hello *protocol.Envelope
	if registering {
		hello, err = protocol.NewEnvelope(protocol.TypeRegister, protocol.RegisterPayload{
			Token:     a.opts.Token,
			PublicKey: pubPEM,
			Version:   a.opts.Version,
		})
	} else {
		hello, err = protocol.NewEnvelope(protocol.TypeConnect, protocol.ConnectPayload{
			PublicKey: pubPEM,
			Version:   a.opts.Version,
		})
	}
	if err != nil {
		return err
	}
	if err := a.writeFrame(hello); err != nil {
		return err
	}

	challenge, err := a.readFrame(conn)
	if err != nil {
		return err
	}
	if challenge.Type != protocol.TypeChallenge {
		return fmt.Errorf("expected CHALLENGE, got %s", challenge.Type)
	}
	var ch protocol.ChallengePayload
	if err := challenge.ParsePayload(&ch); err != nil {
		return err
	}

	response, err := protocol.NewEnvelope(protocol.TypeResponse, protocol.ResponsePayload{
		Signature: protocol.SignChallenge(a.opts.Identity.Private, ch.Nonce),
	})
	if err != nil {
		return err
	}
	if err := a.writeFrame(response); err != nil {
		return err
	}

	outcome, err := a.readFrame(conn)
	if err != nil {
		return err
	}
	switch outcome.Type {
	case protocol.TypeAuthorized:
		return nil
	case protocol.TypeRegistered:
		var reg protocol.RegisteredPayload
		if err := outcome.ParsePayload(&reg); err != nil {
			return err
		}
		// First contact: pin the orchestrator key and remember who we
		// registered with. This permanently closes degraded mode.
		if err := a.opts.Verifier.TrustKey(reg.CPPublicKey); err != nil {
			return err
		}
		if err := a.opts.State.SetServerID(reg.ServerID); err != nil {
			return err
		}
		a.logger.Info("Registered with orchestrator", zap.String("server_id", reg.ServerID))
		return nil
	case protocol.TypeError:
		var e protocol.ErrorPayload
		_ = outcome.ParsePayload(&e)
		return fmt.Errorf("orchestrator refused session: %s", e.Message)
	default:
		return fmt.Errorf("unexpected frame %s", outcome.Type)
	}
}

func (a *Agent) readFrame(conn *websocket.Conn) (*protocol.Envelope, error) {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeStepTimeout)); err != nil {
		return nil, err
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	var env protocol.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// writeFrame serializes writes; subsystem goroutines all report through it.
func (a *Agent) writeFrame(env *protocol.Envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("not connected")
	}
	return a.conn.WriteJSON(env)
}

// send builds and writes a frame, logging instead of failing: report frames
// are best-effort and the next reconnect resynchronizes state.
func (a *Agent) send(frameType string, payload any) {
	env, err := protocol.NewEnvelope(frameType, payload)
	if err != nil {
		a.logger.Error("Failed to build frame", zap.String("frame_type", frameType), zap.Error(err))
		return
	}
	if err := a.writeFrame(env); err != nil {
		a.logger.Warn("Failed to send frame", zap.String("frame_type", frameType), zap.Error(err))
	}
}

// Status implements deploy.Reporter.
func (a *Agent) Status(appID, phase, commit, message string) {
	a.send(protocol.TypeStatusUpdate, protocol.StatusUpdatePayload{
		AppID:      appID,
		Phase:      phase,
		CommitHash: commit,
		Message:    message,
	})
}

// Log implements deploy.Reporter.
func (a *Agent) Log(appID, stream, line string) {
	a.send(protocol.TypeLogStream, protocol.LogStreamPayload{
		AppID:  appID,
		Stream: stream,
		Line:   line,
	})
}

// Ports implements deploy.Reporter.
func (a *Agent) Ports(appID string, ports []int) {
	a.send(protocol.TypeDetectedPorts, protocol.DetectedPortsPayload{
		AppID: appID,
		Ports: ports,
	})
}

// OnProcessExit reports an unexpected app crash. Wired as the supervisor's
// exit handler.
func (a *Agent) OnProcessExit(appID string, err error) {
	msg := "process exited"
	if err != nil {
		msg = fmt.Sprintf("process exited: %v", err)
	}
	a.Status(appID, deploy.PhaseFailure, "", msg)
}

func (a *Agent) sendServerStatus(ctx context.Context) {
	a.send(protocol.TypeServerStatusResponse, a.opts.Host.Collect(ctx))
}

func (a *Agent) initiateShutdown() {
	a.shutdownOnce.Do(func() { close(a.shuttingDown) })
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
