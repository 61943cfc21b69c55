package runtime

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/bastion-dev/bastion/internal/agent/deploy"
	"github.com/bastion-dev/bastion/pkg/protocol"
)

// dispatch gates a frame through the verifier and routes it to the owning
// subsystem. Long-running commands run in their own goroutine so the read
// loop keeps draining.
func (a *Agent) dispatch(ctx context.Context, env *protocol.Envelope) {
	// Key rotation has its own trust handoff: it must verify under the
	// key currently trusted before the new key is installed.
	if env.Type == protocol.TypeControlPlaneRotation {
		if err := a.opts.Verifier.HandleRotation(env); err != nil {
			a.logger.Error("Rejected key rotation", zap.Error(err))
		}
		return
	}

	if err := a.opts.Verifier.Verify(env); err != nil {
		a.logger.Error("Rejected command",
			zap.String("frame_type", env.Type),
			zap.Error(err))
		return
	}

	switch env.Type {
	case protocol.TypeDeploy:
		var p protocol.DeployPayload
		if err := env.ParsePayload(&p); err != nil {
			a.logger.Error("Malformed DEPLOY payload", zap.Error(err))
			return
		}
		a.opts.Pipeline.Deploy(ctx, p)

	case protocol.TypeAppAction:
		var p protocol.AppActionPayload
		if err := env.ParsePayload(&p); err != nil {
			return
		}
		// Serialized with deploys: an action arriving mid-run waits for
		// the run to finish.
		a.opts.Pipeline.Do(ctx, p.AppID, func(ctx context.Context) {
			a.handleAppAction(ctx, p)
		})

	case protocol.TypeProvisionDomain:
		var p protocol.ProvisionDomainPayload
		if err := env.ParsePayload(&p); err != nil {
			return
		}
		go a.handleProvisionDomain(ctx, p)

	case protocol.TypeDeleteProxy:
		var p protocol.DeleteProxyPayload
		if err := env.ParsePayload(&p); err != nil {
			return
		}
		go a.handleDeleteProxy(ctx, p)

	case protocol.TypeServiceAction:
		var p protocol.ServiceActionPayload
		if err := env.ParsePayload(&p); err != nil {
			return
		}
		go func() {
			if err := a.opts.Services.Action(ctx, p.Service, p.Action); err != nil {
				a.systemLog("service", p.Action+" "+p.Service+" failed: "+err.Error())
				return
			}
			a.systemLog("service", p.Action+" "+p.Service+" ok")
		}()

	case protocol.TypeInstallRuntime, protocol.TypeUpdateRuntime:
		var p protocol.RuntimePayload
		if err := env.ParsePayload(&p); err != nil {
			return
		}
		go a.handleRuntimeInstall(ctx, env.Type, p)

	case protocol.TypeRemoveRuntime:
		var p protocol.RuntimePayload
		if err := env.ParsePayload(&p); err != nil {
			return
		}
		go a.handleRuntimeRemove(ctx, p)

	case protocol.TypeConfigureDatabase, protocol.TypeReconfigureDatabase:
		var p protocol.DatabasePayload
		if err := env.ParsePayload(&p); err != nil {
			return
		}
		go a.handleDatabaseConfigure(ctx, env.Type, p)

	case protocol.TypeRemoveDatabase:
		var p protocol.DatabasePayload
		if err := env.ParsePayload(&p); err != nil {
			return
		}
		go func() {
			a.send(protocol.TypeDatabaseRemoved, a.opts.Database.Remove(ctx, p))
		}()

	case protocol.TypeGetServerStatus:
		go a.sendServerStatus(ctx)

	case protocol.TypeGetInfraLogs:
		a.send(protocol.TypeInfraLogsResponse, protocol.InfraLogsResponsePayload{
			Lines: a.opts.InfraLog.Lines(),
		})

	case protocol.TypeClearInfraLogs:
		a.opts.InfraLog.Clear()
		a.send(protocol.TypeInfraLogsResponse, protocol.InfraLogsResponsePayload{})

	case protocol.TypeGetServiceLogs, protocol.TypeGetLogs:
		var p protocol.ServiceLogsPayload
		if err := env.ParsePayload(&p); err != nil {
			return
		}
		go func() {
			lines, err := a.opts.Services.Logs(ctx, p.Service, p.Lines)
			if err != nil {
				a.systemLog("service-logs", err.Error())
				return
			}
			a.send(protocol.TypeServiceLogsResponse, protocol.ServiceLogsResponsePayload{
				Service: p.Service,
				Lines:   lines,
			})
		}()

	case protocol.TypeUpdateAgent:
		var p protocol.UpdateAgentPayload
		if err := env.ParsePayload(&p); err != nil {
			return
		}
		go a.handleUpdateAgent(ctx, p)

	case protocol.TypeShutdownAgent:
		var p protocol.ShutdownAgentPayload
		if err := env.ParsePayload(&p); err != nil {
			return
		}
		a.handleShutdown(p)

	case protocol.TypeRegenerateIdentity:
		a.handleRegenerateIdentity()

	default:
		a.logger.Warn("Unhandled frame type", zap.String("frame_type", env.Type))
	}
}

func (a *Agent) handleAppAction(ctx context.Context, p protocol.AppActionPayload) {
	switch p.Action {
	case "stop":
		if err := a.opts.Super.Stop(p.AppID); err != nil {
			a.Status(p.AppID, deploy.PhaseFailure, "", "stop failed: "+err.Error())
			return
		}
		a.Status(p.AppID, "stopped", "", "")

	case "start", "restart":
		st, err := a.opts.State.App(p.AppID)
		if err != nil || st == nil {
			a.Status(p.AppID, deploy.PhaseFailure, "", "no deployment recorded for app")
			return
		}
		if p.Action == "restart" {
			if err := a.opts.Super.Stop(p.AppID); err != nil {
				a.Status(p.AppID, deploy.PhaseFailure, "", "restart failed: "+err.Error())
				return
			}
		}
		a.opts.Pipeline.Deploy(ctx, protocol.DeployPayload{
			AppID:      p.AppID,
			RepoURL:    st.RepoURL,
			CommitHash: st.ServingCommit,
			MainPort:   st.MainPort,
		})

	case "delete":
		if err := a.opts.Pipeline.Remove(p.AppID); err != nil {
			a.Status(p.AppID, deploy.PhaseFailure, "", "delete failed: "+err.Error())
			return
		}
		if err := os.RemoveAll(a.appWorkdir(p.AppID)); err != nil {
			a.logger.Warn("Failed to remove app workdir",
				zap.String("app_id", p.AppID), zap.Error(err))
		}
		a.Status(p.AppID, "deleted", "", "")

	default:
		a.logger.Warn("Unknown app action", zap.String("action", p.Action))
	}
}

// handleProvisionDomain reports success only after the vhost (and cert, when
// requested) is live; the orchestrator creates the durable proxy record from
// this result.
func (a *Agent) handleProvisionDomain(ctx context.Context, p protocol.ProvisionDomainPayload) {
	result := protocol.ProxyStatusPayload{
		ProxyID: p.ProxyID,
		Domain:  p.Domain,
		Port:    p.Port,
		SSL:     p.SSL,
		AppID:   p.AppID,
		Action:  "provision",
	}
	if err := a.opts.Proxies.Provision(ctx, p.Domain, p.Port, p.SSL); err != nil {
		result.Message = err.Error()
		a.systemLog("proxy", "failed to provision "+p.Domain+": "+err.Error())
		a.send(protocol.TypeProxyStatus, result)
		return
	}
	result.Success = true
	a.systemLog("proxy", "provisioned "+p.Domain)
	a.send(protocol.TypeProxyStatus, result)
}

func (a *Agent) handleDeleteProxy(ctx context.Context, p protocol.DeleteProxyPayload) {
	result := protocol.ProxyStatusPayload{Domain: p.Domain, Action: "delete"}
	if err := a.opts.Proxies.Remove(ctx, p.Domain); err != nil {
		result.Message = err.Error()
		a.systemLog("proxy", "failed to remove "+p.Domain+": "+err.Error())
		a.send(protocol.TypeProxyStatus, result)
		return
	}
	result.Success = true
	a.systemLog("proxy", "removed "+p.Domain)
	a.send(protocol.TypeProxyStatus, result)
}

func (a *Agent) handleRuntimeInstall(ctx context.Context, frameType string, p protocol.RuntimePayload) {
	err := a.opts.Runtimes.Install(ctx, p.Runtime, a.infraSink())
	result := protocol.RuntimeResultPayload{Runtime: p.Runtime, Version: p.Version, Success: err == nil}
	if err != nil {
		result.Message = err.Error()
	}
	resultType := protocol.TypeRuntimeInstalled
	if frameType == protocol.TypeUpdateRuntime {
		resultType = protocol.TypeRuntimeUpdated
	}
	a.send(resultType, result)
}

func (a *Agent) handleRuntimeRemove(ctx context.Context, p protocol.RuntimePayload) {
	err := a.opts.Runtimes.Remove(ctx, p.Runtime, a.infraSink())
	result := protocol.RuntimeResultPayload{Runtime: p.Runtime, Success: err == nil}
	if err != nil {
		result.Message = err.Error()
	}
	a.send(protocol.TypeRuntimeRemoved, result)
}

func (a *Agent) handleDatabaseConfigure(ctx context.Context, frameType string, p protocol.DatabasePayload) {
	result := a.opts.Database.Provision(ctx, p)
	resultType := protocol.TypeDatabaseConfigured
	if frameType == protocol.TypeReconfigureDatabase {
		resultType = protocol.TypeDatabaseReconfigured
	}
	a.send(resultType, result)
}

func (a *Agent) handleUpdateAgent(ctx context.Context, p protocol.UpdateAgentPayload) {
	report := func(phase, message string) {
		a.send(protocol.TypeAgentUpdateStatus, protocol.AgentUpdateStatusPayload{
			Phase:   phase,
			Version: p.Version,
			Message: message,
		})
	}
	if err := a.opts.Updater.Apply(ctx, p.BundleURL, p.Version, report); err != nil {
		a.logger.Error("Agent update failed", zap.Error(err))
	}
}

func (a *Agent) handleShutdown(p protocol.ShutdownAgentPayload) {
	a.send(protocol.TypeAgentShutdownAck, protocol.AgentShutdownAckPayload{Mode: p.Mode})
	a.opts.Super.StopAll()
	if p.Mode == "uninstall" {
		if err := os.RemoveAll(a.opts.IdentityDir); err != nil {
			a.logger.Warn("Failed to remove identity", zap.Error(err))
		}
	}
	a.logger.Info("Shutting down on orchestrator command", zap.String("mode", p.Mode))
	a.initiateShutdown()
}

// handleRegenerateIdentity mints a fresh keypair and drops the connection.
// The node is unknown under the new key, so the host must re-register with a
// fresh token before it can serve again.
func (a *Agent) handleRegenerateIdentity() {
	id, err := protocol.RegenerateIdentity(a.opts.IdentityDir)
	if err != nil {
		a.logger.Error("Failed to regenerate identity", zap.Error(err))
		return
	}
	a.opts.Identity = id
	if err := a.opts.State.SetServerID(""); err != nil {
		a.logger.Warn("Failed to clear server binding", zap.Error(err))
	}
	a.logger.Warn("Identity regenerated; re-registration with a new token required")
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// infraSink buffers infrastructure-operation output locally and streams it
// upstream as INFRASTRUCTURE_LOG frames.
func (a *Agent) infraSink() func(op, line string) {
	return func(op, line string) {
		a.opts.InfraLog.Append(op, line)
		a.send(protocol.TypeInfraLog, protocol.InfraLogPayload{Operation: op, Line: line})
	}
}

func (a *Agent) systemLog(operation, message string) {
	a.send(protocol.TypeSystemLog, protocol.InfraLogPayload{Operation: operation, Line: message})
}

func (a *Agent) appWorkdir(appID string) string {
	return filepath.Join(a.opts.DataDir, "apps", appID)
}
