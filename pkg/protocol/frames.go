// Package protocol defines the wire protocol spoken between the orchestrator,
// its agents, and dashboard sessions: the JSON frame envelope, the frame type
// catalog, the signed-command canonical form, and Ed25519 identity handling.
package protocol

import (
	"encoding/json"
	"time"
)

// Handshake frame types. Exchanged before a session is authorized.
const (
	TypeConnect    = "CONNECT"
	TypeRegister   = "REGISTER"
	TypeChallenge  = "CHALLENGE"
	TypeResponse   = "RESPONSE"
	TypeAuthorized = "AUTHORIZED"
	TypeRegistered = "REGISTERED"
	TypeError      = "ERROR"
)

// Orchestrator -> agent command types. Every one of these causes a side
// effect on the agent host and MUST be signed.
const (
	TypeDeploy                = "DEPLOY"
	TypeAppAction             = "APP_ACTION"
	TypeProvisionDomain       = "PROVISION_DOMAIN"
	TypeDeleteProxy           = "DELETE_PROXY"
	TypeServiceAction         = "SERVICE_ACTION"
	TypeGetLogs               = "GET_LOGS"
	TypeInstallRuntime        = "INSTALL_RUNTIME"
	TypeUpdateRuntime         = "UPDATE_RUNTIME"
	TypeRemoveRuntime         = "REMOVE_RUNTIME"
	TypeConfigureDatabase     = "CONFIGURE_DATABASE"
	TypeReconfigureDatabase   = "RECONFIGURE_DATABASE"
	TypeRemoveDatabase        = "REMOVE_DATABASE"
	TypeGetServerStatus       = "GET_SERVER_STATUS"
	TypeGetInfraLogs          = "GET_INFRASTRUCTURE_LOGS"
	TypeClearInfraLogs        = "CLEAR_INFRASTRUCTURE_LOGS"
	TypeGetServiceLogs        = "GET_SERVICE_LOGS"
	TypeUpdateAgent           = "UPDATE_AGENT"
	TypeShutdownAgent         = "SHUTDOWN_AGENT"
	TypeRegenerateIdentity    = "REGENERATE_IDENTITY"
	TypeControlPlaneRotation  = "CP_KEY_ROTATION"
)

// Agent -> orchestrator frame types, fanned out to the owner's dashboards.
const (
	TypeLogStream            = "LOG_STREAM"
	TypeStatusUpdate         = "STATUS_UPDATE"
	TypeSystemLog            = "SYSTEM_LOG"
	TypeDetectedPorts        = "DETECTED_PORTS"
	TypeServerStatusResponse = "SERVER_STATUS_RESPONSE"
	TypeInfraLog             = "INFRASTRUCTURE_LOG"
	TypeInfraLogsResponse    = "INFRASTRUCTURE_LOGS_RESPONSE"
	TypeServiceLogsResponse  = "SERVICE_LOGS_RESPONSE"
	TypeRuntimeInstalled     = "RUNTIME_INSTALLED"
	TypeRuntimeUpdated       = "RUNTIME_UPDATED"
	TypeRuntimeRemoved       = "RUNTIME_REMOVED"
	TypeDatabaseConfigured   = "DATABASE_CONFIGURED"
	TypeDatabaseReconfigured = "DATABASE_RECONFIGURED"
	TypeDatabaseRemoved      = "DATABASE_REMOVED"
	TypeAgentUpdateStatus    = "AGENT_UPDATE_STATUS"
	TypeAgentUpdateLog       = "AGENT_UPDATE_LOG"
	TypeAgentShutdownAck     = "AGENT_SHUTDOWN_ACK"
	TypeProxyStatus          = "PROXY_STATUS"
)

// Orchestrator -> dashboard frame types.
const (
	TypeInitialState = "INITIAL_STATE"
	TypeServerStatus = "SERVER_STATUS"
	TypeDeployStatus = "DEPLOY_STATUS"
	TypeDeployLog    = "DEPLOY_LOG"
	TypeAuditUpdate  = "AUDIT_UPDATE"
)

// Envelope is the message envelope carried in one WebSocket text frame.
// Timestamp, Nonce, and Signature are populated only on signed commands.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Nonce     string          `json:"nonce,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// NewEnvelope builds an unsigned envelope with a marshalled payload.
func NewEnvelope(frameType string, payload any) (*Envelope, error) {
	env := &Envelope{Type: frameType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = data
	}
	return env, nil
}

// ParsePayload unmarshals the envelope payload into v.
func (e *Envelope) ParsePayload(v any) error {
	if e.Payload == nil {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// IsSignedType reports whether frames of the given type must carry a valid
// orchestrator signature before an agent may act on them.
func IsSignedType(frameType string) bool {
	switch frameType {
	case TypeDeploy, TypeAppAction, TypeProvisionDomain, TypeDeleteProxy,
		TypeServiceAction, TypeGetLogs, TypeInstallRuntime, TypeUpdateRuntime,
		TypeRemoveRuntime, TypeConfigureDatabase, TypeReconfigureDatabase,
		TypeRemoveDatabase, TypeGetServerStatus, TypeGetInfraLogs,
		TypeClearInfraLogs, TypeGetServiceLogs, TypeUpdateAgent,
		TypeShutdownAgent, TypeRegenerateIdentity, TypeControlPlaneRotation:
		return true
	}
	return false
}

// Handshake payloads.

type ConnectPayload struct {
	PublicKey string `json:"public_key"`
	Version   string `json:"version"`
}

type RegisterPayload struct {
	Token     string `json:"token"`
	PublicKey string `json:"public_key"`
	Version   string `json:"version"`
}

type ChallengePayload struct {
	Nonce string `json:"nonce"`
}

type ResponsePayload struct {
	Signature string `json:"signature"`
}

type AuthorizedPayload struct {
	SessionID string `json:"session_id"`
}

type RegisteredPayload struct {
	ServerID    string `json:"server_id"`
	CPPublicKey string `json:"cp_public_key"`
}

type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Command payloads.

type DeployPayload struct {
	AppID      string            `json:"app_id"`
	RepoURL    string            `json:"repo_url"`
	CommitHash string            `json:"commit_hash,omitempty"`
	Branch     string            `json:"branch,omitempty"`
	MainPort   int               `json:"main_port"`
	Env        map[string]string `json:"env,omitempty"`
}

type AppActionPayload struct {
	AppID  string `json:"app_id"`
	Action string `json:"action"` // start, stop, restart, delete
}

type ProvisionDomainPayload struct {
	ProxyID string `json:"proxy_id"`
	Domain  string `json:"domain"`
	Port    int    `json:"port"`
	SSL     bool   `json:"ssl"`
	AppID   string `json:"app_id,omitempty"`
}

type DeleteProxyPayload struct {
	Domain string `json:"domain"`
}

type ServiceActionPayload struct {
	Service string `json:"service"`
	Action  string `json:"action"` // start, stop, restart, reload
}

type RuntimePayload struct {
	Runtime string `json:"runtime"` // node, python, go, ...
	Version string `json:"version,omitempty"`
}

type DatabasePayload struct {
	Engine     string `json:"engine"` // postgres, mysql
	Name       string `json:"name"`
	Username   string `json:"username,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	RemoveData bool   `json:"remove_data,omitempty"`
}

type ServiceLogsPayload struct {
	Service string `json:"service"`
	Lines   int    `json:"lines,omitempty"`
}

type UpdateAgentPayload struct {
	BundleURL string `json:"bundle_url"`
	Version   string `json:"version"`
}

type ShutdownAgentPayload struct {
	Mode string `json:"mode"` // stop or uninstall
}

type KeyRotationPayload struct {
	NewPublicKey string `json:"new_public_key"`
}

// Agent-report payloads.

type StatusUpdatePayload struct {
	AppID      string `json:"app_id"`
	Phase      string `json:"phase"`
	CommitHash string `json:"commit_hash,omitempty"`
	Message    string `json:"message,omitempty"`
}

type LogStreamPayload struct {
	AppID  string `json:"app_id"`
	Stream string `json:"stream"` // stdout or stderr
	Line   string `json:"line"`
}

type DetectedPortsPayload struct {
	AppID string `json:"app_id"`
	Ports []int  `json:"ports"`
}

type InfraLogPayload struct {
	Operation string `json:"operation"`
	Line      string `json:"line"`
}

type RuntimeResultPayload struct {
	Runtime string `json:"runtime"`
	Version string `json:"version,omitempty"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ProxyStatusPayload reports the outcome of a proxy command. The proxy
// record exists only for domains the agent confirmed as provisioned.
type ProxyStatusPayload struct {
	ProxyID string `json:"proxy_id,omitempty"`
	Domain  string `json:"domain"`
	Port    int    `json:"port,omitempty"`
	SSL     bool   `json:"ssl,omitempty"`
	AppID   string `json:"app_id,omitempty"`
	Action  string `json:"action"` // provision or delete
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// DatabaseResultPayload reports the outcome of a database command. The
// masked connection string is safe to fan out; the full string is stripped
// by the orchestrator before broadcast and delivered only to the requester.
type DatabaseResultPayload struct {
	Engine           string `json:"engine"`
	Name             string `json:"name"`
	RequestID        string `json:"request_id,omitempty"`
	ConnectionString string `json:"connection_string"`
	FullConnection   string `json:"full_connection,omitempty"`
	Success          bool   `json:"success"`
	Message          string `json:"message,omitempty"`
}

type ServerStatusResponsePayload struct {
	AgentVersion string            `json:"agent_version"`
	Hostname     string            `json:"hostname"`
	OS           string            `json:"os"`
	CPUPercent   float64           `json:"cpu_percent"`
	MemUsedPct   float64           `json:"mem_used_pct"`
	DiskUsedPct  float64           `json:"disk_used_pct"`
	Runtimes     map[string]string `json:"runtimes"`
	Databases    []string          `json:"databases"`
	Services     map[string]string `json:"services"`
}

type ServiceLogsResponsePayload struct {
	Service string   `json:"service"`
	Lines   []string `json:"lines"`
}

type InfraLogsResponsePayload struct {
	Lines []string `json:"lines"`
}

type AgentUpdateStatusPayload struct {
	Phase   string `json:"phase"` // downloading, swapping, restarting, failed
	Version string `json:"version,omitempty"`
	Message string `json:"message,omitempty"`
}

type AgentShutdownAckPayload struct {
	Mode string `json:"mode"`
}

// Dashboard-facing payloads.

// NodeFrame wraps an agent frame with the originating node before fan-out.
type NodeFrame struct {
	NodeID  string          `json:"node_id"`
	Type    string          `json:"frame_type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ServerStatusEvent struct {
	NodeID string `json:"node_id"`
	Status string `json:"status"` // online or offline
}

// AuditEntry is one activity-log record as broadcast to dashboards.
type AuditEntry struct {
	OwnerID   string    `json:"owner_id"`
	NodeID    string    `json:"node_id,omitempty"`
	Type      string    `json:"type"`
	Status    string    `json:"status"` // success, failure, info
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
