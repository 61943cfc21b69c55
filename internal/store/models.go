// Package store provides the typed repository consumed by the orchestrator
// core: nodes, apps, proxies, registration tokens, and activity records.
package store

import "time"

// Node statuses.
const (
	NodeOnline  = "online"
	NodeOffline = "offline"
)

// Activity statuses.
const (
	ActivitySuccess = "success"
	ActivityFailure = "failure"
	ActivityInfo    = "info"
)

// Node is the persisted record of an agent identity, scoped to an owner.
// A Node exists if and only if its public key exists in the store.
type Node struct {
	ID           string    `db:"id" json:"id"`
	OwnerID      string    `db:"owner_id" json:"owner_id"`
	Name         string    `db:"name" json:"name"`
	PublicKey    string    `db:"public_key" json:"-"`
	Status       string    `db:"status" json:"status"`
	AgentVersion string    `db:"agent_version" json:"agent_version"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// App is a deployable application bound to a node.
type App struct {
	ID         string    `db:"id" json:"id"`
	OwnerID    string    `db:"owner_id" json:"owner_id"`
	NodeID     string    `db:"node_id" json:"node_id"`
	Name       string    `db:"name" json:"name"`
	RepoURL    string    `db:"repo_url" json:"repo_url"`
	Branch     string    `db:"branch" json:"branch"`
	MainPort   int       `db:"main_port" json:"main_port"`
	Ports      string    `db:"ports" json:"ports"` // JSON array, first entry is main
	Env        string    `db:"env" json:"-"`       // JSON object
	Status     string    `db:"status" json:"status"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Proxy is a provisioned reverse-proxy domain. Domain is unique per owner.
type Proxy struct {
	ID         string    `db:"id" json:"id"`
	OwnerID    string    `db:"owner_id" json:"owner_id"`
	NodeID     string    `db:"node_id" json:"node_id"`
	Domain     string    `db:"domain" json:"domain"`
	Port       int       `db:"port" json:"port"`
	SSLEnabled bool      `db:"ssl_enabled" json:"ssl_enabled"`
	AppID      string    `db:"app_id" json:"app_id,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// RegistrationToken is a single-use, short-lived secret that authorizes the
// first connection of a new agent to an owner.
type RegistrationToken struct {
	Value      string     `db:"value" json:"value"`
	OwnerID    string     `db:"owner_id" json:"owner_id"`
	ExpiresAt  time.Time  `db:"expires_at" json:"expires_at"`
	ConsumedAt *time.Time `db:"consumed_at" json:"consumed_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// ActivityRecord is one append-only audit entry.
type ActivityRecord struct {
	ID        string    `db:"id" json:"id"`
	OwnerID   string    `db:"owner_id" json:"owner_id"`
	NodeID    string    `db:"node_id" json:"node_id,omitempty"`
	Type      string    `db:"type" json:"type"`
	Status    string    `db:"status" json:"status"`
	Details   string    `db:"details" json:"details,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
