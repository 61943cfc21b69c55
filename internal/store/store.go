package store

import (
	"context"
	"time"
)

// Store is the typed repository interface the orchestrator core depends on.
// Runtime session state never lives here; this is durable records only.
type Store interface {
	// Nodes
	CreateNode(ctx context.Context, node *Node) error
	GetNode(ctx context.Context, id string) (*Node, error)
	GetNodeByPublicKey(ctx context.Context, publicKey string) (*Node, error)
	ListNodesByOwner(ctx context.Context, ownerID string) ([]*Node, error)
	UpdateNodeStatus(ctx context.Context, id, status string) error
	UpdateNodeAgentVersion(ctx context.Context, id, version string) error
	DeleteNode(ctx context.Context, id string) error
	CountNodesByOwner(ctx context.Context, ownerID string) (int, error)

	// Apps
	CreateApp(ctx context.Context, app *App) error
	GetApp(ctx context.Context, id string) (*App, error)
	GetAppByRepo(ctx context.Context, ownerID, repoURL string) (*App, error)
	ListAppsByOwner(ctx context.Context, ownerID string) ([]*App, error)
	UpdateAppStatus(ctx context.Context, id, status string) error
	DeleteApp(ctx context.Context, id string) error
	CountAppsByOwner(ctx context.Context, ownerID string) (int, error)

	// Proxies
	CreateProxy(ctx context.Context, proxy *Proxy) error
	GetProxyByDomain(ctx context.Context, ownerID, domain string) (*Proxy, error)
	ListProxiesByOwner(ctx context.Context, ownerID string) ([]*Proxy, error)
	DeleteProxyByDomain(ctx context.Context, ownerID, domain string) error

	// Registration tokens
	CreateToken(ctx context.Context, token *RegistrationToken) error
	ConsumeToken(ctx context.Context, value string, now time.Time) (*RegistrationToken, error)
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error)

	// Activity
	AppendActivity(ctx context.Context, rec *ActivityRecord) error
	ListActivityByOwner(ctx context.Context, ownerID string, limit int) ([]*ActivityRecord, error)
	TrimActivity(ctx context.Context, ownerID string, keep int) error

	Close() error
}
