package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	// Database drivers. SQLite is the default; Postgres is selected by
	// database.driver=postgres and connects through the pgx stdlib shim.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/bastion-dev/bastion/internal/common/errors"
)

// SQLStore implements Store on SQLite or Postgres via sqlx. All queries are
// written with `?` bindvars and rebound per driver.
type SQLStore struct {
	db *sqlx.DB
}

// OpenSQLite opens (or creates) the SQLite store at path.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// SQLite allows one writer; a larger pool just queues on the file lock.
	db.SetMaxOpenConns(1)
	return newSQLStore(db)
}

// OpenPostgres connects to the Postgres store with the given DSN.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return newSQLStore(db)
}

func newSQLStore(db *sqlx.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// initSchema creates the database tables if they don't exist.
func (s *SQLStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			public_key TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'offline',
			agent_version TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_owner_id ON nodes(owner_id)`,

		`CREATE TABLE IF NOT EXISTS apps (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			repo_url TEXT NOT NULL,
			branch TEXT NOT NULL DEFAULT 'main',
			main_port INTEGER NOT NULL DEFAULT 0,
			ports TEXT NOT NULL DEFAULT '[]',
			env TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'idle',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_apps_owner_id ON apps(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_apps_node_id ON apps(node_id)`,
		`CREATE INDEX IF NOT EXISTS idx_apps_repo_url ON apps(owner_id, repo_url)`,

		`CREATE TABLE IF NOT EXISTS proxies (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			domain TEXT NOT NULL,
			port INTEGER NOT NULL,
			ssl_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			app_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			UNIQUE(owner_id, domain)
		)`,

		`CREATE TABLE IF NOT EXISTS registration_tokens (
			value TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			consumed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS activity_log (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			node_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			details TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_owner_created ON activity_log(owner_id, created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Nodes

func (s *SQLStore) CreateNode(ctx context.Context, node *Node) error {
	now := time.Now().UTC()
	node.CreatedAt = now
	node.UpdatedAt = now
	query := s.db.Rebind(`INSERT INTO nodes
		(id, owner_id, name, public_key, status, agent_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		node.ID, node.OwnerID, node.Name, node.PublicKey, node.Status,
		node.AgentVersion, node.CreatedAt, node.UpdatedAt)
	return err
}

func (s *SQLStore) GetNode(ctx context.Context, id string) (*Node, error) {
	var node Node
	query := s.db.Rebind(`SELECT * FROM nodes WHERE id = ?`)
	if err := s.db.GetContext(ctx, &node, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("node", id)
		}
		return nil, err
	}
	return &node, nil
}

func (s *SQLStore) GetNodeByPublicKey(ctx context.Context, publicKey string) (*Node, error) {
	var node Node
	query := s.db.Rebind(`SELECT * FROM nodes WHERE public_key = ?`)
	if err := s.db.GetContext(ctx, &node, query, publicKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("node", "public-key")
		}
		return nil, err
	}
	return &node, nil
}

func (s *SQLStore) ListNodesByOwner(ctx context.Context, ownerID string) ([]*Node, error) {
	nodes := []*Node{}
	query := s.db.Rebind(`SELECT * FROM nodes WHERE owner_id = ? ORDER BY created_at`)
	if err := s.db.SelectContext(ctx, &nodes, query, ownerID); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (s *SQLStore) UpdateNodeStatus(ctx context.Context, id, status string) error {
	query := s.db.Rebind(`UPDATE nodes SET status = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "node", id)
}

func (s *SQLStore) UpdateNodeAgentVersion(ctx context.Context, id, version string) error {
	query := s.db.Rebind(`UPDATE nodes SET agent_version = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, version, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "node", id)
}

func (s *SQLStore) DeleteNode(ctx context.Context, id string) error {
	query := s.db.Rebind(`DELETE FROM nodes WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

func (s *SQLStore) CountNodesByOwner(ctx context.Context, ownerID string) (int, error) {
	var count int
	query := s.db.Rebind(`SELECT COUNT(*) FROM nodes WHERE owner_id = ?`)
	if err := s.db.GetContext(ctx, &count, query, ownerID); err != nil {
		return 0, err
	}
	return count, nil
}

// Apps

func (s *SQLStore) CreateApp(ctx context.Context, app *App) error {
	now := time.Now().UTC()
	app.CreatedAt = now
	app.UpdatedAt = now
	if app.Ports == "" {
		app.Ports = "[]"
	}
	if app.Env == "" {
		app.Env = "{}"
	}
	query := s.db.Rebind(`INSERT INTO apps
		(id, owner_id, node_id, name, repo_url, branch, main_port, ports, env, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		app.ID, app.OwnerID, app.NodeID, app.Name, app.RepoURL, app.Branch,
		app.MainPort, app.Ports, app.Env, app.Status, app.CreatedAt, app.UpdatedAt)
	return err
}

func (s *SQLStore) GetApp(ctx context.Context, id string) (*App, error) {
	var app App
	query := s.db.Rebind(`SELECT * FROM apps WHERE id = ?`)
	if err := s.db.GetContext(ctx, &app, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("app", id)
		}
		return nil, err
	}
	return &app, nil
}

func (s *SQLStore) GetAppByRepo(ctx context.Context, ownerID, repoURL string) (*App, error) {
	var app App
	query := s.db.Rebind(`SELECT * FROM apps WHERE owner_id = ? AND repo_url = ? ORDER BY created_at LIMIT 1`)
	if err := s.db.GetContext(ctx, &app, query, ownerID, repoURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("app", repoURL)
		}
		return nil, err
	}
	return &app, nil
}

func (s *SQLStore) ListAppsByOwner(ctx context.Context, ownerID string) ([]*App, error) {
	apps := []*App{}
	query := s.db.Rebind(`SELECT * FROM apps WHERE owner_id = ? ORDER BY created_at`)
	if err := s.db.SelectContext(ctx, &apps, query, ownerID); err != nil {
		return nil, err
	}
	return apps, nil
}

func (s *SQLStore) UpdateAppStatus(ctx context.Context, id, status string) error {
	query := s.db.Rebind(`UPDATE apps SET status = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, "app", id)
}

func (s *SQLStore) DeleteApp(ctx context.Context, id string) error {
	query := s.db.Rebind(`DELETE FROM apps WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

func (s *SQLStore) CountAppsByOwner(ctx context.Context, ownerID string) (int, error) {
	var count int
	query := s.db.Rebind(`SELECT COUNT(*) FROM apps WHERE owner_id = ?`)
	if err := s.db.GetContext(ctx, &count, query, ownerID); err != nil {
		return 0, err
	}
	return count, nil
}

// Proxies

func (s *SQLStore) CreateProxy(ctx context.Context, proxy *Proxy) error {
	proxy.CreatedAt = time.Now().UTC()
	query := s.db.Rebind(`INSERT INTO proxies
		(id, owner_id, node_id, domain, port, ssl_enabled, app_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		proxy.ID, proxy.OwnerID, proxy.NodeID, proxy.Domain, proxy.Port,
		proxy.SSLEnabled, proxy.AppID, proxy.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return apperrors.Conflict(fmt.Sprintf("domain '%s' already provisioned", proxy.Domain))
	}
	return err
}

func (s *SQLStore) GetProxyByDomain(ctx context.Context, ownerID, domain string) (*Proxy, error) {
	var proxy Proxy
	query := s.db.Rebind(`SELECT * FROM proxies WHERE owner_id = ? AND domain = ?`)
	if err := s.db.GetContext(ctx, &proxy, query, ownerID, domain); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("proxy", domain)
		}
		return nil, err
	}
	return &proxy, nil
}

func (s *SQLStore) ListProxiesByOwner(ctx context.Context, ownerID string) ([]*Proxy, error) {
	proxies := []*Proxy{}
	query := s.db.Rebind(`SELECT * FROM proxies WHERE owner_id = ? ORDER BY created_at`)
	if err := s.db.SelectContext(ctx, &proxies, query, ownerID); err != nil {
		return nil, err
	}
	return proxies, nil
}

func (s *SQLStore) DeleteProxyByDomain(ctx context.Context, ownerID, domain string) error {
	query := s.db.Rebind(`DELETE FROM proxies WHERE owner_id = ? AND domain = ?`)
	_, err := s.db.ExecContext(ctx, query, ownerID, domain)
	return err
}

// Registration tokens

func (s *SQLStore) CreateToken(ctx context.Context, token *RegistrationToken) error {
	token.CreatedAt = time.Now().UTC()
	query := s.db.Rebind(`INSERT INTO registration_tokens
		(value, owner_id, expires_at, consumed_at, created_at)
		VALUES (?, ?, ?, NULL, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		token.Value, token.OwnerID, token.ExpiresAt, token.CreatedAt)
	return err
}

// ConsumeToken atomically marks a token consumed. It fails for unknown,
// expired, or already-consumed tokens; the caller treats all three alike.
func (s *SQLStore) ConsumeToken(ctx context.Context, value string, now time.Time) (*RegistrationToken, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var token RegistrationToken
	query := tx.Rebind(`SELECT * FROM registration_tokens WHERE value = ?`)
	if err := tx.GetContext(ctx, &token, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.TokenInvalid("unknown registration token")
		}
		return nil, err
	}
	if token.ConsumedAt != nil {
		return nil, apperrors.TokenInvalid("registration token already used")
	}
	if now.After(token.ExpiresAt) {
		return nil, apperrors.TokenInvalid("registration token expired")
	}

	update := tx.Rebind(`UPDATE registration_tokens SET consumed_at = ? WHERE value = ? AND consumed_at IS NULL`)
	res, err := tx.ExecContext(ctx, update, now, value)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, apperrors.TokenInvalid("registration token already used")
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	token.ConsumedAt = &now
	return &token, nil
}

func (s *SQLStore) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	query := s.db.Rebind(`DELETE FROM registration_tokens WHERE expires_at < ?`)
	res, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// Activity

func (s *SQLStore) AppendActivity(ctx context.Context, rec *ActivityRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	query := s.db.Rebind(`INSERT INTO activity_log
		(id, owner_id, node_id, type, status, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.OwnerID, rec.NodeID, rec.Type, rec.Status, rec.Details, rec.CreatedAt)
	return err
}

func (s *SQLStore) ListActivityByOwner(ctx context.Context, ownerID string, limit int) ([]*ActivityRecord, error) {
	recs := []*ActivityRecord{}
	query := s.db.Rebind(`SELECT * FROM activity_log WHERE owner_id = ? ORDER BY created_at DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &recs, query, ownerID, limit); err != nil {
		return nil, err
	}
	return recs, nil
}

// TrimActivity deletes an owner's records beyond the newest `keep`.
func (s *SQLStore) TrimActivity(ctx context.Context, ownerID string, keep int) error {
	query := s.db.Rebind(`DELETE FROM activity_log WHERE owner_id = ? AND id NOT IN (
		SELECT id FROM activity_log WHERE owner_id = ? ORDER BY created_at DESC LIMIT ?
	)`)
	_, err := s.db.ExecContext(ctx, query, ownerID, ownerID, keep)
	return err
}

func requireRow(res sql.Result, resource, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound(resource, id)
	}
	return nil
}

// isUniqueViolation matches the unique-constraint error text of both drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}
