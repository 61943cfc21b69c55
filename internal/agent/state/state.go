// Package state is the agent's durable local store: the cached orchestrator
// public key, and per-app deployment anchors used for rollback decisions.
package state

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta = []byte("meta")
	bucketApps = []byte("apps")

	keyCPPublicKey = []byte("cp_public_key")
	keyServerID    = []byte("server_id")
)

// AppState is what the agent remembers about one app across restarts.
type AppState struct {
	AppID          string    `json:"app_id"`
	RepoURL        string    `json:"repo_url"`
	ServingCommit  string    `json:"serving_commit"`   // commit currently running
	LastGoodCommit string    `json:"last_good_commit"` // rollback anchor
	MainPort       int       `json:"main_port"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store wraps the agent's bbolt database.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the state database under dataDir.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "agent-state.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketApps} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("close state db after init error: %w", closeErr)
		}
		return nil, fmt.Errorf("init state buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ControlPlaneKey returns the cached orchestrator public key PEM, empty when
// the agent has never completed a registration.
func (s *Store) ControlPlaneKey() (string, error) {
	var pem string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyCPPublicKey); v != nil {
			pem = string(v)
		}
		return nil
	})
	return pem, err
}

// SetControlPlaneKey persists the orchestrator public key. Called on first
// registration and on verified key rotations.
func (s *Store) SetControlPlaneKey(pem string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyCPPublicKey, []byte(pem))
	})
}

// ServerID returns the orchestrator identity this agent registered with.
func (s *Store) ServerID() (string, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyServerID); v != nil {
			id = string(v)
		}
		return nil
	})
	return id, err
}

// SetServerID persists the orchestrator identity.
func (s *Store) SetServerID(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyServerID, []byte(id))
	})
}

// App returns the stored state for an app, nil when unknown.
func (s *Store) App(appID string) (*AppState, error) {
	var app *AppState
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketApps).Get([]byte(appID))
		if v == nil {
			return nil
		}
		var decoded AppState
		if err := json.Unmarshal(v, &decoded); err != nil {
			return fmt.Errorf("corrupt app state for %s: %w", appID, err)
		}
		app = &decoded
		return nil
	})
	return app, err
}

// PutApp persists app state.
func (s *Store) PutApp(app *AppState) error {
	app.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(app)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApps).Put([]byte(app.AppID), data)
	})
}

// DeleteApp removes app state, used when an app is deleted from the host.
func (s *Store) DeleteApp(appID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApps).Delete([]byte(appID))
	})
}

// Apps lists all stored app states.
func (s *Store) Apps() ([]*AppState, error) {
	var apps []*AppState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApps).ForEach(func(k, v []byte) error {
			var app AppState
			if err := json.Unmarshal(v, &app); err != nil {
				return fmt.Errorf("corrupt app state for %s: %w", string(k), err)
			}
			apps = append(apps, &app)
			return nil
		})
	})
	return apps, err
}
