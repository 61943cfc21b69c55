package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "identity.key"
	publicKeyFile  = "identity.pub"
)

// Identity is a persisted Ed25519 keypair naming an agent or the
// orchestrator control plane.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateIdentity creates a fresh Ed25519 keypair.
func GenerateIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Identity{Public: pub, Private: priv}, nil
}

// LoadOrCreateIdentity loads the identity persisted under dir, generating
// and persisting a new one on first boot. dir is created 0700 and the
// private key written 0600; the identity is immutable once written.
func LoadOrCreateIdentity(dir string) (*Identity, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	keyPath := filepath.Join(dir, privateKeyFile)
	if _, err := os.Stat(keyPath); err == nil {
		return loadIdentity(dir)
	}
	id, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := saveIdentity(dir, id); err != nil {
		return nil, err
	}
	return id, nil
}

// RegenerateIdentity replaces the persisted keypair with a fresh one.
func RegenerateIdentity(dir string) (*Identity, error) {
	id, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := saveIdentity(dir, id); err != nil {
		return nil, err
	}
	return id, nil
}

func loadIdentity(dir string) (*Identity, error) {
	keyPEM, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("malformed private key PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("identity key is not Ed25519")
	}
	return &Identity{
		Public:  priv.Public().(ed25519.PublicKey),
		Private: priv,
	}, nil
}

// SaveIdentity persists a keypair under dir, replacing any existing one.
// Used for control-plane key rotation and agent identity regeneration.
func SaveIdentity(dir string, id *Identity) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	return saveIdentity(dir, id)
}

func saveIdentity(dir string, id *Identity) error {
	privDER, err := x509.MarshalPKCS8PrivateKey(id.Private)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), privPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	pubPEM, err := EncodePublicKey(id.Public)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), []byte(pubPEM), 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// EncodePublicKey renders an Ed25519 public key as a PEM string, the form
// carried in CONNECT/REGISTER frames and stored on Node rows.
func EncodePublicKey(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// DecodePublicKey parses a PEM-encoded Ed25519 public key.
func DecodePublicKey(pemStr string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("malformed public key PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not Ed25519")
	}
	return pub, nil
}
