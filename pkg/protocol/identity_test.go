package protocol

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateIdentityPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "identity")

	first, err := LoadOrCreateIdentity(dir)
	require.NoError(t, err)

	second, err := LoadOrCreateIdentity(dir)
	require.NoError(t, err)

	assert.Equal(t, first.Public, second.Public, "identity must be stable across boots")
}

func TestIdentityFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}
	dir := filepath.Join(t.TempDir(), "identity")
	_, err := LoadOrCreateIdentity(dir)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	keyInfo, err := os.Stat(filepath.Join(dir, "identity.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), keyInfo.Mode().Perm())
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	pemStr, err := EncodePublicKey(id.Public)
	require.NoError(t, err)
	assert.Contains(t, pemStr, "BEGIN PUBLIC KEY")

	decoded, err := DecodePublicKey(pemStr)
	require.NoError(t, err)
	assert.Equal(t, id.Public, decoded)
}

func TestDecodePublicKeyRejectsGarbage(t *testing.T) {
	_, err := DecodePublicKey("not a pem")
	assert.Error(t, err)
}

func TestRegenerateIdentityReplacesKey(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "identity")
	first, err := LoadOrCreateIdentity(dir)
	require.NoError(t, err)

	second, err := RegenerateIdentity(dir)
	require.NoError(t, err)
	assert.NotEqual(t, first.Public, second.Public)

	loaded, err := LoadOrCreateIdentity(dir)
	require.NoError(t, err)
	assert.Equal(t, second.Public, loaded.Public)
}
