package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrustStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), TrustStoreName)

	store, err := LoadTrustStore(path)
	require.NoError(t, err)
	assert.Empty(t, store, "missing file should load as empty store")

	require.NoError(t, AddTrustedCert(path, "lobby.example.org", "AA:BB"))
	// duplicate fingerprints compare case-insensitively
	require.NoError(t, AddTrustedCert(path, "lobby.example.org", "aa:bb"))
	require.NoError(t, AddTrustedCert(path, "lobby.example.org", "CC:DD"))
	require.NoError(t, AddTrustedCert(path, "other.example.org", "EE:FF"))

	lines, err := ListTrustedCerts(path, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"lobby.example.org AA:BB",
		"lobby.example.org CC:DD",
		"other.example.org EE:FF",
	}, lines)

	lines, err = ListTrustedCerts(path, "other.example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"other.example.org EE:FF"}, lines)
}

func TestRevokeTrustedCert(t *testing.T) {
	path := filepath.Join(t.TempDir(), TrustStoreName)
	require.NoError(t, AddTrustedCert(path, "lobby.example.org", "AA:BB"))

	found, err := RevokeTrustedCert(path, "lobby.example.org", "aa:bb")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = RevokeTrustedCert(path, "lobby.example.org", "AA:BB")
	require.NoError(t, err)
	assert.False(t, found, "second revoke should report absent")

	store, err := LoadTrustStore(path)
	require.NoError(t, err)
	assert.NotContains(t, store, "lobby.example.org", "host with no fingerprints left should be dropped")
}
