package tokenfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func testToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  "access-123",
		RefreshToken: "refresh-456",
		TokenType:    "Bearer",
		Expiry:       time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	tok, meta, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Nil(t, tok)
	assert.Nil(t, meta)
	assert.NoError(t, err)
}

func TestSaveLoad_RoundTripWithIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")

	require.NoError(t, Save(path, testToken(), map[string]string{MetaUserID: "user-a"}))

	tok, meta, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "access-123", tok.AccessToken)
	assert.Equal(t, "refresh-456", tok.RefreshToken)
	assert.Equal(t, "user-a", meta[MetaUserID])

	id, err := Identity(path)
	require.NoError(t, err)
	assert.Equal(t, "user-a", id)
}

func TestSave_Permissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token.json")

	require.NoError(t, Save(path, testToken(), nil))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoad_MissingTokenField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"access_token":"old"}`), 0o600))

	tok, _, err := Load(path)
	assert.Nil(t, tok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing token field")
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json}`), 0o600))

	_, _, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding")
}

func TestIdentity_MissingFile(t *testing.T) {
	id, err := Identity(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestLoadAndMergeMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, Save(path, testToken(), map[string]string{MetaUserID: "user-a", "org": "acme"}))

	require.NoError(t, LoadAndMergeMeta(path, map[string]string{MetaUserID: "user-b"}))

	meta, err := ReadMeta(path)
	require.NoError(t, err)
	assert.Equal(t, "user-b", meta[MetaUserID])
	assert.Equal(t, "acme", meta["org"])
}

func TestLoadAndMergeMeta_NoFile(t *testing.T) {
	err := LoadAndMergeMeta(filepath.Join(t.TempDir(), "missing.json"), map[string]string{"k": "v"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token file")
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, Save(path, testToken(), nil))

	require.NoError(t, Remove(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Already gone: still nil.
	assert.NoError(t, Remove(path))
}
