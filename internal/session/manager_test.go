package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/pitchly-go/internal/auth"
	"github.com/tonimelisma/pitchly-go/internal/tokenfile"
)

// recordingResetter counts resets and records the identity visible while
// the reset runs.
type recordingResetter struct {
	calls   atomic.Int32
	m       *Manager
	visible []string
}

func (r *recordingResetter) Reset(context.Context) error {
	r.calls.Add(1)
	// Identity is published only after resetters complete.
	r.visible = append(r.visible, r.m.identity)

	return nil
}

func newTestManager(t *testing.T, identity string) (*Manager, *auth.Provider, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "token.json")
	p := auth.NewProvider(nil, &auth.Credential{AccessToken: "T1"}, nil)

	return NewManager(identity, p, path, nil), p, path
}

func TestManager_SwitchResetsOnIdentityChange(t *testing.T) {
	m, p, _ := newTestManager(t, "user-a")
	r := &recordingResetter{m: m}
	m.Register(r)

	changed, err := m.Switch(context.Background(), "user-b", auth.Credential{AccessToken: "TB"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "user-b", m.Identity())
	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, []string{"user-a"}, r.visible)

	cur, ok := p.Current()
	require.True(t, ok)
	assert.Equal(t, "TB", cur.AccessToken)
}

func TestManager_SwitchSameIdentityNoReset(t *testing.T) {
	m, p, _ := newTestManager(t, "user-a")
	r := &recordingResetter{m: m}
	m.Register(r)

	changed, err := m.Switch(context.Background(), "user-a", auth.Credential{AccessToken: "T2"})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Zero(t, r.calls.Load())

	cur, _ := p.Current()
	assert.Equal(t, "T2", cur.AccessToken)
}

func TestManager_LogoutRemovesTokenAndResets(t *testing.T) {
	m, p, path := newTestManager(t, "user-a")
	require.NoError(t, tokenfile.Save(path, &oauth2.Token{AccessToken: "T1"}, nil))

	r := &recordingResetter{m: m}
	m.Register(r)

	require.NoError(t, m.Logout(context.Background()))

	assert.Empty(t, m.Identity())
	assert.Equal(t, int32(1), r.calls.Load())

	_, ok := p.Current()
	assert.False(t, ok)

	tok, _, err := tokenfile.Load(path)
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestManager_InvalidateIsLogout(t *testing.T) {
	m, p, _ := newTestManager(t, "user-a")
	r := &recordingResetter{m: m}
	m.Register(r)

	m.Invalidate(context.Background(), &auth.RefreshError{Err: errors.New("invalid_grant")})

	assert.Empty(t, m.Identity())
	assert.Equal(t, int32(1), r.calls.Load())

	_, ok := p.Current()
	assert.False(t, ok)
}

func TestManager_SwitchDuringRefreshKeepsNewSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, tokenfile.Save(path, &oauth2.Token{AccessToken: "TA", RefreshToken: "R-alice"},
		map[string]string{tokenfile.MetaUserID: "alice"}))

	started := make(chan struct{})
	release := make(chan struct{})

	src := auth.SourceFunc(func(context.Context, bool) (auth.RefreshResult, error) {
		close(started)
		<-release

		return auth.RefreshResult{Refreshed: true, AccessToken: "TA2"}, nil
	})

	p := auth.NewProvider(src, &auth.Credential{AccessToken: "TA"}, nil)
	m := NewManager("alice", p, path, nil)
	c := auth.NewCoordinator(p, m, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background(), auth.TransportHTTP, "TA")
		done <- err
	}()

	<-started

	require.NoError(t, tokenfile.Save(path, &oauth2.Token{AccessToken: "TB", RefreshToken: "R-bob"},
		map[string]string{tokenfile.MetaUserID: "bob"}))

	changed, err := m.Switch(context.Background(), "bob", auth.Credential{AccessToken: "TB"})
	require.NoError(t, err)
	require.True(t, changed)

	close(release)
	require.ErrorIs(t, <-done, auth.ErrSessionChanged)

	assert.Equal(t, "bob", m.Identity())

	cur, ok := p.Current()
	require.True(t, ok)
	assert.Equal(t, "TB", cur.AccessToken)

	tok, meta, err := tokenfile.Load(path)
	require.NoError(t, err)
	require.NotNil(t, tok, "new session's token file survives")
	assert.Equal(t, "TB", tok.AccessToken)
	assert.Equal(t, "bob", meta[tokenfile.MetaUserID])
}

func TestManager_ResetterErrorsReported(t *testing.T) {
	m, _, _ := newTestManager(t, "user-a")

	boom := errors.New("boom")
	m.Register(ResetterFunc(func(context.Context) error { return boom }))

	var after atomic.Int32

	m.Register(ResetterFunc(func(context.Context) error {
		after.Add(1)
		return nil
	}))

	_, err := m.Switch(context.Background(), "user-b", auth.Credential{AccessToken: "T"})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), after.Load(), "later resetters still run")
	assert.Equal(t, "user-b", m.Identity())
}

func TestManager_ReloadAccountSwitch(t *testing.T) {
	m, p, path := newTestManager(t, "user-a")
	r := &recordingResetter{m: m}
	m.Register(r)

	require.NoError(t, tokenfile.Save(path, &oauth2.Token{AccessToken: "TB"},
		map[string]string{tokenfile.MetaUserID: "user-b"}))

	require.NoError(t, m.Reload(context.Background()))

	assert.Equal(t, "user-b", m.Identity())
	assert.Equal(t, int32(1), r.calls.Load())

	cur, _ := p.Current()
	assert.Equal(t, "TB", cur.AccessToken)
}

func TestManager_ReloadSameIdentityKeepsCredential(t *testing.T) {
	m, p, path := newTestManager(t, "user-a")
	r := &recordingResetter{m: m}
	m.Register(r)

	require.NoError(t, tokenfile.Save(path, &oauth2.Token{AccessToken: "T-rotated"},
		map[string]string{tokenfile.MetaUserID: "user-a"}))

	require.NoError(t, m.Reload(context.Background()))

	assert.Zero(t, r.calls.Load())

	cur, _ := p.Current()
	assert.Equal(t, "T1", cur.AccessToken, "rotation for the same identity is left to the refresh path")
}

func TestManager_ReloadExternalLogout(t *testing.T) {
	m, p, _ := newTestManager(t, "user-a")
	r := &recordingResetter{m: m}
	m.Register(r)

	require.NoError(t, m.Reload(context.Background()))

	assert.Empty(t, m.Identity())
	assert.Equal(t, int32(1), r.calls.Load())

	_, ok := p.Current()
	assert.False(t, ok)
}

func TestManager_ReloadAlreadyLoggedOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	m := NewManager("", auth.NewProvider(nil, nil, nil), path, nil)
	r := &recordingResetter{m: m}
	m.Register(r)

	require.NoError(t, m.Reload(context.Background()))
	assert.Zero(t, r.calls.Load())
}
