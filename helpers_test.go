package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/pitchly-go/internal/config"
	"github.com/tonimelisma/pitchly-go/internal/tokenfile"
)

const (
	testUser         = "user-a"
	testRefreshToken = "R1"
	staleToken       = "stale-token"
)

// signedToken returns an HS256 JWT for subject that expires in ttl.
func signedToken(t *testing.T, subject string, ttl time.Duration) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		ID:        fmt.Sprintf("%d", time.Now().UnixNano()),
	}

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)

	return s
}

// fakePlatform serves the GraphQL endpoint, the graphql-transport-ws
// endpoint, and the OAuth token endpoint. Only the most recently minted
// access token is accepted.
type fakePlatform struct {
	t   *testing.T
	srv *httptest.Server

	mu    sync.Mutex
	valid string

	// events are sent as next payloads to every subscription, followed by
	// complete.
	events []string

	graphqlCalls atomic.Int32
	refreshCalls atomic.Int32
	streamConns  atomic.Int32
	forbidden    atomic.Int32
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()

	p := &fakePlatform{t: t}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /graphql", p.serveGraphQL)
	mux.HandleFunc("POST /api/oauth/token", p.serveToken)
	mux.HandleFunc("/subscriptions", p.serveStream)

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)

	return p
}

func (p *fakePlatform) setValid(token string) {
	p.mu.Lock()
	p.valid = token
	p.mu.Unlock()
}

func (p *fakePlatform) accepts(bearer string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.valid != "" && bearer == "Bearer "+p.valid
}

func (p *fakePlatform) serveToken(w http.ResponseWriter, r *http.Request) {
	p.refreshCalls.Add(1)

	if err := r.ParseForm(); err != nil || r.PostForm.Get("refresh_token") != testRefreshToken {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))

		return
	}

	token := signedToken(p.t, testUser, time.Hour)
	p.setValid(token)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  token,
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": testRefreshToken,
	})
}

func (p *fakePlatform) serveGraphQL(w http.ResponseWriter, r *http.Request) {
	p.graphqlCalls.Add(1)

	w.Header().Set("Content-Type", "application/json")

	auth := r.Header.Get("Authorization")
	switch {
	case auth == "":
		_, _ = w.Write([]byte(`{"data":{"me":null}}`))
	case !p.accepts(auth):
		_, _ = w.Write([]byte(`{"errors":[{"message":"token expired","extensions":{"code":"UNAUTHENTICATED"}}]}`))
	default:
		_, _ = w.Write([]byte(`{"data":{"me":{"id":"` + testUser + `"}}}`))
	}
}

type testWSMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (p *fakePlatform) serveStream(w http.ResponseWriter, r *http.Request) {
	p.streamConns.Add(1)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{"graphql-transport-ws"}})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	var init testWSMessage
	if err := wsjson.Read(ctx, conn, &init); err != nil || init.Type != "connection_init" {
		return
	}

	var params struct {
		Authorization string `json:"authorization"`
	}

	_ = json.Unmarshal(init.Payload, &params)

	if !p.accepts(params.Authorization) {
		p.forbidden.Add(1)
		_ = conn.Close(4403, "Forbidden")

		return
	}

	if err := wsjson.Write(ctx, conn, testWSMessage{Type: "connection_ack"}); err != nil {
		return
	}

	for {
		var msg testWSMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}

		switch msg.Type {
		case "ping":
			_ = wsjson.Write(ctx, conn, testWSMessage{Type: "pong"})
		case "subscribe":
			for _, ev := range p.events {
				_ = wsjson.Write(ctx, conn, testWSMessage{ID: msg.ID, Type: "next", Payload: json.RawMessage(ev)})
			}

			_ = wsjson.Write(ctx, conn, testWSMessage{ID: msg.ID, Type: "complete"})
		}
	}
}

// testEnv is a temp config, token file, and cache pointed at a fakePlatform.
type testEnv struct {
	platform   *fakePlatform
	dir        string
	configPath string
	tokenPath  string
	cachePath  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	env := &testEnv{
		platform:   newFakePlatform(t),
		dir:        dir,
		configPath: filepath.Join(dir, "config.toml"),
		tokenPath:  filepath.Join(dir, "data", "token.json"),
		cachePath:  filepath.Join(dir, "cache", "cache.db"),
	}

	cfg := fmt.Sprintf(`
platform_origin = %q
client_id = "cli"
token_path = %q
cache_path = %q
retry_initial_delay = "10ms"
stream_retry_wait = "10ms"
log_level = "error"
`, env.platform.srv.URL, env.tokenPath, env.cachePath)

	require.NoError(t, os.WriteFile(env.configPath, []byte(cfg), 0o600))

	// Environment overrides must not leak in from the developer's shell.
	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvOrigin, "")
	t.Setenv(config.EnvTokenPath, "")
	t.Setenv(envAccessToken, "")
	t.Setenv(envRefreshToken, "")

	return env
}

// storeToken writes a token file for testUser with the valid refresh token.
func (e *testEnv) storeToken(t *testing.T, access string) {
	t.Helper()
	e.storeTokenPair(t, access, testRefreshToken)
}

func (e *testEnv) storeTokenPair(t *testing.T, access, refresh string) {
	t.Helper()

	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh, TokenType: "Bearer"}
	require.NoError(t, tokenfile.Save(e.tokenPath, tok, map[string]string{tokenfile.MetaUserID: testUser}))
}

// execute runs the CLI with args against this environment and returns
// stdout.
func (e *testEnv) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(bytes.NewReader(nil))
	cmd.SetArgs(append([]string{"--config", e.configPath, "--quiet"}, args...))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := cmd.ExecuteContext(ctx)

	return out.String(), err
}
