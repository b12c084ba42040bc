package gql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tonimelisma/pitchly-go/internal/auth"
)

// testAuth counts calls into the credential source and the session
// invalidation hook.
type testAuth struct {
	refreshes     atomic.Int32
	invalidations atomic.Int32
	coordinator   *auth.Coordinator

	// onInvalidate, when set before use, runs after each invalidation.
	onInvalidate func()
}

// newTestAuth builds a provider/coordinator pair. initial is the starting
// access token ("" for none); refresh computes the result of the n-th call.
func newTestAuth(t *testing.T, initial string, refresh func(n int32) (auth.RefreshResult, error)) *testAuth {
	t.Helper()

	ta := &testAuth{}

	source := auth.SourceFunc(func(_ context.Context, _ bool) (auth.RefreshResult, error) {
		return refresh(ta.refreshes.Add(1))
	})

	var cred *auth.Credential
	if initial != "" {
		cred = &auth.Credential{AccessToken: initial}
	}

	provider := auth.NewProvider(source, cred, nil)
	ta.coordinator = auth.NewCoordinator(provider, auth.InvalidatorFunc(func(context.Context, error) {
		ta.invalidations.Add(1)

		if ta.onInvalidate != nil {
			ta.onInvalidate()
		}
	}), nil)

	return ta
}

// tokens returns successive access tokens from a refresh.
func tokens(ts ...string) func(n int32) (auth.RefreshResult, error) {
	return func(n int32) (auth.RefreshResult, error) {
		i := int(n) - 1
		if i >= len(ts) {
			i = len(ts) - 1
		}

		return auth.RefreshResult{Refreshed: true, AccessToken: ts[i]}, nil
	}
}

var errRefreshGrant = errors.New("invalid_grant")

func failingRefresh(int32) (auth.RefreshResult, error) {
	return auth.RefreshResult{}, errRefreshGrant
}

// sleepRecorder replaces sleepFunc and records requested delays.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.delays = append(r.delays, d)

	return nil
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]time.Duration(nil), r.delays...)
}

func newTestHTTP(t *testing.T, url string, ta *testAuth) (*HTTPTransport, *sleepRecorder) {
	t.Helper()

	tr := NewHTTPTransport(HTTPConfig{URL: url, UserAgent: "pitchly-go-test"}, http.DefaultClient, ta.coordinator, nil)
	rec := &sleepRecorder{}
	tr.sleepFunc = rec.sleep

	return tr, rec
}

func mustOperation(t *testing.T, query string, vars map[string]any) Operation {
	t.Helper()

	op, err := NewOperation(query, vars)
	if err != nil {
		t.Fatalf("NewOperation(%q): %v", query, err)
	}

	return op
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// roundTripFunc adapts a function to http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// fakeStreamServer is a graphql-transport-ws server driven by a per
// connection script. n is the 0-based connection index.
type fakeStreamServer struct {
	srv    *httptest.Server
	script func(c *serverConn, n int)

	mu    sync.Mutex
	conns int
	auths []string
}

func newFakeStreamServer(t *testing.T, script func(c *serverConn, n int)) *fakeStreamServer {
	t.Helper()

	f := &fakeStreamServer{script: script}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeStreamServer) URL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeStreamServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{Subprotocol}})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	f.mu.Lock()
	n := f.conns
	f.conns++
	f.mu.Unlock()

	f.script(&serverConn{conn: conn, ctx: r.Context(), server: f}, n)
}

func (f *fakeStreamServer) Connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.conns
}

func (f *fakeStreamServer) Authorizations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.auths...)
}

type serverConn struct {
	conn   *websocket.Conn
	ctx    context.Context
	server *fakeStreamServer
}

func (c *serverConn) read() (wsMessage, error) {
	return readMessage(c.ctx, c.conn)
}

func (c *serverConn) send(typ, id, payload string) error {
	msg := wsMessage{ID: id, Type: typ}
	if payload != "" {
		msg.Payload = json.RawMessage(payload)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// init reads connection_init and records its authorization value.
func (c *serverConn) init() (string, error) {
	msg, err := c.read()
	if err != nil {
		return "", err
	}

	if msg.Type != msgConnectionInit {
		return "", fmt.Errorf("got %q, want connection_init", msg.Type)
	}

	var p connectionParams
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return "", err
	}

	c.server.mu.Lock()
	c.server.auths = append(c.server.auths, p.Authorization)
	c.server.mu.Unlock()

	return p.Authorization, nil
}

// accept completes the handshake.
func (c *serverConn) accept() error {
	if _, err := c.init(); err != nil {
		return err
	}

	return c.send(msgConnectionAck, "", "")
}

// expect reads until a message of the given type arrives, answering pings.
func (c *serverConn) expect(typ string) (wsMessage, error) {
	for {
		msg, err := c.read()
		if err != nil {
			return wsMessage{}, err
		}

		if msg.Type == typ {
			return msg, nil
		}
	}
}

// drain reads until the client goes away and returns the close status.
func (c *serverConn) drain() websocket.StatusCode {
	for {
		if _, err := c.read(); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func (c *serverConn) close(code websocket.StatusCode, reason string) {
	_ = c.conn.Close(code, reason)
}

// immediateAfter replaces StreamTransport.after so reconnects happen at once
// while still recording the requested delays.
type immediateAfter struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (a *immediateAfter) after(d time.Duration) <-chan time.Time {
	a.mu.Lock()
	a.delays = append(a.delays, d)
	a.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- time.Now()

	return ch
}

func (a *immediateAfter) recorded() []time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]time.Duration(nil), a.delays...)
}

func newTestStream(t *testing.T, url string, ta *testAuth) (*StreamTransport, *immediateAfter) {
	t.Helper()

	s := NewStreamTransport(StreamConfig{
		URL:        url,
		RetryWait:  10 * time.Millisecond,
		AckTimeout: 5 * time.Second,
	}, ta.coordinator, nil)

	ia := &immediateAfter{}
	s.after = ia.after

	t.Cleanup(func() { s.Close() })

	return s, ia
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	return ctx
}
