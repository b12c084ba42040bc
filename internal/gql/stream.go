package gql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tonimelisma/pitchly-go/internal/auth"
)

// Stream defaults.
const (
	DefaultStreamRetryAttempts = 5
	DefaultStreamRetryWait     = time.Second
	DefaultStreamAckTimeout    = 10 * time.Second
	maxStreamRetryWait         = 30 * time.Second
)

// ErrStreamClosed is returned once the stream transport has been closed.
var ErrStreamClosed = errors.New("gql: stream transport closed")

// ConnState is the state of the stream connection.
type ConnState int32

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateClosedNormal
	StateClosedAuthFailure
	StateClosedOtherError
	StateTerminated
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosedNormal:
		return "closed-normal"
	case StateClosedAuthFailure:
		return "closed-auth-failure"
	case StateClosedOtherError:
		return "closed-other-error"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// StreamConfig configures the stream transport.
type StreamConfig struct {
	URL       string
	UserAgent string
	AuthCode  string

	// RetryAttempts is the number of consecutive reconnects tried after a
	// non-auth close before subscriptions fail with a NetworkError.
	RetryAttempts int
	// RetryWait is the first reconnect delay; it doubles per failure.
	RetryWait  time.Duration
	AckTimeout time.Duration

	// KeepAlive keeps the connection open after the last subscription ends.
	KeepAlive bool
}

// StreamTransport runs subscriptions over one multiplexed websocket. The
// connection is opened when the first subscription starts and, unless
// KeepAlive is set, closed when the last one ends. All connection state is
// owned by a single manager goroutine.
type StreamTransport struct {
	cfg         StreamConfig
	coordinator *auth.Coordinator
	logger      *slog.Logger

	// after returns a channel that fires once d has elapsed. Tests override it.
	after func(d time.Duration) <-chan time.Time

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	closeOnce sync.Once
	stopped   chan struct{}

	subscribeCh   chan *Subscription
	unsubscribeCh chan *Subscription
	resetCh       chan struct{}
	frames        chan frame

	state atomic.Int32
}

// connState is the connection-state record. Only the manager goroutine
// touches it.
type connState struct {
	conn       *websocket.Conn
	connCancel context.CancelFunc
	gen        uint64

	// token is the access token the current or last connection sent.
	token string

	// needsRefresh is set by a forbidden close; the next connect attempt
	// refreshes the credential before dialing and clears it.
	needsRefresh bool
	rejected     string

	// refreshed marks a connection opened with a credential refreshed for a
	// forbidden close; delivered marks one that has produced data.
	refreshed bool
	delivered bool

	failures int
	retryAt  <-chan time.Time
}

type frame struct {
	gen uint64
	msg wsMessage
	err error
}

// NewStreamTransport creates the transport. Nothing is dialed until the
// first Subscribe.
func NewStreamTransport(cfg StreamConfig, coordinator *auth.Coordinator, logger *slog.Logger) *StreamTransport {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthCode == "" {
		cfg.AuthCode = DefaultAuthCode
	}

	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = DefaultStreamRetryAttempts
	}

	if cfg.RetryWait <= 0 {
		cfg.RetryWait = DefaultStreamRetryWait
	}

	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultStreamAckTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &StreamTransport{
		cfg:           cfg,
		coordinator:   coordinator,
		logger:        logger,
		after:         time.After,
		ctx:           ctx,
		cancel:        cancel,
		stopped:       make(chan struct{}),
		subscribeCh:   make(chan *Subscription),
		unsubscribeCh: make(chan *Subscription),
		resetCh:       make(chan struct{}, 1),
		frames:        make(chan frame),
	}
}

// State returns the current connection state.
func (s *StreamTransport) State() ConnState {
	return ConnState(s.state.Load())
}

func (s *StreamTransport) setState(st ConnState) {
	s.state.Store(int32(st))
}

// Subscribe starts a subscription. Events are read with Subscription.Next.
func (s *StreamTransport) Subscribe(ctx context.Context, op Operation) (*Subscription, error) {
	if op.Kind != KindSubscription {
		return nil, fmt.Errorf("gql: stream transport cannot run %s %q", op.Kind, op.Name)
	}

	payload, err := json.Marshal(subscribePayload(op))
	if err != nil {
		return nil, newInternalError(fmt.Errorf("encoding subscription: %w", err))
	}

	if s.ctx.Err() != nil {
		return nil, ErrStreamClosed
	}

	sub := &Subscription{
		id:        uuid.NewString(),
		op:        op,
		payload:   payload,
		transport: s,
		notify:    make(chan struct{}, 1),
	}

	s.startOnce.Do(func() { go s.run() })

	select {
	case s.subscribeCh <- sub:
		s.logger.Debug("subscription started",
			slog.String("id", sub.id),
			slog.String("operation", op.Name),
		)

		return sub, nil
	case <-s.stopped:
		return nil, ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reset tears the connection down and reconnects (if subscriptions are
// active) with whatever credential is current. It never blocks, so it is
// safe to call from a session reset triggered by this transport's own
// refresh failure.
func (s *StreamTransport) Reset() {
	select {
	case s.resetCh <- struct{}{}:
	default:
	}
}

// Close ends every subscription with ErrStreamClosed and closes the
// connection.
func (s *StreamTransport) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()

		started := true
		s.startOnce.Do(func() {
			started = false
			close(s.stopped)
		})

		if started {
			<-s.stopped
		}
	})

	return nil
}

func (s *StreamTransport) run() {
	defer close(s.stopped)

	st := &connState{}
	subs := make(map[string]*Subscription)

	for {
		if s.ctx.Err() != nil {
			s.shutdown(st, subs)
			return
		}

		if len(subs) > 0 && st.conn == nil && st.retryAt == nil {
			s.connect(st, subs)
			continue
		}

		select {
		case <-s.ctx.Done():
			s.shutdown(st, subs)
			return
		case sub := <-s.subscribeCh:
			subs[sub.id] = sub

			if st.conn != nil {
				if err := s.send(st, msgSubscribe, sub.id, sub.payload); err != nil {
					s.handleLoss(st, subs, err)
				}
			}
		case sub := <-s.unsubscribeCh:
			if _, ok := subs[sub.id]; !ok {
				continue
			}

			delete(subs, sub.id)

			if st.conn != nil {
				if err := s.send(st, msgComplete, sub.id, nil); err != nil {
					s.logger.Debug("sending complete failed", slog.String("error", err.Error()))
				}
			}

			s.maybeIdle(st, subs)
		case <-s.resetCh:
			s.logger.Info("resetting stream connection", slog.Int("subscriptions", len(subs)))
			s.teardown(st, websocket.StatusNormalClosure, "session changed")
			st.needsRefresh = false
			st.rejected = ""
			st.failures = 0
			st.retryAt = nil

			// Events queued under the previous credential are never delivered.
			for _, sub := range subs {
				sub.discard()
			}

			// A reset issued by the invalidation that terminated the
			// connection leaves nothing to reconnect.
			if len(subs) > 0 || s.State() != StateTerminated {
				s.setState(StateClosedNormal)
			}
		case f := <-s.frames:
			if st.conn == nil || f.gen != st.gen {
				continue
			}

			if f.err != nil {
				s.handleLoss(st, subs, f.err)
				continue
			}

			s.handleMessage(st, subs, f.msg)
		case <-st.retryAt:
			st.retryAt = nil
		}
	}
}

// connect performs one connect attempt: connection parameters, dial,
// connection_init/ack, then re-subscribes everything.
func (s *StreamTransport) connect(st *connState, subs map[string]*Subscription) {
	s.setState(StateConnecting)

	token, err := s.connectionParams(st)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}

		// The coordinator has already invalidated the session.
		s.terminate(st, subs, newAuthError(CodeForbidden, "credential refresh failed", err))

		return
	}

	st.token = token
	st.delivered = false

	conn, err := s.handshake(token)
	if err != nil {
		s.handleLoss(st, subs, err)
		return
	}

	connCtx, connCancel := context.WithCancel(s.ctx)
	st.gen++
	st.conn = conn
	st.connCancel = connCancel
	st.failures = 0

	s.setState(StateConnected)
	s.logger.Info("stream connected",
		slog.Int("subscriptions", len(subs)),
		slog.Bool("refreshed", st.refreshed),
	)

	go s.readLoop(connCtx, conn, st.gen)

	for _, sub := range subs {
		if err := s.send(st, msgSubscribe, sub.id, sub.payload); err != nil {
			s.handleLoss(st, subs, err)
			return
		}
	}
}

// connectionParams returns the access token for the next connect attempt.
// After a forbidden close it joins the refresh episode first.
func (s *StreamTransport) connectionParams(st *connState) (string, error) {
	if st.needsRefresh {
		cred, err := s.coordinator.Refresh(s.ctx, auth.TransportStream, st.rejected)
		st.needsRefresh = false
		st.rejected = ""

		switch {
		case errors.Is(err, auth.ErrSessionChanged):
			// The rejected credential belonged to the previous session;
			// connect with the one that replaced it.
			s.logger.Info("session changed during stream refresh, using current credential")
			return s.currentToken(st), nil
		case err != nil:
			return "", err
		}

		st.refreshed = true

		s.logger.Info("reconnecting stream with refreshed credential")

		return cred.AccessToken, nil
	}

	return s.currentToken(st), nil
}

func (s *StreamTransport) currentToken(st *connState) string {
	st.refreshed = false

	cred, ok := s.coordinator.Provider().Current()
	if !ok {
		return ""
	}

	return cred.AccessToken
}

func (s *StreamTransport) handshake(token string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AckTimeout)
	defer cancel()

	header := make(http.Header)
	if s.cfg.UserAgent != "" {
		header.Set("User-Agent", s.cfg.UserAgent)
	}

	conn, resp, err := websocket.Dial(ctx, s.cfg.URL, &websocket.DialOptions{
		HTTPHeader:   header,
		Subprotocols: []string{Subprotocol},
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", s.cfg.URL, err)
	}

	params := connectionParams{}
	if token != "" {
		params.Authorization = "Bearer " + token
	}

	initMsg, err := encodeMessage(msgConnectionInit, "", params)
	if err != nil {
		conn.CloseNow()
		return nil, err
	}

	if err := conn.Write(ctx, websocket.MessageText, initMsg); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("sending connection_init: %w", err)
	}

	for {
		msg, err := readMessage(ctx, conn)
		if err != nil {
			conn.CloseNow()
			return nil, fmt.Errorf("awaiting connection_ack: %w", err)
		}

		switch msg.Type {
		case msgConnectionAck:
			return conn, nil
		case msgPing:
			pong, _ := encodeMessage(msgPong, "", nil)
			if err := conn.Write(ctx, websocket.MessageText, pong); err != nil {
				conn.CloseNow()
				return nil, fmt.Errorf("sending pong: %w", err)
			}
		default:
			conn.Close(CloseBadResponse, "unexpected message before ack")
			return nil, fmt.Errorf("unexpected %q before connection_ack", msg.Type)
		}
	}
}

// handleLoss decides what follows a failed connect attempt or a dropped
// connection.
func (s *StreamTransport) handleLoss(st *connState, subs map[string]*Subscription, err error) {
	s.teardown(st, websocket.StatusGoingAway, "")

	if s.ctx.Err() != nil {
		return
	}

	code := websocket.CloseStatus(err)

	switch classifyClose(code) {
	case closeRefresh:
		if st.refreshed && !st.delivered {
			s.setState(StateClosedAuthFailure)
			s.terminate(st, subs, newAuthError(CodeForbidden, "credential rejected after refresh", err))

			return
		}

		st.needsRefresh = true
		st.rejected = st.token

		s.setState(StateClosedAuthFailure)
		s.logger.Info("stream closed with forbidden, refreshing credential before reconnect")
	case closeTerminate:
		s.setState(StateClosedOtherError)
		s.terminate(st, subs, newInternalError(fmt.Errorf("stream closed with code %d: %w", code, err)))
	default:
		if code == websocket.StatusNormalClosure {
			s.setState(StateClosedNormal)
		} else {
			s.setState(StateClosedOtherError)
		}

		if len(subs) == 0 {
			return
		}

		st.failures++
		if st.failures > s.cfg.RetryAttempts {
			s.terminate(st, subs, newNetworkError(err))
			return
		}

		wait := s.retryDelay(st.failures)
		st.retryAt = s.after(wait)

		s.logger.Warn("stream connection lost, reconnecting",
			slog.Int("attempt", st.failures),
			slog.Duration("backoff", wait),
			slog.Int("close_code", int(code)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *StreamTransport) retryDelay(failures int) time.Duration {
	p := RetryPolicy{
		InitialDelay: s.cfg.RetryWait,
		Factor:       DefaultFactor,
		MaxDelay:     maxStreamRetryWait,
	}

	return p.Delay(failures - 1)
}

// terminate ends every subscription with err.
func (s *StreamTransport) terminate(st *connState, subs map[string]*Subscription, err error) {
	s.logger.Error("stream subscriptions terminated",
		slog.Int("subscriptions", len(subs)),
		slog.String("error", err.Error()),
	)

	s.teardown(st, websocket.StatusNormalClosure, "terminated")
	st.needsRefresh = false
	st.rejected = ""
	st.failures = 0
	st.retryAt = nil

	s.setState(StateTerminated)

	for id, sub := range subs {
		sub.finish(err)
		delete(subs, id)
	}
}

func (s *StreamTransport) handleMessage(st *connState, subs map[string]*Subscription, msg wsMessage) {
	switch msg.Type {
	case msgNext:
		st.delivered = true

		sub, ok := subs[msg.ID]
		if !ok {
			return
		}

		var res response
		if err := json.Unmarshal(msg.Payload, &res); err != nil {
			sub.push(nil, &EventError{Err: newInternalError(fmt.Errorf("decoding next payload: %w", err))})
			return
		}

		if len(res.Errors) > 0 {
			sub.push(nil, &EventError{Err: Normalize(res.Errors, s.cfg.AuthCode)})
			return
		}

		sub.push(res.Data, nil)
	case msgError:
		sub, ok := subs[msg.ID]
		if !ok {
			return
		}

		var errs []ResponseError
		if err := json.Unmarshal(msg.Payload, &errs); err != nil {
			sub.finish(newInternalError(fmt.Errorf("decoding error payload: %w", err)))
		} else {
			sub.finish(Normalize(errs, s.cfg.AuthCode))
		}

		delete(subs, msg.ID)
		s.maybeIdle(st, subs)
	case msgComplete:
		sub, ok := subs[msg.ID]
		if !ok {
			return
		}

		sub.finish(io.EOF)
		delete(subs, msg.ID)
		s.maybeIdle(st, subs)
	case msgPing:
		if err := s.send(st, msgPong, "", nil); err != nil {
			s.handleLoss(st, subs, err)
		}
	case msgPong, msgConnectionAck:
	default:
		s.logger.Debug("ignoring stream message", slog.String("type", msg.Type))
	}
}

// maybeIdle closes the connection once no subscriptions remain.
func (s *StreamTransport) maybeIdle(st *connState, subs map[string]*Subscription) {
	if len(subs) > 0 {
		return
	}

	st.retryAt = nil

	if s.cfg.KeepAlive || st.conn == nil {
		return
	}

	s.teardown(st, websocket.StatusNormalClosure, "no active subscriptions")
	s.setState(StateClosedNormal)
	s.logger.Debug("stream closed, no active subscriptions")
}

// teardown closes the current connection without waiting for the close
// handshake.
func (s *StreamTransport) teardown(st *connState, code websocket.StatusCode, reason string) {
	if st.conn == nil {
		return
	}

	conn, cancel := st.conn, st.connCancel
	st.conn = nil
	st.connCancel = nil

	go func() {
		conn.Close(code, reason)
		cancel()
	}()
}

func (s *StreamTransport) shutdown(st *connState, subs map[string]*Subscription) {
	for id, sub := range subs {
		sub.finish(ErrStreamClosed)
		delete(subs, id)
	}

	if st.conn != nil {
		st.conn.Close(websocket.StatusNormalClosure, "client closed")
		st.connCancel()
		st.conn = nil
	}

	s.setState(StateIdle)
}

func (s *StreamTransport) send(st *connState, typ, id string, payload json.RawMessage) error {
	msg := wsMessage{ID: id, Type: typ, Payload: payload}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", typ, err)
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AckTimeout)
	defer cancel()

	if err := st.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("sending %s: %w", typ, err)
	}

	return nil
}

func (s *StreamTransport) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		msg, err := readMessage(ctx, conn)

		select {
		case s.frames <- frame{gen: gen, msg: msg, err: err}:
		case <-ctx.Done():
			return
		}

		if err != nil {
			return
		}
	}
}

func readMessage(ctx context.Context, conn *websocket.Conn) (wsMessage, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return wsMessage{}, err
	}

	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return wsMessage{}, fmt.Errorf("decoding stream message: %w", err)
	}

	return msg, nil
}

// Subscription is one running subscription. Events are buffered without
// bound so a slow reader never stalls the shared connection.
type Subscription struct {
	id        string
	op        Operation
	payload   json.RawMessage
	transport *StreamTransport

	mu     sync.Mutex
	queue  []subEvent
	done   bool
	err    error
	notify chan struct{}

	closeOnce sync.Once
}

type subEvent struct {
	data json.RawMessage
	err  error
}

// ID returns the protocol id of the subscription.
func (s *Subscription) ID() string { return s.id }

// Operation returns the subscribed operation.
func (s *Subscription) Operation() Operation { return s.op }

// Next returns the next event. A non-nil error with a nil result is either
// an *EventError (the subscription continues) or terminal; io.EOF means the
// server completed the subscription. Once terminal, Next keeps returning the
// same error.
func (s *Subscription) Next(ctx context.Context) (json.RawMessage, error) {
	for {
		s.mu.Lock()

		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = subEvent{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			return ev.data, ev.err
		}

		if s.done {
			err := s.err
			s.mu.Unlock()

			return nil, err
		}

		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops the subscription. Subsequent calls to Next return io.EOF once
// buffered events are drained.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.finish(io.EOF)

		select {
		case s.transport.unsubscribeCh <- s:
		case <-s.transport.stopped:
		}
	})

	return nil
}

func (s *Subscription) push(data json.RawMessage, err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}

	s.queue = append(s.queue, subEvent{data: data, err: err})
	s.mu.Unlock()

	s.signal()
}

func (s *Subscription) discard() {
	s.mu.Lock()
	clear(s.queue)
	s.queue = s.queue[:0]
	s.mu.Unlock()
}

func (s *Subscription) finish(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}

	s.done = true
	s.err = err
	s.mu.Unlock()

	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
