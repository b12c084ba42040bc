package gql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tonimelisma/pitchly-go/internal/auth"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 32 << 20

// HTTPConfig configures the request/response transport.
type HTTPConfig struct {
	URL       string
	UserAgent string

	// AuthCode is the extensions.code value that signals a rejected
	// credential. Defaults to DefaultAuthCode.
	AuthCode string

	Retry RetryPolicy
}

// HTTPTransport sends queries and mutations as HTTP POST requests. The
// pipeline, outermost first, is: network retry, auth-failure detection,
// credential attachment, transmission.
type HTTPTransport struct {
	cfg         HTTPConfig
	httpClient  *http.Client
	coordinator *auth.Coordinator
	logger      *slog.Logger

	// sleepFunc is called to wait between retries. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewHTTPTransport creates the transport. The credential is read from the
// coordinator's provider on every attempt.
func NewHTTPTransport(cfg HTTPConfig, httpClient *http.Client, coordinator *auth.Coordinator, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if cfg.AuthCode == "" {
		cfg.AuthCode = DefaultAuthCode
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	return &HTTPTransport{
		cfg:         cfg,
		httpClient:  httpClient,
		coordinator: coordinator,
		logger:      logger,
		sleepFunc:   timeSleep,
	}
}

// requestBody is the POST payload.
type requestBody struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// response is a decoded GraphQL response envelope.
type response struct {
	Data   json.RawMessage `json:"data"`
	Errors []ResponseError `json:"errors"`
}

// transportError marks a failure where no usable GraphQL response arrived.
// Only these are retried by the network layer.
type transportError struct {
	err        error
	retryAfter time.Duration
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// Execute runs a query or mutation and returns the response's data.
func (t *HTTPTransport) Execute(ctx context.Context, op Operation) (json.RawMessage, error) {
	body, err := json.Marshal(requestBody{
		Query:         op.Query,
		Variables:     op.Variables,
		OperationName: op.Name,
	})
	if err != nil {
		return nil, newInternalError(fmt.Errorf("encoding request: %w", err))
	}

	return t.withNetworkRetry(ctx, op, func(ctx context.Context) (json.RawMessage, error) {
		return t.detectAuthFailure(ctx, op, body)
	})
}

// withNetworkRetry retries transport-level failures with exponential backoff.
// Anything else, including GraphQL error payloads, passes through untouched.
func (t *HTTPTransport) withNetworkRetry(
	ctx context.Context, op Operation, next func(context.Context) (json.RawMessage, error),
) (json.RawMessage, error) {
	maxAttempts := t.cfg.Retry.attempts()

	var prev time.Duration

	for attempt := 1; ; attempt++ {
		data, err := next(ctx)
		if err == nil {
			return data, nil
		}

		var te *transportError
		if !errors.As(err, &te) {
			return nil, err
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("gql: request canceled: %w", ctx.Err())
		}

		if attempt >= maxAttempts {
			t.logger.Error("request failed after retries",
				slog.String("operation", op.Name),
				slog.Int("attempts", attempt),
				slog.String("error", te.Error()),
			)

			return nil, newNetworkError(te.err)
		}

		backoff := t.cfg.Retry.Delay(attempt - 1)
		if te.retryAfter > backoff {
			backoff = te.retryAfter
		}

		// A Retry-After longer than the schedule raises the floor for
		// every later wait.
		if backoff <= prev {
			backoff = t.cfg.Retry.grow(prev)
		}

		prev = backoff

		t.logger.Warn("retrying after network error",
			slog.String("operation", op.Name),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", te.Error()),
		)

		if err := t.sleepFunc(ctx, backoff); err != nil {
			return nil, fmt.Errorf("gql: request canceled: %w", err)
		}
	}
}

// detectAuthFailure transmits once and, if the server rejected the
// credential, joins the refresh episode and retransmits exactly once with the
// refreshed credential. The retransmission bypasses this layer, so a second
// rejection surfaces as an AuthError instead of refreshing again.
func (t *HTTPTransport) detectAuthFailure(ctx context.Context, op Operation, body []byte) (json.RawMessage, error) {
	oc := t.attachCredential(OperationContext{})

	resp, err := t.transmit(ctx, oc, body)
	if err != nil {
		return nil, err
	}

	if len(resp.Errors) > 0 && IsUnauthenticated(resp.Errors, t.cfg.AuthCode) {
		stale := bearerToken(oc.Authorization())

		cred, rerr := t.coordinator.Refresh(ctx, auth.TransportHTTP, stale)
		if rerr != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("gql: request canceled: %w", ctx.Err())
			}

			first := resp.Errors[0]

			return nil, newAuthError(t.cfg.AuthCode, first.Message, rerr)
		}

		t.logger.Info("retrying request after credential was rejected",
			slog.String("operation", op.Name),
			slog.String("code", t.cfg.AuthCode),
		)

		resp, err = t.transmit(ctx, oc.WithAuthorization(cred.Bearer()), body)
		if err != nil {
			return nil, err
		}
	}

	if len(resp.Errors) > 0 {
		return nil, Normalize(resp.Errors, t.cfg.AuthCode)
	}

	return resp.Data, nil
}

// attachCredential sets the Authorization header from the provider's
// current credential. Without one no header is sent.
func (t *HTTPTransport) attachCredential(oc OperationContext) OperationContext {
	cred, ok := t.coordinator.Provider().Current()
	if !ok {
		return oc.WithAuthorization("")
	}

	return oc.WithAuthorization(cred.Bearer())
}

// transmit performs one POST. Failures with no GraphQL response are returned
// as *transportError; malformed responses as InternalError.
func (t *HTTPTransport) transmit(ctx context.Context, oc OperationContext, body []byte) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, newInternalError(fmt.Errorf("creating request: %w", err))
	}

	for k, vs := range oc.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if t.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", t.cfg.UserAgent)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &transportError{err: fmt.Errorf("reading response: %w", err)}
	}

	var out response
	decodeErr := json.Unmarshal(raw, &out)

	if decodeErr == nil && (len(out.Errors) > 0 || isJSONObject(out.Data)) {
		return &out, nil
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &response{Errors: []ResponseError{{
			Message:    http.StatusText(resp.StatusCode),
			Extensions: ErrorExtensions{Code: t.cfg.AuthCode},
		}}}, nil
	case isRetryableStatus(resp.StatusCode):
		return nil, &transportError{
			err:        fmt.Errorf("HTTP %d", resp.StatusCode),
			retryAfter: retryAfter(resp),
		}
	case decodeErr != nil:
		return nil, newInternalError(fmt.Errorf("HTTP %d: decoding response: %w", resp.StatusCode, decodeErr))
	default:
		return nil, newInternalError(fmt.Errorf("HTTP %d: response has neither data nor errors", resp.StatusCode))
	}
}

// isRetryableStatus reports whether a status without a GraphQL body means
// the request never reached a working server.
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// retryAfter returns the Retry-After delay in seconds, if any.
func retryAfter(resp *http.Response) time.Duration {
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}

	seconds, err := strconv.Atoi(ra)
	if err != nil || seconds <= 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}

	return ""
}
