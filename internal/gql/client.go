package gql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tonimelisma/pitchly-go/internal/cache"
)

// ErrWrongTransport is returned when Execute is given a subscription or
// Subscribe a query or mutation.
var ErrWrongTransport = errors.New("gql: operation kind not supported by this call")

// CachePolicy controls whether a query may be answered from the result cache.
type CachePolicy int

const (
	// CacheFirst serves a cached result for the current identity when one
	// exists, otherwise executes and stores the result.
	CacheFirst CachePolicy = iota
	// NetworkOnly always executes; the result is still stored.
	NetworkOnly
	// NoCache executes without reading or writing the cache.
	NoCache
)

// IdentitySource reports the current session identity.
type IdentitySource interface {
	Identity() string
}

// ExecuteOption adjusts a single Execute call.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	policy CachePolicy
}

// WithCachePolicy sets the cache policy for one call.
func WithCachePolicy(p CachePolicy) ExecuteOption {
	return func(o *executeOptions) { o.policy = p }
}

// ClientConfig wires the client's collaborators.
type ClientConfig struct {
	HTTP     *HTTPTransport
	Stream   *StreamTransport
	Cache    cache.Store // nil disables caching
	CacheTTL time.Duration
	Identity IdentitySource
}

// Client routes operations by kind: queries and mutations go to the HTTP
// transport, subscriptions to the stream transport. Query results are cached
// per session identity.
type Client struct {
	http     *HTTPTransport
	stream   *StreamTransport
	store    cache.Store
	ttl      time.Duration
	identity IdentitySource
	logger   *slog.Logger

	// gen changes on every Reset; results fetched across a reset are not
	// stored.
	gen atomic.Uint64
}

// NewClient creates a client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		http:     cfg.HTTP,
		stream:   cfg.Stream,
		store:    cfg.Cache,
		ttl:      cfg.CacheTTL,
		identity: cfg.Identity,
		logger:   logger,
	}
}

// Execute runs a query or mutation and returns its data.
func (c *Client) Execute(ctx context.Context, op Operation, opts ...ExecuteOption) (json.RawMessage, error) {
	if op.Kind == KindSubscription {
		return nil, fmt.Errorf("gql: execute %q: %w", op.Name, ErrWrongTransport)
	}

	o := executeOptions{policy: CacheFirst}
	for _, opt := range opts {
		opt(&o)
	}

	cacheable := op.Kind == KindQuery && c.store != nil && c.ttl > 0 && o.policy != NoCache
	if !cacheable {
		return c.http.Execute(ctx, op)
	}

	gen := c.gen.Load()
	identity := c.currentIdentity()

	key, err := cache.Key(op.Query, op.Variables)
	if err != nil {
		return nil, newInternalError(err)
	}

	if o.policy == CacheFirst {
		data, ok, err := c.store.Get(ctx, identity, key)
		if err != nil {
			c.logger.Warn("reading result cache failed", slog.String("error", err.Error()))
		} else if ok {
			c.logger.Debug("query served from cache", slog.String("operation", op.Name))
			return data, nil
		}
	}

	data, err := c.http.Execute(ctx, op)
	if err != nil {
		return nil, err
	}

	if c.gen.Load() != gen || c.currentIdentity() != identity {
		c.logger.Debug("session changed during query, result not cached",
			slog.String("operation", op.Name),
		)

		return data, nil
	}

	if err := c.store.Put(ctx, identity, key, data, c.ttl); err != nil {
		c.logger.Warn("writing result cache failed", slog.String("error", err.Error()))
	}

	return data, nil
}

// Subscribe starts a subscription on the stream transport.
func (c *Client) Subscribe(ctx context.Context, op Operation) (*Subscription, error) {
	if op.Kind != KindSubscription {
		return nil, fmt.Errorf("gql: subscribe %q: %w", op.Name, ErrWrongTransport)
	}

	return c.stream.Subscribe(ctx, op)
}

// Do parses query and routes it by its operation kind. For subscriptions
// the returned data is nil and the subscription is returned instead.
func (c *Client) Do(ctx context.Context, query string, variables map[string]any, opts ...ExecuteOption) (json.RawMessage, *Subscription, error) {
	op, err := NewOperation(query, variables)
	if err != nil {
		return nil, nil, err
	}

	if op.Kind == KindSubscription {
		sub, err := c.Subscribe(ctx, op)
		return nil, sub, err
	}

	data, err := c.Execute(ctx, op, opts...)

	return data, nil, err
}

// Reset discards cached results and reconnects the stream. It is registered
// with the session manager and runs on every identity change.
func (c *Client) Reset(ctx context.Context) error {
	c.gen.Add(1)

	var err error
	if c.store != nil {
		err = c.store.Reset(ctx)
	}

	if c.stream != nil {
		c.stream.Reset()
	}

	c.logger.Info("client state reset")

	return err
}

// Close closes the stream transport and the cache.
func (c *Client) Close() error {
	var errs []error

	if c.stream != nil {
		errs = append(errs, c.stream.Close())
	}

	if c.store != nil {
		errs = append(errs, c.store.Close())
	}

	return errors.Join(errs...)
}

func (c *Client) currentIdentity() string {
	if c.identity == nil {
		return ""
	}

	return c.identity.Identity()
}
