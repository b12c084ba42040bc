package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tonimelisma/pitchly-go/internal/auth"
	"github.com/tonimelisma/pitchly-go/internal/cache"
	"github.com/tonimelisma/pitchly-go/internal/config"
	"github.com/tonimelisma/pitchly-go/internal/gql"
	"github.com/tonimelisma/pitchly-go/internal/session"
)

// ClientSession bundles everything one command needs to talk to the
// platform: the credential machinery, the session manager that resets
// per-user state, and the routing client on top.
type ClientSession struct {
	Config      *config.Config
	TokenPath   string
	HTTPClient  *http.Client
	Provider    *auth.Provider
	Manager     *session.Manager
	Coordinator *auth.Coordinator
	Client      *gql.Client
}

// NewClientSession wires a session from resolved config. A missing token file
// is not an error: operations then run without a credential, and the platform
// decides what anonymous callers may see.
func NewClientSession(cfg *config.Config, logger *slog.Logger) (*ClientSession, error) {
	d, err := cfg.Durations()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	tokenPath := cfg.EffectiveTokenPath()
	if tokenPath == "" {
		return nil, errors.New("cannot determine token path; set token_path in the config file")
	}

	httpClient := newHTTPClient(d)

	var initial *auth.Credential

	cred, identity, err := auth.LoadCredential(tokenPath)

	switch {
	case errors.Is(err, auth.ErrNotLoggedIn):
		logger.Debug("no stored credential, continuing anonymously", slog.String("path", tokenPath))
	case err != nil:
		return nil, err
	default:
		initial = &cred
	}

	source := auth.NewOAuthSource(cfg.ClientID, cfg.EffectiveTokenURL(), tokenPath, httpClient, logger)
	provider := auth.NewProvider(source, initial, logger)
	manager := session.NewManager(identity, provider, tokenPath, logger)
	coordinator := auth.NewCoordinator(provider, manager, logger)

	var store cache.Store
	if cfg.CacheEnabled && d.CacheTTL > 0 {
		store, err = cache.Open(cfg.EffectiveCachePath(), logger)
		if err != nil {
			return nil, err
		}
	}

	httpTransport := gql.NewHTTPTransport(gql.HTTPConfig{
		URL:       cfg.GraphQLURL(),
		UserAgent: cfg.UserAgent,
		AuthCode:  cfg.UnauthenticatedCode,
		Retry: gql.RetryPolicy{
			InitialDelay: d.RetryInitialDelay,
			Factor:       gql.DefaultFactor,
			MaxAttempts:  cfg.RetryMaxAttempts,
			MaxDelay:     d.RetryMaxDelay,
		},
	}, httpClient, coordinator, logger)

	streamTransport := gql.NewStreamTransport(gql.StreamConfig{
		URL:           cfg.SubscriptionsURL(),
		UserAgent:     cfg.UserAgent,
		AuthCode:      cfg.UnauthenticatedCode,
		RetryAttempts: cfg.StreamRetryAttempts,
		RetryWait:     d.StreamRetryWait,
		AckTimeout:    d.StreamAckTimeout,
		KeepAlive:     !cfg.StreamLazy,
	}, coordinator, logger)

	client := gql.NewClient(gql.ClientConfig{
		HTTP:     httpTransport,
		Stream:   streamTransport,
		Cache:    store,
		CacheTTL: d.CacheTTL,
		Identity: manager,
	}, logger)

	manager.Register(client)

	return &ClientSession{
		Config:      cfg,
		TokenPath:   tokenPath,
		HTTPClient:  httpClient,
		Provider:    provider,
		Manager:     manager,
		Coordinator: coordinator,
		Client:      client,
	}, nil
}

// Watch follows the token file until ctx is canceled so that a login or
// logout by another process takes effect here.
func (s *ClientSession) Watch(ctx context.Context, logger *slog.Logger) {
	w := session.NewWatcher(s.Manager, logger)

	go func() {
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("token file watcher stopped", slog.String("error", err.Error()))
		}
	}()
}

// Close releases the client's connection and cache.
func (s *ClientSession) Close() error {
	return s.Client.Close()
}
