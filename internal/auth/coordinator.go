package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// TransportKind identifies which transport observed the failure that led to
// a refresh. Used for logging and for the invalidation cause.
type TransportKind string

// Transport kinds.
const (
	TransportHTTP   TransportKind = "http"
	TransportStream TransportKind = "ws"
)

// episodeKey names the one refresh episode that may be in flight.
const episodeKey = "episode"

// Invalidator ends the local session when the credential cannot be
// refreshed, sending the user back through re-authentication. It is
// fire-and-forget: there is nothing for the caller to act on.
type Invalidator interface {
	Invalidate(ctx context.Context, cause error)
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func(ctx context.Context, cause error)

// Invalidate calls f.
func (f InvalidatorFunc) Invalidate(ctx context.Context, cause error) {
	f(ctx, cause)
}

// Coordinator is the single point through which both transports ask for a
// new credential. All callers that observe an invalid credential while an
// episode is in flight join that episode. A failed episode invalidates the
// session exactly once.
type Coordinator struct {
	provider    *Provider
	invalidator Invalidator
	logger      *slog.Logger

	group    singleflight.Group
	episodes atomic.Int64
}

// NewCoordinator creates a coordinator. invalidator may be nil, in which case
// refresh failures are only reported to callers.
func NewCoordinator(provider *Provider, invalidator Invalidator, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		provider:    provider,
		invalidator: invalidator,
		logger:      logger,
	}
}

// Provider returns the credential provider the coordinator refreshes.
func (c *Coordinator) Provider() *Provider {
	return c.provider
}

// Episodes returns how many refresh episodes have been started.
func (c *Coordinator) Episodes() int64 {
	return c.episodes.Load()
}

// Refresh returns a credential obtained after stale was rejected. stale is
// the access token the failed attempt carried ("" if none). If the provider
// already holds a different credential, a refresh completed after that
// attempt was sent and no new episode is started. Otherwise the caller starts
// or joins the in-flight episode.
func (c *Coordinator) Refresh(ctx context.Context, kind TransportKind, stale string) (Credential, error) {
	if cur, ok := c.provider.Current(); ok && cur.AccessToken != stale {
		c.logger.Debug("credential already replaced, skipping refresh",
			slog.String("transport", string(kind)),
		)

		return cur, nil
	}

	ch := c.group.DoChan(episodeKey, func() (any, error) {
		return c.runEpisode(context.WithoutCancel(ctx), kind)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}

		cred, _ := res.Val.(Credential)

		return cred, nil
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	}
}

func (c *Coordinator) runEpisode(ctx context.Context, kind TransportKind) (Credential, error) {
	n := c.episodes.Add(1)

	c.logger.Info("refresh episode started",
		slog.String("transport", string(kind)),
		slog.Int64("episode", n),
	)

	cred, err := c.provider.Refresh(ctx, true)
	if errors.Is(err, ErrSessionChanged) {
		// The episode belonged to the previous session. Its outcome must
		// not invalidate the one that replaced it.
		c.logger.Info("refresh episode abandoned after session change",
			slog.String("transport", string(kind)),
			slog.Int64("episode", n),
		)

		return Credential{}, err
	}

	if err != nil {
		c.OnRefreshFailure(ctx, kind, err)

		var re *RefreshError
		if !errors.As(err, &re) {
			err = &RefreshError{Err: err}
		}

		return Credential{}, err
	}

	c.logger.Info("refresh episode succeeded",
		slog.String("transport", string(kind)),
		slog.Int64("episode", n),
	)

	return cred, nil
}

// OnRefreshFailure invalidates the local session. It is the single recovery
// path for a refresh grant that is no longer valid.
func (c *Coordinator) OnRefreshFailure(ctx context.Context, kind TransportKind, err error) {
	c.logger.Error("credential refresh failed, invalidating session",
		slog.String("transport", string(kind)),
		slog.String("error", err.Error()),
	)

	if c.invalidator != nil {
		c.invalidator.Invalidate(ctx, err)
	}
}
