package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// providerRefreshKey is the single singleflight key: there is exactly one
// credential per session, so there is exactly one refresh in flight.
const providerRefreshKey = "credential"

// Provider holds the current credential. Transports read it once per attempt
// through Current; only refreshes (and login/logout) replace it.
type Provider struct {
	source Source
	logger *slog.Logger

	mu   sync.RWMutex
	cred Credential
	has  bool
	// gen increments whenever the credential is replaced from outside a
	// refresh (login, logout). A refresh that started under an older
	// generation does not overwrite the newer state.
	gen uint64

	group   singleflight.Group
	nowFunc func() time.Time
}

// NewProvider creates a provider backed by source. initial may be nil for a
// logged-out session.
func NewProvider(source Source, initial *Credential, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Provider{
		source:  source,
		logger:  logger,
		nowFunc: time.Now,
	}

	if initial != nil && initial.AccessToken != "" {
		p.cred = *initial
		p.has = true
	}

	return p
}

// Current returns the credential to attach to the next attempt.
func (p *Provider) Current() (Credential, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.cred, p.has
}

// Set replaces the credential (login, account switch, token file reload).
func (p *Provider) Set(c Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cred = c
	p.has = c.AccessToken != ""
	p.gen++
}

// Clear forgets the credential (logout, invalidation).
func (p *Provider) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cred = Credential{}
	p.has = false
	p.gen++
}

// Refresh obtains a new credential from the source. Concurrent callers share
// one upstream call and receive the same outcome. With force=false a
// credential that is present and not locally expired is returned as is.
// Failures are returned as *RefreshError, except ErrSessionChanged when the
// session changed while the upstream call was in flight.
func (p *Provider) Refresh(ctx context.Context, force bool) (Credential, error) {
	if !force {
		if cur, ok := p.Current(); ok && !cur.Expired(p.nowFunc()) {
			return cur, nil
		}
	}

	ch := p.group.DoChan(providerRefreshKey, func() (any, error) {
		// The shared call must not be torn down by one caller's cancellation.
		return p.doRefresh(context.WithoutCancel(ctx), force)
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

func (p *Provider) doRefresh(ctx context.Context, force bool) (Credential, error) {
	p.mu.RLock()
	startGen := p.gen
	p.mu.RUnlock()

	p.logger.Info("refreshing credential", slog.Bool("force", force))

	res, err := p.source.Refresh(ctx, force)
	if err != nil {
		if errors.Is(err, ErrSessionChanged) {
			return Credential{}, ErrSessionChanged
		}

		var re *RefreshError
		if errors.As(err, &re) {
			return Credential{}, re
		}

		return Credential{}, &RefreshError{Err: err}
	}

	if res.AccessToken == "" {
		return Credential{}, &RefreshError{Err: errors.New("source returned an empty access token")}
	}

	cred := Credential{AccessToken: res.AccessToken, Expiry: res.Expiry}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.gen != startGen {
		// Logged out or switched accounts mid-refresh: the result belongs to
		// a session that no longer exists.
		p.logger.Warn("discarding refreshed credential after session change")
		return Credential{}, ErrSessionChanged
	}

	p.cred = cred
	p.has = true

	p.logger.Info("credential updated",
		slog.Bool("refreshed", res.Refreshed),
		slog.Time("expiry", cred.Expiry),
	)

	return cred, nil
}
