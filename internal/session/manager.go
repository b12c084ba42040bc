// Package session tracks which user the client is operating as and makes
// sure nothing computed for one user is observable by another. Components
// holding per-user state (the result cache, the streaming connection)
// register a Resetter; every identity change runs all resetters before the
// change is visible to new operations.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tonimelisma/pitchly-go/internal/auth"
	"github.com/tonimelisma/pitchly-go/internal/tokenfile"
)

// Resetter discards state that belongs to the previous identity.
type Resetter interface {
	Reset(ctx context.Context) error
}

// ResetterFunc adapts a function to Resetter.
type ResetterFunc func(ctx context.Context) error

// Reset calls f.
func (f ResetterFunc) Reset(ctx context.Context) error {
	return f(ctx)
}

// Manager owns the session identity. It is also the auth.Invalidator: a
// failed refresh logs the session out through the same path as an explicit
// logout.
type Manager struct {
	provider  *auth.Provider
	tokenPath string
	logger    *slog.Logger

	mu        sync.RWMutex
	identity  string
	resetters []Resetter
}

// NewManager creates a manager for the given starting identity ("" for
// logged out). tokenPath may be empty when nothing is persisted.
func NewManager(identity string, provider *auth.Provider, tokenPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		provider:  provider,
		tokenPath: tokenPath,
		logger:    logger,
		identity:  identity,
	}
}

// Register adds a resetter. Resetters run in registration order.
func (m *Manager) Register(r Resetter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetters = append(m.resetters, r)
}

// Identity returns the current session identity.
func (m *Manager) Identity() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.identity
}

// Switch changes the identity and the credential together (login or account
// switch). Returns whether the identity changed.
func (m *Manager) Switch(ctx context.Context, identity string, cred auth.Credential) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.provider != nil {
		m.provider.Set(cred)
	}

	if identity == m.identity {
		return false, nil
	}

	return true, m.changeLocked(ctx, identity)
}

// Logout removes the persisted credential, clears the provider and resets
// all per-user state even if the identity was already unknown.
func (m *Manager) Logout(ctx context.Context) error {
	var errs []error

	if m.tokenPath != "" {
		if err := tokenfile.Remove(m.tokenPath); err != nil {
			errs = append(errs, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.provider != nil {
		m.provider.Clear()
	}

	errs = append(errs, m.changeLocked(ctx, ""))

	return errors.Join(errs...)
}

// Invalidate implements auth.Invalidator: the refresh grant is no longer
// valid, so force a logout. Errors are logged, not returned.
func (m *Manager) Invalidate(ctx context.Context, cause error) {
	m.logger.Warn("session invalidated, re-authentication required",
		slog.String("identity", m.Identity()),
		slog.String("cause", cause.Error()),
	)

	if err := m.Logout(ctx); err != nil {
		m.logger.Error("session invalidation incomplete",
			slog.String("error", err.Error()),
		)
	}
}

// Reload re-reads the token file and applies an identity change made by
// another process (login as another account, logout). Token rotation for
// the same identity is left to the refresh path.
func (m *Manager) Reload(ctx context.Context) error {
	cred, identity, err := auth.LoadCredential(m.tokenPath)
	if errors.Is(err, auth.ErrNotLoggedIn) {
		m.mu.Lock()
		defer m.mu.Unlock()

		loggedIn := m.identity != ""
		if m.provider != nil {
			if _, ok := m.provider.Current(); ok {
				loggedIn = true
			}

			m.provider.Clear()
		}

		if !loggedIn {
			return nil
		}

		m.logger.Info("token file removed externally, logging out")

		return m.changeLocked(ctx, "")
	}

	if err != nil {
		return fmt.Errorf("session: reloading credential: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if identity == m.identity {
		if m.provider != nil {
			if _, ok := m.provider.Current(); !ok {
				m.provider.Set(cred)
			}
		}

		return nil
	}

	m.logger.Info("token file changed identity",
		slog.String("from", m.identity),
		slog.String("to", identity),
	)

	if m.provider != nil {
		m.provider.Set(cred)
	}

	return m.changeLocked(ctx, identity)
}

// changeLocked runs every resetter and then publishes the new identity.
// Called with m.mu held so no reader observes the new identity before the
// old identity's state is gone.
func (m *Manager) changeLocked(ctx context.Context, identity string) error {
	from := m.identity

	var errs []error

	for _, r := range m.resetters {
		if err := r.Reset(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	m.identity = identity

	m.logger.Info("session identity changed",
		slog.String("from", from),
		slog.String("to", identity),
		slog.Int("resetters", len(m.resetters)),
	)

	if len(errs) > 0 {
		return fmt.Errorf("session: resetting state: %w", errors.Join(errs...))
	}

	return nil
}
