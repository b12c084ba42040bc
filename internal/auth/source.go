package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/pitchly-go/internal/tokenfile"
)

// RefreshResult is the outcome of an upstream refresh call. Refreshed is false
// when the source decided the existing token was still good (only possible
// when force is false).
type RefreshResult struct {
	Refreshed   bool
	AccessToken string
	Expiry      time.Time
}

// Source obtains credentials from upstream. Defined at the consumer; the CLI
// wires OAuthSource, tests use SourceFunc.
type Source interface {
	Refresh(ctx context.Context, force bool) (RefreshResult, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, force bool) (RefreshResult, error)

// Refresh calls f.
func (f SourceFunc) Refresh(ctx context.Context, force bool) (RefreshResult, error) {
	return f(ctx, force)
}

// OAuthSource refreshes the credential with the OAuth2 refresh_token grant
// and persists the result to the token file. The token file is the source of
// truth: each refresh re-reads it so a token replaced by another process is
// picked up.
type OAuthSource struct {
	cfg        *oauth2.Config
	tokenPath  string
	httpClient *http.Client
	logger     *slog.Logger

	mu sync.Mutex // serializes read-refresh-write of the token file
}

// NewOAuthSource creates a source for the given OAuth2 client and token
// endpoint. httpClient may be nil to use http.DefaultClient.
func NewOAuthSource(clientID, tokenURL, tokenPath string, httpClient *http.Client, logger *slog.Logger) *OAuthSource {
	if logger == nil {
		logger = slog.Default()
	}

	return &OAuthSource{
		cfg: &oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		tokenPath:  tokenPath,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Refresh exchanges the stored refresh token for a new access token. With
// force=false a still-valid stored token is returned unchanged.
func (s *OAuthSource) Refresh(ctx context.Context, force bool) (RefreshResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, meta, err := tokenfile.Load(s.tokenPath)
	if err != nil {
		return RefreshResult{}, err
	}

	if tok == nil {
		return RefreshResult{}, ErrNotLoggedIn
	}

	if !force && tok.Valid() {
		cred := CredentialFromToken(tok)
		return RefreshResult{AccessToken: cred.AccessToken, Expiry: cred.Expiry}, nil
	}

	if tok.RefreshToken == "" {
		return RefreshResult{}, ErrNoRefreshToken
	}

	if s.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	}

	// A token with only the refresh grant is never Valid, so the token
	// source always performs the exchange.
	fresh, err := s.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	if err != nil {
		return RefreshResult{}, fmt.Errorf("auth: refresh_token grant: %w", err)
	}

	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}

	// A login or logout during the exchange replaced the file. The fresh
	// token belongs to the old grant and must not overwrite it.
	if cur, _, loadErr := tokenfile.Load(s.tokenPath); loadErr == nil && (cur == nil || cur.RefreshToken != tok.RefreshToken) {
		s.logger.Warn("token file changed during refresh, discarding result",
			slog.String("path", s.tokenPath),
		)

		return RefreshResult{}, ErrSessionChanged
	}

	if saveErr := tokenfile.Save(s.tokenPath, fresh, meta); saveErr != nil {
		// The new token is still usable for this process.
		s.logger.Warn("failed to persist refreshed token",
			slog.String("path", s.tokenPath),
			slog.String("error", saveErr.Error()),
		)
	}

	cred := CredentialFromToken(fresh)

	s.logger.Info("credential refreshed via refresh_token grant",
		slog.Time("expiry", cred.Expiry),
	)

	return RefreshResult{Refreshed: true, AccessToken: cred.AccessToken, Expiry: cred.Expiry}, nil
}

// LoadCredential reads the stored credential and identity from a token file.
// Returns ErrNotLoggedIn when no token file exists.
func LoadCredential(tokenPath string) (Credential, string, error) {
	tok, meta, err := tokenfile.Load(tokenPath)
	if err != nil {
		return Credential{}, "", err
	}

	if tok == nil {
		return Credential{}, "", ErrNotLoggedIn
	}

	cred := CredentialFromToken(tok)

	identity := meta[tokenfile.MetaUserID]
	if identity == "" {
		identity = IdentityFromAccessToken(tok.AccessToken)
	}

	return cred, identity, nil
}
