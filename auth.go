package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/pitchly-go/internal/auth"
	"github.com/tonimelisma/pitchly-go/internal/tokenfile"
)

// Environment variables read by login when the matching flag is empty, so
// tokens need not appear in shell history.
const (
	envAccessToken  = "PITCHLY_GO_ACCESS_TOKEN"
	envRefreshToken = "PITCHLY_GO_REFRESH_TOKEN"
)

var (
	flagAccessToken  string
	flagRefreshToken string
	flagUser         string
	flagExpiresIn    time.Duration
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store platform credentials for later commands",
		Long: `Store an access token and/or refresh token in the token file.

With only a refresh token the access token is obtained immediately through
the refresh_token grant. The session identity is taken from --user, or from
the "sub" claim when the access token is a JWT. Logging in as a different
user discards cached results of the previous one.`,
		RunE: runLogin,
	}

	cmd.Flags().StringVar(&flagAccessToken, "access-token", "", "access token (default $"+envAccessToken+")")
	cmd.Flags().StringVar(&flagRefreshToken, "refresh-token", "", "refresh token (default $"+envRefreshToken+")")
	cmd.Flags().StringVar(&flagUser, "user", "", "user id for the session (default: JWT subject)")
	cmd.Flags().DurationVar(&flagExpiresIn, "expires-in", 0, "access token lifetime when it is not a JWT")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove saved credentials and cached results",
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Display the session identity and credential expiry",
		RunE:  runWhoami,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := cmd.Context()

	access := firstNonEmpty(flagAccessToken, os.Getenv(envAccessToken))
	refresh := firstNonEmpty(flagRefreshToken, os.Getenv(envRefreshToken))

	if access == "" && refresh == "" {
		return fmt.Errorf("an access token or refresh token is required (--access-token, --refresh-token, $%s, $%s)",
			envAccessToken, envRefreshToken)
	}

	sess, err := NewClientSession(resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	identity, err := login(ctx, sess, loginRequest{
		AccessToken:  access,
		RefreshToken: refresh,
		User:         flagUser,
		ExpiresIn:    flagExpiresIn,
	}, logger)
	if err != nil {
		return err
	}

	statusf("Logged in as %s.\n", identity)

	return nil
}

// loginRequest is the credential material supplied to login.
type loginRequest struct {
	AccessToken  string
	RefreshToken string
	User         string
	ExpiresIn    time.Duration
}

// login persists the credential and switches the session to its identity.
// Returns the identity logged in as.
func login(ctx context.Context, sess *ClientSession, req loginRequest, logger *slog.Logger) (string, error) {
	tok := &oauth2.Token{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		TokenType:    "Bearer",
	}

	if req.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(req.ExpiresIn)
	}

	meta := map[string]string{}
	if req.User != "" {
		meta[tokenfile.MetaUserID] = req.User
	}

	if err := tokenfile.Save(sess.TokenPath, tok, meta); err != nil {
		return "", err
	}

	cred := auth.CredentialFromToken(tok)

	if cred.AccessToken == "" {
		logger.Info("exchanging refresh token for an access token")

		source := auth.NewOAuthSource(sess.Config.ClientID, sess.Config.EffectiveTokenURL(),
			sess.TokenPath, sess.HTTPClient, logger)

		res, err := source.Refresh(ctx, true)
		if err != nil {
			_ = tokenfile.Remove(sess.TokenPath)
			return "", &auth.RefreshError{Err: err}
		}

		cred = auth.Credential{AccessToken: res.AccessToken, Expiry: res.Expiry}
	}

	identity := req.User
	if identity == "" {
		identity = auth.IdentityFromAccessToken(cred.AccessToken)
	}

	if identity == "" {
		_ = tokenfile.Remove(sess.TokenPath)
		return "", errors.New("cannot determine the user id from the access token; pass --user")
	}

	if err := tokenfile.LoadAndMergeMeta(sess.TokenPath, map[string]string{tokenfile.MetaUserID: identity}); err != nil {
		return "", err
	}

	changed, err := sess.Manager.Switch(ctx, identity, cred)
	if err != nil {
		return "", fmt.Errorf("resetting previous session: %w", err)
	}

	logger.Info("login successful",
		slog.String("identity", identity),
		slog.Bool("identity_changed", changed),
	)

	return identity, nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	sess, err := NewClientSession(resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	identity := sess.Manager.Identity()

	if err := sess.Manager.Logout(cmd.Context()); err != nil {
		return err
	}

	logger.Info("logout successful", slog.String("identity", identity))
	statusf("Logged out.\n")

	return nil
}

// whoamiOutput is the JSON schema for `whoami --json`.
type whoamiOutput struct {
	LoggedIn  bool       `json:"logged_in"`
	Identity  string     `json:"identity,omitempty"`
	Expiry    *time.Time `json:"expiry,omitempty"`
	Expired   bool       `json:"expired"`
	Refresh   bool       `json:"can_refresh"`
	TokenPath string     `json:"token_path"`
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	tokenPath := resolvedCfg.EffectiveTokenPath()
	w := cmd.OutOrStdout()

	out, err := describeSession(tokenPath, time.Now())
	if err != nil {
		return err
	}

	if flagJSON {
		return encodeJSON(w, out, true)
	}

	if !out.LoggedIn {
		fmt.Fprintln(w, "Not logged in.")
		return nil
	}

	var expiry time.Time
	if out.Expiry != nil {
		expiry = *out.Expiry
	}

	fmt.Fprintf(w, "User:    %s\n", out.Identity)
	fmt.Fprintf(w, "Expires: %s\n", formatExpiry(expiry, time.Now()))
	fmt.Fprintf(w, "Refresh: %t\n", out.Refresh)
	fmt.Fprintf(w, "Token:   %s\n", out.TokenPath)

	return nil
}

func describeSession(tokenPath string, now time.Time) (whoamiOutput, error) {
	out := whoamiOutput{TokenPath: tokenPath}

	tok, _, err := tokenfile.Load(tokenPath)
	if err != nil {
		return out, err
	}

	if tok == nil {
		return out, nil
	}

	cred, identity, err := auth.LoadCredential(tokenPath)
	if err != nil {
		return out, err
	}

	out.LoggedIn = true
	out.Identity = identity
	out.Expired = cred.Expired(now)
	out.Refresh = tok.RefreshToken != ""

	if !cred.Expiry.IsZero() {
		expiry := cred.Expiry
		out.Expiry = &expiry
	}

	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
