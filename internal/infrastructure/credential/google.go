package credential

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/hydragate/hydragate/internal/infrastructure/crypto"
	"github.com/hydragate/hydragate/internal/infrastructure/persistence/models"
	apperrors "github.com/hydragate/hydragate/pkg/errors"
)

const (
	googleProvider     = "google"
	googleAuthorizeURL = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL     = "https://oauth2.googleapis.com/token"
)

var googleScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// GoogleStore resolves Google credentials: oauth-valid → stored api key →
// env api key. The OAuth flow uses golang.org/x/oauth2 with PKCE S256; the
// redirect URI is derived from the local listen port.
type GoogleStore struct {
	vault  *crypto.Vault
	tokens tokenStore
	envKey string
	conf   *oauth2.Config
	pkce   pkceState
	logger *zap.Logger
}

func NewGoogleStore(vault *crypto.Vault, tokens tokenStore, envKey, clientID, clientSecret string, localPort int, logger *zap.Logger) *GoogleStore {
	return &GoogleStore{
		vault:  vault,
		tokens: tokens,
		envKey: envKey,
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  fmt.Sprintf("http://localhost:%d/api/auth/google/callback", localPort),
			Scopes:       googleScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  googleAuthorizeURL,
				TokenURL: googleTokenURL,
			},
		},
		logger: logger,
	}
}

// GetCredential walks the ladder; absence is a legitimate result.
func (s *GoogleStore) GetCredential(ctx context.Context) (Credential, bool) {
	row, err := s.tokens.Get(ctx, googleProvider)
	if err != nil {
		s.logger.Warn("Google credential lookup failed", zap.Error(err))
		row = nil
	}

	if row != nil && row.AccessToken != "" {
		access, decErr := s.vault.Decrypt(row.AccessToken)
		if decErr == nil {
			if time.Now().Unix() < row.ExpiresAt-expiryBufferSecs {
				return Credential{Kind: KindOAuth, Secret: access}, true
			}
			s.logger.Info("Google OAuth token expired, refreshing")
			if refreshed, refErr := s.Refresh(ctx); refErr == nil {
				return Credential{Kind: KindOAuth, Secret: refreshed}, true
			} else {
				s.logger.Warn("Google OAuth refresh failed, falling through", zap.Error(refErr))
			}
		}
	}

	if row != nil && row.APIKey != "" {
		if key, decErr := s.vault.Decrypt(row.APIKey); decErr == nil && key != "" {
			return Credential{Kind: KindAPIKey, Secret: key}, true
		}
	}

	if s.envKey != "" {
		return Credential{Kind: KindAPIKey, Secret: s.envKey}, true
	}

	return Credential{}, false
}

// APIKeyCredential skips the OAuth rungs of the ladder and returns the stored
// API key, else the environment key.
func (s *GoogleStore) APIKeyCredential(ctx context.Context) (Credential, bool) {
	row, err := s.tokens.Get(ctx, googleProvider)
	if err == nil && row != nil && row.APIKey != "" {
		if key, decErr := s.vault.Decrypt(row.APIKey); decErr == nil && key != "" {
			return Credential{Kind: KindAPIKey, Secret: key}, true
		}
	}
	if s.envKey != "" {
		return Credential{Kind: KindAPIKey, Secret: s.envKey}, true
	}
	return Credential{}, false
}

// StartOAuth builds the consent URL with PKCE S256 and offline access.
func (s *GoogleStore) StartOAuth() (authURL, state string, err error) {
	if s.conf.ClientID == "" {
		return "", "", apperrors.NewInvalidInputError("GOOGLE_OAUTH_CLIENT_ID is not configured")
	}
	verifier := oauth2.GenerateVerifier()
	state, err = randomState()
	if err != nil {
		return "", "", apperrors.NewInternalErrorWithCause("state generation failed", err)
	}
	s.pkce.set(verifier, state)

	authURL = s.conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
	return authURL, state, nil
}

// CompleteOAuth exchanges the code and persists encrypted tokens.
func (s *GoogleStore) CompleteOAuth(ctx context.Context, code, state string) error {
	verifier, ok := s.pkce.take(state)
	if !ok {
		return apperrors.NewInvalidInputError("invalid or expired OAuth state")
	}

	token, err := s.conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return apperrors.NewUpstreamError("Google token exchange failed", err)
	}

	row := &models.OAuthTokenModel{
		Provider:     googleProvider,
		AuthMethod:   "oauth",
		AccessToken:  s.vault.Encrypt(token.AccessToken),
		RefreshToken: s.vault.Encrypt(token.RefreshToken),
		ExpiresAt:    token.Expiry.Unix(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := s.tokens.Upsert(ctx, row); err != nil {
		return err
	}

	s.logger.Info("Google OAuth login complete", zap.Int64("expires_at", row.ExpiresAt))
	return nil
}

// Refresh rotates the token pair; Google usually omits a new refresh token,
// in which case the old one is preserved.
func (s *GoogleStore) Refresh(ctx context.Context) (string, error) {
	row, err := s.tokens.Get(ctx, googleProvider)
	if err != nil {
		return "", err
	}
	if row == nil || row.RefreshToken == "" {
		return "", apperrors.NewUnauthorizedError("no refresh token stored")
	}
	refreshToken, err := s.vault.Decrypt(row.RefreshToken)
	if err != nil {
		return "", apperrors.NewInternalErrorWithCause("refresh token decrypt failed", err)
	}

	source := s.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return "", apperrors.NewUpstreamError("Google token refresh failed", err)
	}

	newRefresh := token.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}

	row.AuthMethod = "oauth"
	row.AccessToken = s.vault.Encrypt(token.AccessToken)
	row.RefreshToken = s.vault.Encrypt(newRefresh)
	row.ExpiresAt = token.Expiry.Unix()
	row.UpdatedAt = time.Now().UTC()
	if err := s.tokens.Upsert(ctx, row); err != nil {
		return "", err
	}

	return token.AccessToken, nil
}

// Status reports authentication state for the auth endpoints.
func (s *GoogleStore) Status(ctx context.Context) (authenticated, expired bool, expiresAt int64) {
	row, err := s.tokens.Get(ctx, googleProvider)
	if err != nil || row == nil || row.AccessToken == "" {
		return false, false, 0
	}
	return true, time.Now().Unix() >= row.ExpiresAt-expiryBufferSecs, row.ExpiresAt
}

// Logout deletes the stored tokens.
func (s *GoogleStore) Logout(ctx context.Context) error {
	return s.tokens.Delete(ctx, googleProvider)
}
