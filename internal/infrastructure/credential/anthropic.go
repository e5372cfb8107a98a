package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/infrastructure/crypto"
	"github.com/hydragate/hydragate/internal/infrastructure/persistence/models"
	apperrors "github.com/hydragate/hydragate/pkg/errors"
)

// Anthropic OAuth constants. The client ID, endpoints, and scope are fixed by
// the provider; PKCE method is S256.
const (
	anthropicProvider     = "anthropic"
	anthropicClientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	anthropicAuthorizeURL = "https://claude.ai/oauth/authorize"
	anthropicTokenURL     = "https://console.anthropic.com/v1/oauth/token"
	anthropicRedirectURI  = "https://console.anthropic.com/oauth/code/callback"
	anthropicScope        = "org:create_api_key user:profile user:inference"
)

// AnthropicBeta is the beta-features header required on OAuth requests.
const AnthropicBeta = "oauth-2025-04-20,claude-code-20250219,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"

// RequiredSystemPrompt must be the first system block on OAuth requests.
const RequiredSystemPrompt = "You are Claude Code, Anthropic's official CLI for Claude."

// AnthropicStore resolves Anthropic credentials with the priority ladder
// oauth-valid → stored api key → env api key. An expired OAuth token triggers
// a single refresh; when that fails the ladder continues.
type AnthropicStore struct {
	vault  *crypto.Vault
	tokens tokenStore
	envKey string
	client *http.Client
	pkce   pkceState
	logger *zap.Logger
}

func NewAnthropicStore(vault *crypto.Vault, tokens tokenStore, envKey string, logger *zap.Logger) *AnthropicStore {
	return &AnthropicStore{
		vault:  vault,
		tokens: tokens,
		envKey: envKey,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// GetCredential walks the ladder. Absence is a legitimate result: the second
// return value is false when no credential exists at all.
func (s *AnthropicStore) GetCredential(ctx context.Context) (Credential, bool) {
	row, err := s.tokens.Get(ctx, anthropicProvider)
	if err != nil {
		s.logger.Warn("Anthropic credential lookup failed", zap.Error(err))
		row = nil
	}

	if row != nil && row.AccessToken != "" {
		access, decErr := s.vault.Decrypt(row.AccessToken)
		if decErr == nil {
			if time.Now().Unix() < row.ExpiresAt-expiryBufferSecs {
				return Credential{Kind: KindOAuth, Secret: access}, true
			}
			s.logger.Info("Anthropic OAuth token expired, refreshing")
			if refreshed, refErr := s.Refresh(ctx); refErr == nil {
				return Credential{Kind: KindOAuth, Secret: refreshed}, true
			} else {
				s.logger.Warn("Anthropic OAuth refresh failed, falling through", zap.Error(refErr))
			}
		} else {
			s.logger.Warn("Anthropic access token decrypt failed", zap.Error(decErr))
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

// SetAPIKey stores an encrypted API key for the provider.
func (s *AnthropicStore) SetAPIKey(ctx context.Context, key string) error {
	row, err := s.tokens.Get(ctx, anthropicProvider)
	if err != nil {
		return err
	}
	if row == nil {
		row = &models.OAuthTokenModel{Provider: anthropicProvider}
	}
	row.AuthMethod = "api_key"
	row.APIKey = s.vault.Encrypt(key)
	row.UpdatedAt = time.Now().UTC()
	return s.tokens.Upsert(ctx, row)
}

// StartOAuth generates PKCE parameters and the authorization URL. The
// (verifier, state) pair lives in the single-slot mailbox until the callback.
func (s *AnthropicStore) StartOAuth() (authURL, state string, err error) {
	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		return "", "", apperrors.NewInternalErrorWithCause("PKCE generation failed", err)
	}
	state, err = randomState()
	if err != nil {
		return "", "", apperrors.NewInternalErrorWithCause("state generation failed", err)
	}
	s.pkce.set(verifier, state)

	u, _ := url.Parse(anthropicAuthorizeURL)
	q := u.Query()
	q.Set("code", "true")
	q.Set("client_id", anthropicClientID)
	q.Set("redirect_uri", anthropicRedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", anthropicScope)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)
	u.RawQuery = q.Encode()

	return u.String(), state, nil
}

type anthropicTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// CompleteOAuth exchanges the authorization code and persists encrypted
// tokens. Rejects when state does not match the stored PKCE slot.
func (s *AnthropicStore) CompleteOAuth(ctx context.Context, code, state string) error {
	verifier, ok := s.pkce.take(state)
	if !ok {
		return apperrors.NewInvalidInputError("invalid or expired OAuth state")
	}

	tokenResp, err := s.tokenRequest(ctx, map[string]interface{}{
		"code":          code,
		"state":         state,
		"grant_type":    "authorization_code",
		"client_id":     anthropicClientID,
		"redirect_uri":  anthropicRedirectURI,
		"code_verifier": verifier,
	})
	if err != nil {
		return err
	}

	row := &models.OAuthTokenModel{
		Provider:     anthropicProvider,
		AuthMethod:   "oauth",
		AccessToken:  s.vault.Encrypt(tokenResp.AccessToken),
		RefreshToken: s.vault.Encrypt(tokenResp.RefreshToken),
		ExpiresAt:    time.Now().Unix() + tokenResp.ExpiresIn,
		Scope:        anthropicScope,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := s.tokens.Upsert(ctx, row); err != nil {
		return err
	}

	s.logger.Info("Anthropic OAuth login complete", zap.Int64("expires_at", row.ExpiresAt))
	return nil
}

// Refresh rotates access and refresh tokens atomically. When the provider
// omits a new refresh token, the old one is preserved.
func (s *AnthropicStore) Refresh(ctx context.Context) (string, error) {
	row, err := s.tokens.Get(ctx, anthropicProvider)
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

	tokenResp, err := s.tokenRequest(ctx, map[string]interface{}{
		"grant_type":    "refresh_token",
		"client_id":     anthropicClientID,
		"refresh_token": refreshToken,
	})
	if err != nil {
		return "", err
	}

	newRefresh := tokenResp.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}

	row.AuthMethod = "oauth"
	row.AccessToken = s.vault.Encrypt(tokenResp.AccessToken)
	row.RefreshToken = s.vault.Encrypt(newRefresh)
	row.ExpiresAt = time.Now().Unix() + tokenResp.ExpiresIn
	row.UpdatedAt = time.Now().UTC()
	if err := s.tokens.Upsert(ctx, row); err != nil {
		return "", err
	}

	s.logger.Info("Anthropic OAuth token refreshed", zap.Int64("expires_at", row.ExpiresAt))
	return tokenResp.AccessToken, nil
}

// Status reports whether OAuth tokens exist and whether they are expired.
func (s *AnthropicStore) Status(ctx context.Context) (authenticated, expired bool, expiresAt int64) {
	row, err := s.tokens.Get(ctx, anthropicProvider)
	if err != nil || row == nil || row.AccessToken == "" {
		return false, false, 0
	}
	return true, time.Now().Unix() >= row.ExpiresAt-expiryBufferSecs, row.ExpiresAt
}

// Logout deletes the stored tokens.
func (s *AnthropicStore) Logout(ctx context.Context) error {
	return s.tokens.Delete(ctx, anthropicProvider)
}

func (s *AnthropicStore) tokenRequest(ctx context.Context, body map[string]interface{}) (*anthropicTokenResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("marshal token request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicTokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("build token request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperrors.NewUpstreamError("token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, apperrors.NewUpstreamError(
			fmt.Sprintf("token exchange rejected with status %d: %s", resp.StatusCode, string(respBody)), nil)
	}

	var tokenResp anthropicTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, apperrors.NewUpstreamError("invalid token response", err)
	}
	return &tokenResp, nil
}
