package credential

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/infrastructure/crypto"
	"github.com/hydragate/hydragate/internal/infrastructure/persistence/models"
)

// fakeTokenStore is an in-memory tokenStore.
type fakeTokenStore struct {
	mu   sync.Mutex
	rows map[string]*models.OAuthTokenModel
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{rows: make(map[string]*models.OAuthTokenModel)}
}

func (f *fakeTokenStore) Get(_ context.Context, provider string) (*models.OAuthTokenModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[provider]
	if !ok {
		return nil, nil
	}
	copied := *row
	return &copied, nil
}

func (f *fakeTokenStore) Upsert(_ context.Context, row *models.OAuthTokenModel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *row
	f.rows[row.Provider] = &copied
	return nil
}

func (f *fakeTokenStore) Delete(_ context.Context, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, provider)
	return nil
}

func TestGeneratePKCE_ChallengeIsSHA256OfVerifier(t *testing.T) {
	for i := 0; i < 10; i++ {
		verifier, challenge, err := GeneratePKCE()
		if err != nil {
			t.Fatalf("GeneratePKCE failed: %v", err)
		}
		sum := sha256.Sum256([]byte(verifier))
		want := base64.RawURLEncoding.EncodeToString(sum[:])
		if challenge != want {
			t.Fatalf("challenge mismatch: got %q want %q", challenge, want)
		}
		if len(verifier) != base64.RawURLEncoding.EncodedLen(32) {
			t.Fatalf("verifier should encode 32 random bytes, got len %d", len(verifier))
		}
	}
}

func TestPkceState_SingleSlot(t *testing.T) {
	var p pkceState
	p.set("verifier-1", "state-1")

	if _, ok := p.take("wrong-state"); ok {
		t.Fatal("mismatched state must be rejected")
	}
	// Rejection must not consume the slot.
	v, ok := p.take("state-1")
	if !ok || v != "verifier-1" {
		t.Fatalf("expected verifier-1, got %q ok=%v", v, ok)
	}
	// The slot is consumed after a successful take.
	if _, ok := p.take("state-1"); ok {
		t.Fatal("slot must be single-use")
	}
}

func TestAnthropicStore_LadderPrefersValidOAuth(t *testing.T) {
	vault := crypto.NewVault("test-secret", zap.NewNop())
	store := newFakeTokenStore()
	s := NewAnthropicStore(vault, store, "env-api-key", zap.NewNop())

	store.Upsert(context.Background(), &models.OAuthTokenModel{
		Provider:    "anthropic",
		AuthMethod:  "oauth",
		AccessToken: vault.Encrypt("oauth-access"),
		ExpiresAt:   time.Now().Unix() + 3600,
	})

	cred, ok := s.GetCredential(context.Background())
	if !ok {
		t.Fatal("expected a credential")
	}
	if cred.Kind != KindOAuth || cred.Secret != "oauth-access" {
		t.Fatalf("expected valid oauth credential, got %+v", cred)
	}
}

func TestAnthropicStore_ExpiredOAuthFallsThroughToStoredKey(t *testing.T) {
	vault := crypto.NewVault("test-secret", zap.NewNop())
	store := newFakeTokenStore()
	s := NewAnthropicStore(vault, store, "env-api-key", zap.NewNop())

	// Expired token and no refresh token: refresh fails, ladder continues.
	store.Upsert(context.Background(), &models.OAuthTokenModel{
		Provider:    "anthropic",
		AccessToken: vault.Encrypt("stale"),
		ExpiresAt:   time.Now().Unix() - 10,
		APIKey:      vault.Encrypt("stored-api-key"),
	})

	cred, ok := s.GetCredential(context.Background())
	if !ok {
		t.Fatal("expected a credential")
	}
	if cred.Kind != KindAPIKey || cred.Secret != "stored-api-key" {
		t.Fatalf("expected stored api key, got %+v", cred)
	}
}

func TestAnthropicStore_EnvKeyIsLastRung(t *testing.T) {
	vault := crypto.NewVault("test-secret", zap.NewNop())
	s := NewAnthropicStore(vault, newFakeTokenStore(), "env-api-key", zap.NewNop())

	cred, ok := s.GetCredential(context.Background())
	if !ok || cred.Kind != KindAPIKey || cred.Secret != "env-api-key" {
		t.Fatalf("expected env api key, got %+v ok=%v", cred, ok)
	}
}

func TestAnthropicStore_NoCredentialIsNotAnError(t *testing.T) {
	vault := crypto.NewVault("test-secret", zap.NewNop())
	s := NewAnthropicStore(vault, newFakeTokenStore(), "", zap.NewNop())

	if _, ok := s.GetCredential(context.Background()); ok {
		t.Fatal("expected no credential")
	}
}

func TestAnthropicStore_StartOAuthURL(t *testing.T) {
	vault := crypto.NewVault("test-secret", zap.NewNop())
	s := NewAnthropicStore(vault, newFakeTokenStore(), "", zap.NewNop())

	authURL, state, err := s.StartOAuth()
	if err != nil {
		t.Fatalf("StartOAuth failed: %v", err)
	}
	if state == "" {
		t.Fatal("state must be non-empty")
	}
	for _, want := range []string{
		"https://claude.ai/oauth/authorize",
		"client_id=" + anthropicClientID,
		"code_challenge_method=S256",
		"response_type=code",
	} {
		if !strings.Contains(authURL, want) {
			t.Fatalf("auth URL missing %q: %s", want, authURL)
		}
	}
}

func TestAnthropicStore_CompleteOAuthRejectsBadState(t *testing.T) {
	vault := crypto.NewVault("test-secret", zap.NewNop())
	s := NewAnthropicStore(vault, newFakeTokenStore(), "", zap.NewNop())

	if _, _, err := s.StartOAuth(); err != nil {
		t.Fatalf("StartOAuth failed: %v", err)
	}
	if err := s.CompleteOAuth(context.Background(), "code", "forged-state"); err == nil {
		t.Fatal("forged state must be rejected")
	}
}
