package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"sync"

	"github.com/hydragate/hydragate/internal/infrastructure/persistence/models"
)

// Kind discriminates how a credential is presented to the upstream.
// Dispatchers pattern-match on it to choose the header shape, which keeps
// "oauth token sent with api-key headers" bugs impossible by construction.
type Kind string

const (
	KindOAuth  Kind = "oauth"
	KindAPIKey Kind = "api_key"
)

// Credential is the material handed to an upstream dispatcher.
type Credential struct {
	Kind   Kind
	Secret string
}

// tokenStore is the slice of the OAuth repository the credential layer needs.
type tokenStore interface {
	Get(ctx context.Context, provider string) (*models.OAuthTokenModel, error)
	Upsert(ctx context.Context, row *models.OAuthTokenModel) error
	Delete(ctx context.Context, provider string) error
}

// expiryBufferSecs: a token is treated as expired this many seconds before
// its actual expiry, so in-flight requests never race the deadline.
const expiryBufferSecs = 300

// pkceState is the in-memory (code_verifier, state) pair held between
// start_oauth and the callback. Single slot per provider.
type pkceState struct {
	mu       sync.Mutex
	verifier string
	state    string
}

func (p *pkceState) set(verifier, state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verifier = verifier
	p.state = state
}

// take returns the stored verifier iff state matches, clearing the slot.
func (p *pkceState) take(state string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == "" || p.state != state {
		return "", false
	}
	verifier := p.verifier
	p.verifier = ""
	p.state = ""
	return verifier, true
}

// GeneratePKCE returns a fresh (code_verifier, code_challenge) pair:
// verifier = base64url(random 32 bytes), challenge = base64url(SHA256(verifier)).
func GeneratePKCE() (verifier, challenge string, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

// randomState returns a base64url-encoded 32-byte OAuth state value.
func randomState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
