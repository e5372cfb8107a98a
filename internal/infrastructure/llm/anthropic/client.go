package anthropic

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/domain/entity"
	"github.com/hydragate/hydragate/internal/infrastructure/credential"
	apperrors "github.com/hydragate/hydragate/pkg/errors"
)

const anthropicVersion = "2023-06-01"

// CredentialSource resolves the Anthropic credential for each call.
// Absence is a legitimate result, not an error.
type CredentialSource interface {
	GetCredential(ctx context.Context) (credential.Credential, bool)
}

// Request is one Messages API call. Temperature is a pointer so an unset
// value is omitted from the wire body.
type Request struct {
	Model       string
	MaxTokens   int
	System      string
	Messages    []entity.ChatTurn
	Tools       []entity.ToolDef
	Temperature *float64
	Stream      bool
}

// Client speaks the Anthropic Messages API natively. Header shape follows
// the credential kind: API keys use x-api-key, OAuth tokens use a Bearer
// authorization plus the beta-features header and a mandatory leading
// system block.
type Client struct {
	baseURL string
	creds   CredentialSource
	client  *http.Client
	logger  *zap.Logger
}

// NewClient creates an Anthropic API client.
func NewClient(baseURL string, creds CredentialSource, logger *zap.Logger) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &Client{
		baseURL: baseURL,
		creds:   creds,
		client:  &http.Client{Transport: transport},
		logger:  logger.With(zap.String("provider", "anthropic")),
	}
}

// Do sends one Messages request. The timeout covers the full response,
// including body reads on streaming calls; closing the body releases it.
// The response is returned regardless of status — callers inspect it.
func (c *Client) Do(ctx context.Context, req *Request, timeout time.Duration) (*http.Response, error) {
	cred, ok := c.creds.GetCredential(ctx)
	if !ok {
		return nil, apperrors.NewUnauthorizedError("no Anthropic credential configured")
	}

	body, err := json.Marshal(c.buildBody(req, cred.Kind == credential.KindOAuth))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	body = sanitizeJSONStrings(body)

	callCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	switch cred.Kind {
	case credential.KindOAuth:
		httpReq.Header.Set("Authorization", "Bearer "+cred.Secret)
		httpReq.Header.Set("anthropic-beta", credential.AnthropicBeta)
	default:
		httpReq.Header.Set("x-api-key", cred.Secret)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, apperrors.NewUpstreamError("Anthropic API request failed", err)
	}

	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// ListModels fetches the provider model list for the registry.
func (c *Client) ListModels(ctx context.Context) ([]byte, error) {
	cred, ok := c.creds.GetCredential(ctx)
	if !ok {
		return nil, apperrors.NewUnauthorizedError("no Anthropic credential configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	switch cred.Kind {
	case credential.KindOAuth:
		httpReq.Header.Set("Authorization", "Bearer "+cred.Secret)
		httpReq.Header.Set("anthropic-beta", credential.AnthropicBeta)
	default:
		httpReq.Header.Set("x-api-key", cred.Secret)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewUpstreamError("Anthropic models request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewUpstreamError(fmt.Sprintf("Anthropic models API returned %d", resp.StatusCode), nil)
	}
	return io.ReadAll(resp.Body)
}

// Reachable probes the API host without consuming tokens. Any HTTP response
// below 500 counts as reachable. Used by the watchdog.
func (c *Client) Reachable(ctx context.Context) bool {
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodHead, c.baseURL+"/v1/messages", nil)
	if err != nil {
		return false
	}
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// buildBody assembles the wire body. OAuth requests must lead the system
// array with the fixed Claude Code block.
func (c *Client) buildBody(req *Request, isOAuth bool) map[string]interface{} {
	body := map[string]interface{}{
		"model":      req.Model,
		"max_tokens": req.MaxTokens,
		"messages":   req.Messages,
		"stream":     req.Stream,
	}

	if isOAuth {
		system := []map[string]string{{"type": "text", "text": credential.RequiredSystemPrompt}}
		if req.System != "" {
			system = append(system, map[string]string{"type": "text", "text": req.System})
		}
		body["system"] = system
	} else if req.System != "" {
		body["system"] = req.System
	}

	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}

	return body
}

// sanitizeJSONStrings strips NUL and BOM characters from every string in a
// marshaled JSON document. Both break the upstream parser when they leak in
// from tool output.
func sanitizeJSONStrings(raw []byte) []byte {
	// encoding/json escapes NUL as \u0000 but leaves the BOM as raw UTF-8.
	if !bytes.Contains(raw, []byte(`\u0000`)) && !bytes.Contains(raw, []byte("\uFEFF")) {
		return raw
	}
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return raw
	}
	sanitizeValue(&value)
	cleaned, err := json.Marshal(value)
	if err != nil {
		return raw
	}
	return cleaned
}

func sanitizeValue(v *interface{}) {
	switch typed := (*v).(type) {
	case string:
		*v = strings.NewReplacer("\x00", "", "\uFEFF", "").Replace(typed)
	case []interface{}:
		for i := range typed {
			sanitizeValue(&typed[i])
		}
	case map[string]interface{}:
		for k := range typed {
			item := typed[k]
			sanitizeValue(&item)
			typed[k] = item
		}
	}
}

// cancelReadCloser ties the per-call timeout context to the response body:
// the timeout keeps covering streaming reads, and Close releases the timer.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}
