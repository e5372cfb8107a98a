package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/domain/entity"
	"github.com/hydragate/hydragate/internal/infrastructure/credential"
	apperrors "github.com/hydragate/hydragate/pkg/errors"
)

// CredentialSource resolves the Google credential for each call.
type CredentialSource interface {
	GetCredential(ctx context.Context) (credential.Credential, bool)
}

// Request is one generateContent call built from the unified conversation.
type Request struct {
	Model       string
	System      string
	Messages    []entity.ChatTurn
	Temperature float64
	MaxTokens   int
}

// Client speaks the Gemini GenerateContent API. API keys go in
// x-goog-api-key; OAuth tokens use a Bearer authorization.
type Client struct {
	baseURL string
	creds   CredentialSource
	client  *http.Client
	logger  *zap.Logger
}

// NewClient creates a Gemini API client.
func NewClient(baseURL string, creds CredentialSource, logger *zap.Logger) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	return &Client{
		baseURL: baseURL,
		creds:   creds,
		client:  &http.Client{},
		logger:  logger.With(zap.String("provider", "google")),
	}
}

// Stream opens a streamGenerateContent?alt=sse call. The timeout covers the
// whole response; closing the body releases it.
func (c *Client) Stream(ctx context.Context, req *Request, timeout time.Duration) (*http.Response, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", c.baseURL, req.Model)
	return c.post(ctx, url, c.buildBody(req), timeout)
}

// Generate performs a non-streaming generateContent call and returns the
// first candidate's text.
func (c *Client) Generate(ctx context.Context, req *Request, timeout time.Duration) (string, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, req.Model)
	resp, err := c.post(ctx, url, c.buildBody(req), timeout)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.NewUpstreamError("read Gemini response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", apperrors.NewUpstreamError(fmt.Sprintf("Gemini API returned %d: %s", resp.StatusCode, truncate(string(body), 300)), nil)
	}
	return extractFirstText(body)
}

// GenerateVision sends a prompt plus inline media (image or PDF) and returns
// the model's text. The OCR tools run on this path.
func (c *Client) GenerateVision(ctx context.Context, model, prompt, mimeType, base64Data string, timeout time.Duration) (string, error) {
	body := map[string]interface{}{
		"contents": []interface{}{
			map[string]interface{}{
				"role": "user",
				"parts": []interface{}{
					map[string]interface{}{"text": prompt},
					map[string]interface{}{
						"inline_data": map[string]string{
							"mime_type": mimeType,
							"data":      base64Data,
						},
					},
				},
			},
		},
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, model)
	resp, err := c.post(ctx, url, body, timeout)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperrors.NewUpstreamError("read Gemini response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", apperrors.NewUpstreamError(fmt.Sprintf("Gemini API returned %d: %s", resp.StatusCode, truncate(string(raw), 300)), nil)
	}
	return extractFirstText(raw)
}

// ListModels fetches the provider model list for the registry.
func (c *Client) ListModels(ctx context.Context) ([]byte, error) {
	cred, ok := c.creds.GetCredential(ctx)
	if !ok {
		return nil, apperrors.NewUnauthorizedError("no Google credential configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.baseURL+"/v1beta/models", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	applyAuth(httpReq, cred)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewUpstreamError("Google models request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewUpstreamError(fmt.Sprintf("Google models API returned %d", resp.StatusCode), nil)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) post(ctx context.Context, url string, body interface{}, timeout time.Duration) (*http.Response, error) {
	cred, ok := c.creds.GetCredential(ctx)
	if !ok {
		return nil, apperrors.NewUnauthorizedError("no Google credential configured")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	applyAuth(httpReq, cred)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, apperrors.NewUpstreamError("Google API request failed", err)
	}

	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func applyAuth(req *http.Request, cred credential.Credential) {
	switch cred.Kind {
	case credential.KindOAuth:
		req.Header.Set("Authorization", "Bearer "+cred.Secret)
	default:
		req.Header.Set("x-goog-api-key", cred.Secret)
	}
}

// buildBody maps the unified conversation onto the Gemini wire shape:
// assistant → model, everything else → user, block turns flattened to text.
func (c *Client) buildBody(req *Request) map[string]interface{} {
	contents := make([]interface{}, 0, len(req.Messages))
	for _, turn := range req.Messages {
		role := "user"
		if turn.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, map[string]interface{}{
			"role":  role,
			"parts": []interface{}{map[string]string{"text": turn.PlainText()}},
		})
	}

	body := map[string]interface{}{
		"contents": contents,
		"generationConfig": map[string]interface{}{
			"temperature":     req.Temperature,
			"maxOutputTokens": req.MaxTokens,
		},
	}
	if req.System != "" {
		body["systemInstruction"] = map[string]interface{}{
			"parts": []interface{}{map[string]string{"text": req.System}},
		}
	}
	return body
}

func extractFirstText(raw []byte) (string, error) {
	var parsed struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", apperrors.NewUpstreamError("parse Gemini response", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", apperrors.NewUpstreamError("Gemini response has no candidates", nil)
	}
	var out strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		out.WriteString(part.Text)
	}
	return out.String(), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}
