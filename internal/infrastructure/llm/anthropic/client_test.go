package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/domain/entity"
	"github.com/hydragate/hydragate/internal/infrastructure/credential"
)

type staticCreds struct {
	cred credential.Credential
	ok   bool
}

func (s staticCreds) GetCredential(context.Context) (credential.Credential, bool) {
	return s.cred, s.ok
}

func TestClient_APIKeyHeaders(t *testing.T) {
	var gotHeaders http.Header
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, staticCreds{credential.Credential{Kind: credential.KindAPIKey, Secret: "sk-test"}, true}, zap.NewNop())
	resp, err := client.Do(context.Background(), &Request{
		Model:     "claude-sonnet-4-6",
		MaxTokens: 1024,
		System:    "be helpful",
		Messages:  []entity.ChatTurn{entity.UserText("hi")},
	}, 10*time.Second)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	resp.Body.Close()

	if gotHeaders.Get("x-api-key") != "sk-test" {
		t.Fatal("missing x-api-key header")
	}
	if gotHeaders.Get("anthropic-version") != "2023-06-01" {
		t.Fatal("missing anthropic-version header")
	}
	if gotHeaders.Get("Authorization") != "" {
		t.Fatal("API-key requests must not carry an Authorization header")
	}

	var body map[string]interface{}
	if err := json.Unmarshal(gotBody, &body); err != nil {
		t.Fatalf("body unmarshal: %v", err)
	}
	if body["system"] != "be helpful" {
		t.Fatalf("API-key system should stay a plain string: %v", body["system"])
	}
}

func TestClient_OAuthHeadersAndRequiredSystemBlock(t *testing.T) {
	var gotHeaders http.Header
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, staticCreds{credential.Credential{Kind: credential.KindOAuth, Secret: "oauth-token"}, true}, zap.NewNop())
	resp, err := client.Do(context.Background(), &Request{
		Model:     "claude-opus-4-6",
		MaxTokens: 1024,
		System:    "project prompt",
		Messages:  []entity.ChatTurn{entity.UserText("hi")},
	}, 10*time.Second)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	resp.Body.Close()

	if gotHeaders.Get("Authorization") != "Bearer oauth-token" {
		t.Fatal("missing Bearer authorization")
	}
	if gotHeaders.Get("anthropic-beta") == "" {
		t.Fatal("OAuth requests must set the anthropic-beta header")
	}
	if gotHeaders.Get("x-api-key") != "" {
		t.Fatal("OAuth requests must not carry x-api-key")
	}

	var body struct {
		System []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"system"`
	}
	if err := json.Unmarshal(gotBody, &body); err != nil {
		t.Fatalf("body unmarshal: %v", err)
	}
	if len(body.System) != 2 {
		t.Fatalf("expected 2 system blocks, got %d", len(body.System))
	}
	if body.System[0].Text != credential.RequiredSystemPrompt {
		t.Fatalf("first system block must be the required prompt, got %q", body.System[0].Text)
	}
	if body.System[1].Text != "project prompt" {
		t.Fatalf("second system block should carry the resolved prompt, got %q", body.System[1].Text)
	}
}

func TestClient_NoCredential(t *testing.T) {
	client := NewClient("", staticCreds{ok: false}, zap.NewNop())
	if _, err := client.Do(context.Background(), &Request{Model: "m", MaxTokens: 1}, time.Second); err == nil {
		t.Fatal("expected unauthorized error")
	}
}

func TestSanitizeJSONStrings(t *testing.T) {
	raw, _ := json.Marshal(map[string]interface{}{
		"text":   "with\x00nul and \uFEFF bom",
		"nested": []interface{}{"a\x00b"},
		"clean":  "untouched",
	})

	cleaned := sanitizeJSONStrings(raw)

	var decoded map[string]interface{}
	if err := json.Unmarshal(cleaned, &decoded); err != nil {
		t.Fatalf("cleaned output must be valid JSON: %v", err)
	}
	if decoded["text"] != "withnul and  bom" {
		t.Fatalf("NUL/BOM not stripped: %q", decoded["text"])
	}
	nested := decoded["nested"].([]interface{})
	if nested[0] != "ab" {
		t.Fatalf("nested NUL not stripped: %q", nested[0])
	}
	if decoded["clean"] != "untouched" {
		t.Fatalf("clean string modified: %q", decoded["clean"])
	}
}

func TestSanitizeJSONStrings_FastPathLeavesCleanInputAlone(t *testing.T) {
	raw := []byte(`{"a":"b","c":[1,2,3]}`)
	if got := sanitizeJSONStrings(raw); string(got) != string(raw) {
		t.Fatalf("clean input should be returned as-is, got %s", got)
	}
	if !strings.Contains(string(raw), `"a"`) {
		t.Fatal("sanity")
	}
}
