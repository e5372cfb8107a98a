package crypto

import (
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestVault_RoundTrip(t *testing.T) {
	v := NewVault("test-master-secret", zap.NewNop())

	inputs := []string{
		"",
		"sk-ant-api03-abcdef",
		"multi\nline\ntoken",
		"unicode żółć 日本語",
		strings.Repeat("x", 4096),
	}

	for _, in := range inputs {
		enc := v.Encrypt(in)
		if !strings.HasPrefix(enc, "enc:") {
			t.Fatalf("expected enc: prefix, got %q", enc[:minInt(len(enc), 10)])
		}
		out, err := v.Decrypt(enc)
		if err != nil {
			t.Fatalf("decrypt failed: %v", err)
		}
		if out != in {
			t.Fatalf("round trip mismatch: got %q want %q", out, in)
		}
	}
}

func TestVault_LegacyPlaintextPassthrough(t *testing.T) {
	v := NewVault("secret", zap.NewNop())

	out, err := v.Decrypt("legacy-plaintext-token")
	if err != nil {
		t.Fatalf("legacy decrypt should not fail: %v", err)
	}
	if out != "legacy-plaintext-token" {
		t.Fatalf("legacy value should pass through unchanged, got %q", out)
	}
}

func TestVault_NoKeyIsIdentity(t *testing.T) {
	v := NewVault("", zap.NewNop())

	if v.Enabled() {
		t.Fatal("vault without secret should be disabled")
	}
	if got := v.Encrypt("secret-value"); got != "secret-value" {
		t.Fatalf("encrypt without key should be identity, got %q", got)
	}
	out, err := v.Decrypt("secret-value")
	if err != nil || out != "secret-value" {
		t.Fatalf("decrypt without key should be identity, got %q err=%v", out, err)
	}
}

func TestVault_WrongKeyFails(t *testing.T) {
	v1 := NewVault("key-one", zap.NewNop())
	v2 := NewVault("key-two", zap.NewNop())

	enc := v1.Encrypt("payload")
	if _, err := v2.Decrypt(enc); err == nil {
		t.Fatal("decrypt with wrong key should fail")
	}
}

func TestVault_TamperedCiphertextFails(t *testing.T) {
	v := NewVault("secret", zap.NewNop())

	if _, err := v.Decrypt("enc:not-base64!!!"); err == nil {
		t.Fatal("invalid base64 should fail")
	}
	if _, err := v.Decrypt("enc:QUJD"); err == nil {
		t.Fatal("ciphertext shorter than nonce should fail")
	}
}

func TestVault_NonceUniqueness(t *testing.T) {
	v := NewVault("secret", zap.NewNop())

	a := v.Encrypt("same-plaintext")
	b := v.Encrypt("same-plaintext")
	if a == b {
		t.Fatal("two encryptions of the same plaintext must differ (per-record nonce)")
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
