package crypto

import (
	"strings"
	"testing"
)

func TestEncryptDecryptSecret_RoundTrip(t *testing.T) {
	blob, err := EncryptSecret("vendor-secret-123", "hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, err := DecryptSecret(blob, "hunter2")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != "vendor-secret-123" {
		t.Fatalf("secret=%q want=%q", got, "vendor-secret-123")
	}
}

func TestDecryptSecret_WrongPassword(t *testing.T) {
	blob, err := EncryptSecret("vendor-secret-123", "hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := DecryptSecret(blob, "nope"); err == nil {
		t.Fatalf("wrong password must fail authentication")
	}
}

func TestEncryptSecret_RequiresInputs(t *testing.T) {
	if _, err := EncryptSecret("", "hunter2"); err == nil {
		t.Fatalf("empty secret accepted")
	}
	if _, err := EncryptSecret("s", ""); err == nil {
		t.Fatalf("empty password accepted")
	}
}

func TestLoadSecret_RawTakesPrecedence(t *testing.T) {
	got, err := LoadSecret(SecretConfig{RawSecret: "raw", EncryptedSecretPath: "/does/not/exist"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != "raw" {
		t.Fatalf("secret=%q want=raw", got)
	}

	if _, err := LoadSecret(SecretConfig{}); err == nil {
		t.Fatalf("empty config must fail")
	}
}

func TestHMACHeaders_Deterministic(t *testing.T) {
	auth := &HMACAuth{Key: "key-1", Secret: "c2VjcmV0LWJ5dGVz"} // base64 "secret-bytes"

	a := auth.HeadersAt("GET", "/v1/options/SPY/quote", "", 1741615200)
	b := auth.HeadersAt("GET", "/v1/options/SPY/quote", "", 1741615200)

	if a["X-API-SIGNATURE"] == "" || a["X-API-SIGNATURE"] != b["X-API-SIGNATURE"] {
		t.Fatalf("signature not deterministic: %q vs %q", a["X-API-SIGNATURE"], b["X-API-SIGNATURE"])
	}
	if a["X-API-KEY"] != "key-1" || a["X-API-TIMESTAMP"] != "1741615200" {
		t.Fatalf("header material wrong: %v", a)
	}

	// Any change to the message changes the signature.
	c := auth.HeadersAt("POST", "/v1/options/SPY/quote", "", 1741615200)
	if c["X-API-SIGNATURE"] == a["X-API-SIGNATURE"] {
		t.Fatalf("method not part of the signed message")
	}
}

func TestHMACVerify(t *testing.T) {
	auth := &HMACAuth{Key: "key-1", Secret: "c2VjcmV0LWJ5dGVz"}

	h := auth.HeadersAt("GET", "/v1/underlying/SPY", "", 1741615200)
	if !auth.Verify("GET", "/v1/underlying/SPY", "", h["X-API-TIMESTAMP"], h["X-API-SIGNATURE"]) {
		t.Fatalf("valid signature rejected")
	}
	if auth.Verify("GET", "/v1/underlying/QQQ", "", h["X-API-TIMESTAMP"], h["X-API-SIGNATURE"]) {
		t.Fatalf("signature for another path accepted")
	}
}

func TestHMACAuth_StringRedacts(t *testing.T) {
	auth := &HMACAuth{Key: "key-123456", Secret: "super-secret-value"}

	s := auth.String()
	if strings.Contains(s, "super-secret-value") || strings.Contains(s, "123456") {
		t.Fatalf("credentials leaked in %q", s)
	}
	if !strings.Contains(s, "key-") {
		t.Fatalf("redacted prefix missing in %q", s)
	}
}
