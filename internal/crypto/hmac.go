package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// HMACAuth holds the credentials for HMAC-authenticated requests against
// the market data vendor's REST API.
type HMACAuth struct {
	Key    string // API key
	Secret string // API secret, base64-encoded
}

// Headers returns the HTTP headers for an authenticated request. The
// signature is HMAC-SHA256(secret, timestamp+method+path+body) encoded as
// base64.
//
// Returned header keys:
//   - X-API-KEY
//   - X-API-TIMESTAMP
//   - X-API-SIGNATURE
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers but lets the caller supply the Unix timestamp
// (useful for deterministic testing).
func (h *HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)

	secretBytes, err := base64.StdEncoding.DecodeString(h.Secret)
	if err != nil {
		// A non-base64 secret is used raw.
		secretBytes = []byte(h.Secret)
	}

	message := ts + method + path + body
	sig := hmacSHA256Base64(secretBytes, message)

	return map[string]string{
		"X-API-KEY":       h.Key,
		"X-API-TIMESTAMP": ts,
		"X-API-SIGNATURE": sig,
	}
}

// Verify checks a signature produced by HeadersAt against the same message
// material. The comparison is constant-time.
func (h *HMACAuth) Verify(method, path, body, timestamp, signature string) bool {
	secretBytes, err := base64.StdEncoding.DecodeString(h.Secret)
	if err != nil {
		secretBytes = []byte(h.Secret)
	}

	message := timestamp + method + path + body
	want := hmacSHA256Base64(secretBytes, message)
	return hmac.Equal([]byte(want), []byte(signature))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
