package cryptoutils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/ruteri/identity-lifecycle-backend/interfaces"
)

const (
	// HeaderPayloadDigest carries the hex HMAC-SHA256 of the webhook body.
	HeaderPayloadDigest = "X-Payload-Digest"
	// HeaderPayloadSignature is the legacy name of the same header.
	HeaderPayloadSignature = "X-Payload-Signature"
)

// WebhookVerifier authenticates provider callbacks with a shared secret.
type WebhookVerifier struct {
	secret []byte
}

// NewWebhookVerifier returns a verifier for secret. An empty secret is a
// configuration error: unsigned webhooks are never accepted.
func NewWebhookVerifier(secret string) (*WebhookVerifier, error) {
	if secret == "" {
		return nil, interfaces.Errorf(interfaces.ErrConfiguration, "cryptoutils.NewWebhookVerifier", "webhook secret not configured")
	}
	return &WebhookVerifier{secret: []byte(secret)}, nil
}

// Verify checks signature against the HMAC-SHA256 of payload. The signature
// is a hex digest, optionally prefixed with "sha256=". The comparison is
// constant time.
func (v *WebhookVerifier) Verify(payload []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	signature = strings.TrimPrefix(signature, "sha256=")
	if signature == "" {
		return interfaces.Errorf(interfaces.ErrAuthentication, "webhook.Verify", "missing payload signature")
	}

	presented, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return interfaces.Errorf(interfaces.ErrAuthentication, "webhook.Verify", "malformed payload signature")
	}

	if !hmac.Equal(presented, HMACSHA256(v.secret, payload)) {
		return interfaces.Errorf(interfaces.ErrAuthentication, "webhook.Verify", "payload signature mismatch")
	}
	return nil
}

// Sign returns the hex signature the provider would send for payload.
func (v *WebhookVerifier) Sign(payload []byte) string {
	return hex.EncodeToString(HMACSHA256(v.secret, payload))
}

// SignatureFromHeaders extracts the payload signature, preferring the digest
// header over the legacy one.
func SignatureFromHeaders(h http.Header) string {
	if sig := h.Get(HeaderPayloadDigest); sig != "" {
		return sig
	}
	return h.Get(HeaderPayloadSignature)
}

// HMACSHA256 computes the raw HMAC-SHA256 of data under key.
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
