// Package webhookutils holds the header and signature plumbing shared by
// webhook handlers.
package webhookutils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

const signaturePrefix = "sha256="

// VerifySignature checks a GitHub X-Hub-Signature-256 header against the
// raw request body. An empty secret disables verification (local dev).
func VerifySignature(secret, body []byte, signature string) bool {
	if len(secret) == 0 {
		return true
	}
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	want, err := hex.DecodeString(signature[len(signaturePrefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// EventDelivery extracts the GitHub event name and delivery id headers.
// http.Header.Get is case-insensitive, which matters because Go
// canonicalizes X-GitHub-Event to X-Github-Event on the wire.
func EventDelivery(h http.Header) (event, delivery string) {
	return h.Get("X-GitHub-Event"), h.Get("X-GitHub-Delivery")
}
