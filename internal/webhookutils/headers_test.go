package webhookutils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte(`{"action":"opened"}`)

	assert.True(t, VerifySignature(secret, body, sign(secret, body)))
	assert.False(t, VerifySignature(secret, body, sign([]byte("wrong"), body)))
	assert.False(t, VerifySignature(secret, body, "sha256=nothex"))
	assert.False(t, VerifySignature(secret, body, ""))
	assert.False(t, VerifySignature(secret, body, "sha1=deadbeef"))
}

func TestVerifySignatureEmptySecretDisables(t *testing.T) {
	assert.True(t, VerifySignature(nil, []byte("anything"), ""))
}

func TestEventDelivery(t *testing.T) {
	h := http.Header{}
	h.Set("X-Github-Event", "pull_request")
	h.Set("X-Github-Delivery", "d-123")

	event, delivery := EventDelivery(h)
	assert.Equal(t, "pull_request", event)
	assert.Equal(t, "d-123", delivery)
}
