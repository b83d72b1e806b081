package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAppSecret = "test-app-secret-0123456789abcdef"

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhookSignatureValid(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account","entry":[]}`)

	r := httptest.NewRequest("POST", "/webhook/whatsapp", bytes.NewReader(body))
	r.Header.Set("X-Hub-Signature-256", signBody(testAppSecret, body))

	got, err := verifyWebhookSignature(r, testAppSecret)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestVerifyWebhookSignatureMismatch(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account"}`)

	r := httptest.NewRequest("POST", "/webhook/whatsapp", bytes.NewReader(body))
	r.Header.Set("X-Hub-Signature-256", signBody("other-secret", body))

	_, err := verifyWebhookSignature(r, testAppSecret)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature mismatch")
}

func TestVerifyWebhookSignatureTamperedBody(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account"}`)
	signature := signBody(testAppSecret, body)

	r := httptest.NewRequest("POST", "/webhook/whatsapp", bytes.NewReader([]byte(`{"object":"tampered"}`)))
	r.Header.Set("X-Hub-Signature-256", signature)

	_, err := verifyWebhookSignature(r, testAppSecret)
	require.Error(t, err)
}

func TestVerifyWebhookSignatureMissingHeader(t *testing.T) {
	r := httptest.NewRequest("POST", "/webhook/whatsapp", bytes.NewReader([]byte(`{}`)))

	_, err := verifyWebhookSignature(r, testAppSecret)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing signature header")
}

func TestVerifyWebhookSignatureMalformedHeader(t *testing.T) {
	r := httptest.NewRequest("POST", "/webhook/whatsapp", bytes.NewReader([]byte(`{}`)))
	r.Header.Set("X-Hub-Signature-256", "md5=abcdef")

	_, err := verifyWebhookSignature(r, testAppSecret)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid signature format")
}

func TestVerifyWebhookSignatureSkippedWithoutSecret(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account"}`)
	r := httptest.NewRequest("POST", "/webhook/whatsapp", bytes.NewReader(body))

	got, err := verifyWebhookSignature(r, "")
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestVerifyWebhookSignatureRequiredInProduction(t *testing.T) {
	t.Setenv("WAGATE_ENV", "production")

	r := httptest.NewRequest("POST", "/webhook/whatsapp", bytes.NewReader([]byte(`{}`)))

	_, err := verifyWebhookSignature(r, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required in production")
}

func TestVerifyWebhookSignatureBodyRestored(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account","entry":[]}`)

	r := httptest.NewRequest("POST", "/webhook/whatsapp", bytes.NewReader(body))
	r.Header.Set("X-Hub-Signature-256", signBody(testAppSecret, body))

	_, err := verifyWebhookSignature(r, testAppSecret)
	require.NoError(t, err)

	// The handler still sees the full body after verification consumed it.
	rest := make([]byte, len(body))
	n, _ := r.Body.Read(rest)
	assert.Equal(t, body, rest[:n])
}
