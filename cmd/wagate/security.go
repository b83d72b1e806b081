package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// verifyWebhookSignature checks the X-Hub-Signature-256 header the Cloud API
// signs every delivery with. It returns the body so the handler does not
// read it twice. Without a configured app secret verification is skipped
// outside production.
func verifyWebhookSignature(r *http.Request, appSecret string) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewBuffer(body))

	if appSecret == "" {
		if os.Getenv("WAGATE_ENV") == "production" {
			return nil, fmt.Errorf("webhook app secret is required in production mode")
		}
		return body, nil
	}

	signatureHeader := r.Header.Get("X-Hub-Signature-256")
	if signatureHeader == "" {
		return nil, fmt.Errorf("missing signature header: X-Hub-Signature-256")
	}

	parts := strings.SplitN(signatureHeader, "=", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "sha256" {
		return nil, fmt.Errorf("invalid signature format in header X-Hub-Signature-256")
	}
	expectedSignatureHex := parts[1]

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	computedSignatureHex := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(computedSignatureHex), []byte(expectedSignatureHex)) {
		return nil, fmt.Errorf("signature mismatch")
	}

	return body, nil
}
