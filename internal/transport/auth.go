// Package transport implements the sync wire protocol's authentication,
// framing, heartbeat, and reconnection back-off, grounded on
// original_source/sync-server/src/auth.rs (HMAC scheme) and the
// teacher's internal/turso/dashboard/server.go (coder/websocket usage).
package transport

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"
)

// MaxTimestampSkew is the maximum allowed difference between an
// authenticate frame's timestamp and the server's clock.
const MaxTimestampSkew = 5 * time.Minute

// APIKeyPrefix and SecretPrefix mark generated credential strings, per
// original_source/sync-server/src/auth.rs's "rpa_"/"rps_" convention.
const (
	APIKeyPrefix = "rpa_"
	SecretPrefix = "rps_"
)

// GenerateCredentials creates a fresh, random (api_key, secret) pair.
func GenerateCredentials() (apiKey, secret string, err error) {
	keyBytes := make([]byte, 32)
	if _, err = rand.Read(keyBytes); err != nil {
		return "", "", fmt.Errorf("transport: generate api key: %w", err)
	}
	secretBytes := make([]byte, 32)
	if _, err = rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("transport: generate secret: %w", err)
	}
	return APIKeyPrefix + hex.EncodeToString(keyBytes), SecretPrefix + hex.EncodeToString(secretBytes), nil
}

// SignatureMessage builds the exact string that gets HMAC-signed:
// "{timestamp}.{email}.{api_key}.{body}".
func SignatureMessage(timestamp int64, email, apiKey, body string) string {
	return fmt.Sprintf("%d.%s.%s.%s", timestamp, email, apiKey, body)
}

// Sign computes the hex-encoded HMAC-SHA256 signature of an
// authenticate frame using the credential's secret.
func Sign(secret string, timestamp int64, email, apiKey, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(SignatureMessage(timestamp, email, apiKey, body)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature in constant time against the
// expected value derived from secret, rejecting frames whose timestamp
// skew exceeds MaxTimestampSkew.
func VerifySignature(secret string, timestamp int64, email, apiKey, body, signature string, now time.Time) bool {
	skew := now.Unix() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > MaxTimestampSkew {
		return false
	}
	expected := Sign(secret, timestamp, email, apiKey, body)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
