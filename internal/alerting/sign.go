// Package alerting signs and delivers webhook notifications for canary
// events, and records every delivery attempt.
package alerting

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// SignPayload computes the hex HMAC-SHA256 of the payload's canonical
// JSON form. Map keys are serialized in sorted order, so the signature
// is stable across processes for the same payload.
func SignPayload(secret string, payload map[string]interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifySignature checks a received signature against the payload in
// constant time.
func VerifySignature(secret string, payload map[string]interface{}, signature string) bool {
	expected, err := SignPayload(secret, payload)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
