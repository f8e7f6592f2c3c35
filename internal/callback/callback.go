// Package callback encodes and decodes the HMAC-signed inline-keyboard
// callback tokens carried in Telegram callback_data — spec.md §4.1.3.
//
// No library in the retrieved example corpus signs or verifies an HMAC
// (grep across every repo under _examples/ for "hmac" found zero hits), so
// this is built directly on crypto/hmac + crypto/sha256, which is the
// standard, idiomatic Go way to do this regardless.
package callback

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

// ErrInvalidToken is returned for a tampered MAC, missing fields, or a
// context mismatch.
var ErrInvalidToken = errors.New("callback: invalid token")

// Payload is the minimal signed shape: which request, which action.
type Payload struct {
	RequestID string
	ActionID  string
}

// Encode compactly encodes payload, HMAC-signed with secret over the
// canonical fields and an optional context string, and returns a token that
// fits within the provider's callback_data byte limit (spec: ≤64 bytes).
func Encode(p Payload, secret string, context string) (string, error) {
	if p.RequestID == "" || p.ActionID == "" {
		return "", ErrInvalidToken
	}
	body := canonicalBody(p.RequestID, p.ActionID)
	mac := sign(secret, body, context)
	// 6 bytes of MAC (base64url, no padding) is enough to deter tampering
	// within the tight callback_data budget while leaving room for the
	// request/action ids themselves.
	sig := base64.RawURLEncoding.EncodeToString(mac)[:8]
	token := body + "." + sig
	if len(token) > maxCallbackDataBytes {
		return "", ErrInvalidToken
	}
	return token, nil
}

// maxCallbackDataBytes is Telegram's callback_data byte limit.
const maxCallbackDataBytes = 64

// Decode verifies and unpacks a token produced by Encode. It returns
// ErrInvalidToken on a tampered MAC, a malformed token, or a context
// mismatch.
func Decode(token string, secret string, context string) (Payload, error) {
	idx := strings.LastIndex(token, ".")
	if idx <= 0 || idx == len(token)-1 {
		return Payload{}, ErrInvalidToken
	}
	body, sig := token[:idx], token[idx+1:]

	parts := strings.SplitN(body, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Payload{}, ErrInvalidToken
	}

	mac := sign(secret, body, context)
	want := base64.RawURLEncoding.EncodeToString(mac)[:8]
	if subtle.ConstantTimeCompare([]byte(sig), []byte(want)) != 1 {
		return Payload{}, ErrInvalidToken
	}

	return Payload{RequestID: parts[0], ActionID: parts[1]}, nil
}

func canonicalBody(requestID, actionID string) string {
	return requestID + ":" + actionID
}

func sign(secret, body, context string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	if context != "" {
		mac.Write([]byte{0})
		mac.Write([]byte(context))
	}
	return mac.Sum(nil)
}
