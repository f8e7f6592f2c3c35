package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// CanonicalHMACInput builds the exact string signed by both the ingress and
// the worker side — spec.md §4.6: "<timestamp>.<nonce>.<body>", decimal
// seconds timestamp and the raw UTF-8 body. Invariant 4 (HMAC parity)
// depends on both sides building this string identically.
func CanonicalHMACInput(timestamp, nonce string, body []byte) string {
	return timestamp + "." + nonce + "." + string(body)
}

// SignHMAC returns the lower-case hex HMAC-SHA256 of the canonical input.
func SignHMAC(secret, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(CanonicalHMACInput(timestamp, nonce, body)))
	return hex.EncodeToString(mac.Sum(nil))
}
