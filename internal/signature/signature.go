package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix tags the digest algorithm in the signature header value.
const Prefix = "sha256="

// Sign returns "sha256=<hex>" for the HMAC-SHA256 of body keyed by secret.
// HMAC accepts keys of any length, including empty.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return Prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether header is a valid signature of body under secret.
func Verify(secret string, body []byte, header string) bool {
	if !strings.HasPrefix(header, Prefix) {
		return false
	}
	return hmac.Equal([]byte(header), []byte(Sign(secret, body)))
}
