// Package signature implements HMAC payload signing plus the platform's
// JSAPI ticket URL signature. Pure functions, no state.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Sign canonicalizes payload (keys sorted, joined as k=v&k=v), computes
// HMAC-SHA256 with secret, and returns the hex digest.
func Sign(payload map[string]string, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonicalize(payload)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time.
func Verify(payload map[string]string, secret, sig string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonicalize(payload)))
	return hmac.Equal(mac.Sum(nil), want)
}

// TicketSignature builds the documented JSAPI signing string and applies
// SHA-1. Field order and hash are a wire contract with the platform; do
// not reorder.
func TicketSignature(ticket, nonce string, timestamp int64, url string) string {
	s := fmt.Sprintf("jsapi_ticket=%s&noncestr=%s&timestamp=%d&url=%s", ticket, nonce, timestamp, url)
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func canonicalize(payload map[string]string) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+payload[k])
	}
	return strings.Join(parts, "&")
}
