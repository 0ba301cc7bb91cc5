package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashSHA256 generates a SHA256 hash of the input string
func HashSHA256(input string) string {
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}

// SignValue appends an HMAC-SHA256 signature to a value so it can be
// round-tripped through an untrusted client (peer relay cookies).
func SignValue(value string, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(value))
	return value + ":" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyValue checks a value produced by SignValue and returns the
// original value on success.
func VerifyValue(signed string, key []byte) (string, bool) {
	idx := strings.LastIndexByte(signed, ':')
	if idx <= 0 || idx >= len(signed)-1 {
		return "", false
	}
	value, sig := signed[:idx], signed[idx+1:]
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(value))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return "", false
	}
	return value, true
}
