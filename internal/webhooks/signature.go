package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader is the HTTP header carrying the provider's body signature.
const SignatureHeader = "X-Payment-Signature"

// ErrBadSignature is returned when the signature does not match the body.
var ErrBadSignature = errors.New("invalid webhook signature")

// ComputeSignature returns the hex HMAC-SHA256 of the body under the shared secret.
func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a provider signature header against the raw body.
// The header may carry a "sha256=" prefix.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" || header == "" {
		return ErrBadSignature
	}
	header = strings.TrimPrefix(header, "sha256=")

	expected, err := hex.DecodeString(ComputeSignature(secret, body))
	if err != nil {
		return ErrBadSignature
	}
	presented, err := hex.DecodeString(header)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal(expected, presented) {
		return ErrBadSignature
	}
	return nil
}
