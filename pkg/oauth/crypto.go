package oauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// PKCEChallengeMethodS256 is the only PKCE method accepted (RFC 7636).
const PKCEChallengeMethodS256 = "S256"

// ComputePKCEChallenge computes BASE64URL(SHA256(code_verifier)) per
// RFC 7636 Section 4.2, delegating to golang.org/x/oauth2.
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCE checks a code_verifier against the stored S256 challenge using
// a constant-time comparison.
func VerifyPKCE(verifier, challenge string) bool {
	computed := ComputePKCEChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// GenerateSecret returns a cryptographically random base64url string of the
// given entropy in bytes. Used for authorization codes (16 bytes minimum),
// access and refresh tokens (32 bytes), and client secrets.
func GenerateSecret(numBytes int) (string, error) {
	buf := make([]byte, numBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
