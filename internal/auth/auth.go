// Package auth implements the challenge-response exchange used to gate
// password-protected transfers. The verifier issues a fresh random
// challenge; the prover returns a value derived from the shared password
// and that challenge. Challenges are single use: bookkeeping for that
// lives with the caller, this package is stateless.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	challengeBytes = 16
	responseBytes  = 32
	kdfIterations  = 4096
)

// GenerateChallenge returns a fresh random hex challenge.
func GenerateChallenge() (string, error) {
	buf := make([]byte, challengeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generating challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ComputeResponse derives the expected answer for a challenge from the
// shared password. Both sides run the same derivation; byte-for-byte
// equality of the results is the only acceptance criterion.
func ComputeResponse(password, challenge string) string {
	key := pbkdf2.Key([]byte(password), []byte(challenge), kdfIterations, responseBytes, sha256.New)
	return hex.EncodeToString(key)
}

// VerifyResponse checks a received response against the expected one in
// constant time.
func VerifyResponse(password, challenge, response string) bool {
	expected := ComputeResponse(password, challenge)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(response)) == 1
}
