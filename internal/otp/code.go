// Package otp issues email verification codes and throttles resends.
package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// CodeTTL is how long an issued code stays valid.
const CodeTTL = 10 * time.Minute

const codeDigits = 6

var (
	ErrInvalidCode = errors.New("invalid verification code")
	ErrExpired     = errors.New("verification code expired")
)

// Generate returns a random zero-padded 6-digit code.
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// Hash is the form a code is stored in.
func Hash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Verify checks a submitted code against the stored hash.
func Verify(storedHash string, expiresAt time.Time, code string, now time.Time) error {
	if len(code) != codeDigits {
		return ErrInvalidCode
	}
	if subtle.ConstantTimeCompare([]byte(Hash(code)), []byte(storedHash)) != 1 {
		return ErrInvalidCode
	}
	if now.After(expiresAt) {
		return ErrExpired
	}
	return nil
}
