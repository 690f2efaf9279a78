package qr

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"

	dErrors "handoff/pkg/domain-errors"
)

var codeSpace = big.NewInt(1000000)

// GenerateCode creates a cryptographically random 6-digit fallback code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("could not generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// HashCode creates a bcrypt hash of the code for storage. Only the hash ever
// leaves this package's caller; the plain code is shown once, on screen.
func HashCode(code string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("could not hash code: %w", err)
	}
	return string(hashed), nil
}

// VerifyCode checks a plaintext code against its stored hash.
func VerifyCode(code, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return dErrors.New(dErrors.CodeTokenInvalid, "confirmation code does not match")
		}
		return fmt.Errorf("could not verify code: %w", err)
	}
	return nil
}
