package auth

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// bcryptCost 12 keeps hashing around 250ms on current hardware, slow
// enough to blunt offline guessing without hurting interactive login.
const bcryptCost = 12

// HashPassword hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", errors.Wrapf(errors.KindInternal, err, "hash password")
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches the stored hash.
// Any comparison failure, including a corrupt hash, reads as a mismatch.
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
