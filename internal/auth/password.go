package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// bcrypt ignores input past 72 bytes; longer passwords are refused instead of truncated.
const maxPasswordBytes = 72

var ErrPasswordTooLong = errors.New("password longer than 72 bytes")

// placeholderHash is compared against when the email is unknown so a failed login
// costs the same whether or not the account exists.
var placeholderHash, _ = bcrypt.GenerateFromPassword([]byte("aura-live-placeholder"), bcrypt.DefaultCost)

// HashPassword hashes a plain password with bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) > maxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}

// CheckPassword reports whether plain matches hashed. An empty hash always fails
// after doing the same work as a real comparison.
func CheckPassword(plain, hashed string) bool {
	if hashed == "" {
		_ = bcrypt.CompareHashAndPassword(placeholderHash, []byte(plain))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain)) == nil
}
