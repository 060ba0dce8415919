package boxuser

import (
	"crypto/sha256"
	"crypto/subtle"
)

// HashPassword derives the stored digest for a plaintext password. See
// user.go for why a SHA-256 digest is enough here rather than a real
// KDF (DESIGN.md has the full reasoning).
func HashPassword(password []byte) [PasswordHashLen]byte {
	sum := sha256.Sum256(password)
	var out [PasswordHashLen]byte
	copy(out[:], sum[:PasswordHashLen])
	return out
}

// VerifyPassword reports whether password hashes to u's stored digest,
// using a constant-time compare so a timing side-channel can't narrow
// down the digest byte by byte.
func VerifyPassword(u *User, password []byte) error {
	got := HashPassword(password)
	if subtle.ConstantTimeCompare(got[:], u.PasswordHash[:]) != 1 {
		return ErrPasswordMismatch
	}
	return nil
}
