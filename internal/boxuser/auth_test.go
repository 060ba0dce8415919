package boxuser_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/boxd/internal/boxuser"
)

// TestHashPasswordIsDeterministicAndWidthBound confirms the same
// plaintext always hashes to the same digest, and the digest is
// exactly PasswordHashLen wide.
func TestHashPasswordIsDeterministicAndWidthBound(t *testing.T) {
	a := boxuser.HashPassword([]byte("correct horse"))
	b := boxuser.HashPassword([]byte("correct horse"))
	assert.Equal(t, a, b)
	assert.Len(t, a, boxuser.PasswordHashLen)

	c := boxuser.HashPassword([]byte("different"))
	assert.NotEqual(t, a, c)
}

// TestVerifyPasswordRoundTrips confirms a user hashed with one
// password verifies against it and rejects anything else.
func TestVerifyPasswordRoundTrips(t *testing.T) {
	u := &boxuser.User{Name: "alice", PasswordHash: boxuser.HashPassword([]byte("s3cret"))}

	require.NoError(t, boxuser.VerifyPassword(u, []byte("s3cret")))
	assert.ErrorIs(t, boxuser.VerifyPassword(u, []byte("wrong")), boxuser.ErrPasswordMismatch)
	assert.ErrorIs(t, boxuser.VerifyPassword(u, nil), boxuser.ErrPasswordMismatch)
}
