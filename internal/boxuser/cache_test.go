package boxuser_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/boxd/internal/boxuser"
)

// TestNewBootstrapsGuestAndAdmin confirms the two pre-created
// principals land on their fixed uid/token pairs, admin carries full
// universal access, and admin's password hash matches the password
// New was seeded with rather than a zero-value digest.
func TestNewBootstrapsGuestAndAdmin(t *testing.T) {
	c := boxuser.New(nil, []byte("hunter2"))

	guest, err := c.FindByID(boxuser.GuestUID)
	require.NoError(t, err)
	assert.Equal(t, uint8(boxuser.GuestToken), guest.AuthToken)
	assert.Zero(t, guest.UniversalAccess)

	admin, err := c.FindByID(boxuser.AdminUID)
	require.NoError(t, err)
	assert.Equal(t, uint8(boxuser.AdminToken), admin.AuthToken)
	assert.True(t, boxuser.Has(admin.UniversalAccess, boxuser.AccessRead))
	assert.True(t, boxuser.Has(admin.UniversalAccess, boxuser.AccessWrite))
	assert.True(t, boxuser.Has(admin.UniversalAccess, boxuser.AccessExecute))

	require.NoError(t, boxuser.VerifyPassword(admin, []byte("hunter2")))
	assert.ErrorIs(t, boxuser.VerifyPassword(admin, []byte("wrong")), boxuser.ErrPasswordMismatch)
}

// TestReplaceOverwritesExistingUserPreservingToken confirms Replace on
// a known uid keeps its already-assigned token rather than minting a
// new one.
func TestReplaceOverwritesExistingUserPreservingToken(t *testing.T) {
	c := boxuser.New(nil, []byte("admin"))

	admin, err := c.FindByID(boxuser.AdminUID)
	require.NoError(t, err)
	originalToken := admin.AuthToken

	require.NoError(t, c.Replace(boxuser.User{UID: boxuser.AdminUID, Name: "admin", UniversalAccess: uint8(boxuser.AccessRead)}))

	updated, err := c.FindByID(boxuser.AdminUID)
	require.NoError(t, err)
	assert.Equal(t, originalToken, updated.AuthToken)
	assert.Equal(t, uint8(boxuser.AccessRead), updated.UniversalAccess)
}

// TestReplaceAssignsFreshTokenForNewUser confirms a uid the cache has
// not seen before is given the next free slot rather than colliding
// with guest or admin.
func TestReplaceAssignsFreshTokenForNewUser(t *testing.T) {
	c := boxuser.New(nil, []byte("admin"))

	require.NoError(t, c.Replace(boxuser.User{UID: 50, Name: "alice"}))

	alice, err := c.FindByID(50)
	require.NoError(t, err)
	assert.Greater(t, alice.AuthToken, uint8(boxuser.AdminToken))

	byName, err := c.FindByName("alice")
	require.NoError(t, err)
	assert.Equal(t, alice.AuthToken, byName.AuthToken)
}

// TestDeleteRejectsGuestAndAdmin confirms the two bootstrap principals
// can never be deleted through this path.
func TestDeleteRejectsGuestAndAdmin(t *testing.T) {
	c := boxuser.New(nil, []byte("admin"))
	assert.Error(t, c.Delete(boxuser.GuestUID))
	assert.Error(t, c.Delete(boxuser.AdminUID))
}

// TestDeleteReleasesTokenForReuse drives scenario E3: dropping a user
// frees its token slot, and the next Replace for a different uid is
// handed that same slot back rather than growing forever.
func TestDeleteReleasesTokenForReuse(t *testing.T) {
	c := boxuser.New(nil, []byte("admin"))

	require.NoError(t, c.Replace(boxuser.User{UID: 50, Name: "alice"}))
	alice, err := c.FindByID(50)
	require.NoError(t, err)
	freedToken := alice.AuthToken

	require.NoError(t, c.Delete(50))
	_, err = c.FindByID(50)
	assert.ErrorIs(t, err, boxuser.ErrNoSuchUser)

	require.NoError(t, c.Replace(boxuser.User{UID: 60, Name: "bob"}))
	bob, err := c.FindByID(60)
	require.NoError(t, err)
	assert.Equal(t, freedToken, bob.AuthToken, "a freed token must be reused before a new one is minted")
}

// TestCurrentUserSucceedsForValidSession confirms a session's
// (uid, token) pair resolves to the live principal occupying that
// slot.
func TestCurrentUserSucceedsForValidSession(t *testing.T) {
	c := boxuser.New(nil, []byte("admin"))

	u, err := c.CurrentUser(boxuser.AdminUID, uint8(boxuser.AdminToken))
	require.NoError(t, err)
	assert.Equal(t, "admin", u.Name)
}

// TestCurrentUserDetectsStaleTokenAfterReassignment confirms a session
// issued against a now-deleted user's token does not silently inherit
// whatever new principal was handed that slot - it surfaces
// ErrSessionClosed instead.
func TestCurrentUserDetectsStaleTokenAfterReassignment(t *testing.T) {
	c := boxuser.New(nil, []byte("admin"))

	require.NoError(t, c.Replace(boxuser.User{UID: 50, Name: "alice"}))
	alice, err := c.FindByID(50)
	require.NoError(t, err)
	staleToken := alice.AuthToken

	require.NoError(t, c.Delete(50))
	require.NoError(t, c.Replace(boxuser.User{UID: 60, Name: "bob"}))
	bob, err := c.FindByID(60)
	require.NoError(t, err)
	require.Equal(t, staleToken, bob.AuthToken, "test setup expects the slot to be reused")

	_, err = c.CurrentUser(50, staleToken)
	assert.ErrorIs(t, err, boxuser.ErrSessionClosed)

	u, err := c.CurrentUser(60, staleToken)
	require.NoError(t, err)
	assert.Equal(t, "bob", u.Name)
}

// TestGrantAndRevokeMutateUniversalAccess confirms Grant ORs and
// Revoke ANDs-complement the mask in place.
func TestGrantAndRevokeMutateUniversalAccess(t *testing.T) {
	c := boxuser.New(nil, []byte("admin"))
	require.NoError(t, c.Replace(boxuser.User{UID: 50, Name: "alice"}))

	require.NoError(t, c.Grant(50, uint8(boxuser.AccessRead|boxuser.AccessWrite)))
	alice, err := c.FindByID(50)
	require.NoError(t, err)
	assert.True(t, boxuser.Has(alice.UniversalAccess, boxuser.AccessRead))
	assert.True(t, boxuser.Has(alice.UniversalAccess, boxuser.AccessWrite))

	require.NoError(t, c.Revoke(50, uint8(boxuser.AccessWrite)))
	alice, err = c.FindByID(50)
	require.NoError(t, err)
	assert.True(t, boxuser.Has(alice.UniversalAccess, boxuser.AccessRead))
	assert.False(t, boxuser.Has(alice.UniversalAccess, boxuser.AccessWrite))
}

// TestFindByNameRejectsUnknownName confirms the linear-scan fallback
// reports ErrNoSuchUser rather than a zero-value user.
func TestFindByNameRejectsUnknownName(t *testing.T) {
	c := boxuser.New(nil, []byte("admin"))
	_, err := c.FindByName("nobody")
	assert.ErrorIs(t, err, boxuser.ErrNoSuchUser)
}

// TestCheckAccessRequiresUniversalAccessBit confirms the package-level
// CheckAccess (bootstrap-scoped, no catalog or ownership involved)
// only passes a user carrying the requested bit in universal_access.
func TestCheckAccessRequiresUniversalAccessBit(t *testing.T) {
	privileged := &boxuser.User{Name: "admin", UniversalAccess: uint8(boxuser.AccessRead)}
	assert.NoError(t, boxuser.CheckAccess(privileged, boxuser.AccessRead))

	unprivileged := &boxuser.User{Name: "guest"}
	assert.ErrorIs(t, boxuser.CheckAccess(unprivileged, boxuser.AccessRead), boxuser.ErrAccessDenied)
}
