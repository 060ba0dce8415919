package catalog_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/boxd/internal/boxuser"
	"github.com/ocx/boxd/internal/catalog"
	"github.com/ocx/boxd/internal/errcode"
)

func TestCreateSpaceAndIndexBumpsSchemaVersion(t *testing.T) {
	c := catalog.New(nil)
	require.Zero(t, c.SchemaVersion())

	require.NoError(t, c.CreateSpace(catalog.Space{ID: 512, Name: "tester", Engine: "memtx"}))
	assert.Equal(t, uint64(1), c.SchemaVersion())

	require.NoError(t, c.CreateIndex(catalog.IndexDef{ID: 0, SpaceID: 512, Name: "primary", Type: "tree", Unique: true}))
	assert.Equal(t, uint64(2), c.SchemaVersion())

	history := c.History()
	require.Len(t, history, 2)
	assert.Equal(t, "create_space", history[0].Op)
	assert.Equal(t, "create_index", history[1].Op)
}

func TestCreateSpaceRejectsDuplicateNameAndID(t *testing.T) {
	c := catalog.New(nil)
	require.NoError(t, c.CreateSpace(catalog.Space{ID: 1, Name: "dup"}))
	assert.Error(t, c.CreateSpace(catalog.Space{ID: 1, Name: "other"}))
	assert.Error(t, c.CreateSpace(catalog.Space{ID: 2, Name: "dup"}))
}

func TestDropPrimaryIndexWithSecondariesRejected(t *testing.T) {
	c := catalog.New(nil)
	require.NoError(t, c.CreateSpace(catalog.Space{ID: 1, Name: "s"}))
	require.NoError(t, c.CreateIndex(catalog.IndexDef{ID: 0, SpaceID: 1, Name: "primary"}))
	require.NoError(t, c.CreateIndex(catalog.IndexDef{ID: 1, SpaceID: 1, Name: "secondary"}))

	assert.Error(t, c.DropIndex(1, 0))
	assert.NoError(t, c.DropIndex(1, 1))
	assert.NoError(t, c.DropIndex(1, 0))
}

func TestCheckAccessOwnerBypassesUniversalAccess(t *testing.T) {
	c := catalog.New(nil)
	require.NoError(t, c.CreateSpace(catalog.Space{ID: 1, Name: "owned", Owner: 10}))

	owner := &boxuser.User{UID: 10}
	assert.NoError(t, c.CheckAccess(owner, 1, boxuser.AccessWrite))

	stranger := &boxuser.User{UID: 20}
	assert.Error(t, c.CheckAccess(stranger, 1, boxuser.AccessWrite))

	privileged := &boxuser.User{UID: 30, UniversalAccess: uint8(boxuser.AccessWrite)}
	assert.NoError(t, c.CheckAccess(privileged, 1, boxuser.AccessWrite))
}

// TestCheckAccessMissingSpaceAlwaysReportsNoSuchSpace confirms the
// space lookup runs before the universal-access shortcut: a universally
// privileged caller must not get a silent pass against a space that
// was never created, and an unprivileged caller must not get
// ER_UNKNOWN in its place.
func TestCheckAccessMissingSpaceAlwaysReportsNoSuchSpace(t *testing.T) {
	c := catalog.New(nil)

	admin := &boxuser.User{UID: 1, UniversalAccess: uint8(boxuser.AccessRead | boxuser.AccessWrite | boxuser.AccessExecute)}
	err := c.CheckAccess(admin, 9999, boxuser.AccessRead)
	require.Error(t, err)
	ce, ok := err.(*errcode.Error)
	require.True(t, ok, "expected *errcode.Error, got %T", err)
	assert.Equal(t, errcode.ErNoSuchSpace, ce.Code)
	assert.Equal(t, "Space '9999' does not exist", ce.Message)

	guest := &boxuser.User{UID: 0}
	err = c.CheckAccess(guest, 9999, boxuser.AccessRead)
	require.Error(t, err)
	ce, ok = err.(*errcode.Error)
	require.True(t, ok, "expected *errcode.Error, got %T", err)
	assert.Equal(t, errcode.ErNoSuchSpace, ce.Code)
}
