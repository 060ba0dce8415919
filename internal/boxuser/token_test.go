package boxuser_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/boxd/internal/boxuser"
)

// TestTokenAllocatorAcquireIsMonotonicWithinAWord confirms a fresh
// allocator hands out slots in ascending order, the find-first-set
// bitmap's natural behavior when nothing has been released yet.
func TestTokenAllocatorAcquireIsMonotonicWithinAWord(t *testing.T) {
	a := boxuser.NewTokenAllocator()

	for want := 0; want < 5; want++ {
		got, err := a.Acquire()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

// TestTokenAllocatorReleaseThenAcquireReusesSlot confirms a released
// token is handed back out before any higher-numbered slot, matching
// scenario E3's token reuse requirement.
func TestTokenAllocatorReleaseThenAcquireReusesSlot(t *testing.T) {
	a := boxuser.NewTokenAllocator()

	for i := 0; i < 4; i++ {
		_, err := a.Acquire()
		require.NoError(t, err)
	}

	a.Release(1)

	got, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 1, got, "a released slot must be reused before a new one is minted")

	next, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 4, next, "once the released slot is consumed, allocation resumes past the high-water mark")
}

// TestTokenAllocatorReleaseIsIdempotentOutsideRange confirms an
// out-of-range release is a silent no-op rather than a panic or
// corrupting another word's bitmap.
func TestTokenAllocatorReleaseIsIdempotentOutsideRange(t *testing.T) {
	a := boxuser.NewTokenAllocator()
	assert.NotPanics(t, func() {
		a.Release(-1)
		a.Release(boxuser.Capacity)
		a.Release(boxuser.Capacity + 100)
	})

	got, err := a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}

// TestTokenAllocatorExhaustionReturnsErrUserMax confirms Acquire fails
// once every slot up to Capacity is taken, rather than wrapping or
// returning a slot past the one-byte auth_token domain.
func TestTokenAllocatorExhaustionReturnsErrUserMax(t *testing.T) {
	a := boxuser.NewTokenAllocator()

	for i := 0; i < boxuser.Capacity; i++ {
		_, err := a.Acquire()
		require.NoError(t, err)
	}

	_, err := a.Acquire()
	assert.ErrorIs(t, err, boxuser.ErrUserMax)
}
