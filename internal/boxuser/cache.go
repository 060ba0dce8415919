package boxuser

import (
	"fmt"
	"log/slog"
	"sync"
)

// Cache is the process-wide principal cache: a fixed user array indexed
// by token, a uid -> *User hashtable for O(1) lookup, and the token
// allocator backing it. The mutex guards against concurrent access:
// the request queue runs several worker goroutines at once, and admin
// operations may run alongside them or alongside recovery replay.
type Cache struct {
	mu     sync.RWMutex
	users  [Capacity]User
	byUID  map[uint32]*User
	tokens *TokenAllocator
	log    *slog.Logger
}

// New initializes the cache: zeros the user array, marks all slots
// free, and creates guest and admin before any vy_log/snapshot replay
// runs, so recovery can find its own credentials. adminPassword seeds
// admin's stored digest; without it AUTH could never succeed against
// a freshly bootstrapped cache, since a zero-value PasswordHash only
// matches an empty password.
func New(log *slog.Logger, adminPassword []byte) *Cache {
	if log == nil {
		log = slog.Default()
	}
	c := &Cache{
		byUID:  make(map[uint32]*User),
		tokens: NewTokenAllocator(),
		log:    log.With("component", "user_cache"),
	}
	guestTok, _ := c.tokens.Acquire() // always 0
	c.users[guestTok] = User{UID: GuestUID, Name: "guest", AuthToken: uint8(guestTok)}
	c.byUID[GuestUID] = &c.users[guestTok]

	adminTok, _ := c.tokens.Acquire() // always 1
	c.users[adminTok] = User{
		UID:             AdminUID,
		Name:            "admin",
		AuthToken:       uint8(adminTok),
		UniversalAccess: uint8(AccessRead | AccessWrite | AccessExecute),
		PasswordHash:    HashPassword(adminPassword),
	}
	c.byUID[AdminUID] = &c.users[adminTok]
	return c
}

// Replace overwrites the record for user.UID in place if it already has
// a token, preserving that token; otherwise it acquires a fresh one.
func (c *Cache) Replace(user User) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byUID[user.UID]; ok {
		tok := existing.AuthToken
		user.AuthToken = tok
		c.users[tok] = user
		c.byUID[user.UID] = &c.users[tok]
		return nil
	}

	tok, err := c.tokens.Acquire()
	if err != nil {
		return fmt.Errorf("replace uid=%d: %w", user.UID, err)
	}
	user.AuthToken = uint8(tok)
	c.users[tok] = user
	c.byUID[user.UID] = &c.users[tok]
	return nil
}

// Delete releases uid's token slot. It refuses to delete admin.
func (c *Cache) Delete(uid uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, ok := c.byUID[uid]
	if !ok {
		return fmt.Errorf("delete uid=%d: %w", uid, ErrNoSuchUser)
	}
	if u.AuthToken <= AdminToken {
		return fmt.Errorf("delete uid=%d: cannot delete guest/admin", uid)
	}
	tok := u.AuthToken
	delete(c.byUID, uid)
	c.users[tok].zero()
	c.tokens.Release(int(tok))
	return nil
}

// FindByID resolves a uid to its principal record.
func (c *Cache) FindByID(uid uint32) (*User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.byUID[uid]
	if !ok {
		return nil, fmt.Errorf("find uid=%d: %w", uid, ErrNoSuchUser)
	}
	return u, nil
}

// FindByName resolves a name to its principal record. Callers that have
// a catalog should resolve through it first (names are scoped there);
// this is the fallback linear scan used when no catalog is wired.
func (c *Cache) FindByName(name string) (*User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, u := range c.byUID {
		if u.Name == name {
			return u, nil
		}
	}
	return nil, fmt.Errorf("find name=%q: %w", name, ErrNoSuchUser)
}

// Grant ORs mask into uid's universal_access.
func (c *Cache) Grant(uid uint32, mask uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.byUID[uid]
	if !ok {
		return fmt.Errorf("grant uid=%d: %w", uid, ErrNoSuchUser)
	}
	u.UniversalAccess |= mask
	return nil
}

// Revoke ANDs the complement of mask into uid's universal_access.
func (c *Cache) Revoke(uid uint32, mask uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.byUID[uid]
	if !ok {
		return fmt.Errorf("revoke uid=%d: %w", uid, ErrNoSuchUser)
	}
	u.UniversalAccess &^= mask
	return nil
}

// CurrentUser resolves session.AuthToken to its principal, asserting
// that the slot still belongs to the uid the session was issued for.
//
// When a user is dropped and its token is reused, a stale session must
// not silently inherit the new occupant's grants. Every privileged
// lookup goes through here, and a uid mismatch surfaces
// ErrSessionClosed instead of the wrong principal.
func (c *Cache) CurrentUser(sessionUID uint32, sessionToken uint8) (*User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	u := &c.users[sessionToken]
	if u.AuthToken != sessionToken {
		// Debug-build invariant in the source; here it is always checked
		// since the cost is a single comparison.
		return nil, fmt.Errorf("current_user: token %d not self-consistent: %w", sessionToken, ErrSessionClosed)
	}
	if u.UID != sessionUID {
		return nil, fmt.Errorf("current_user: session uid=%d no longer owns token=%d (now uid=%d): %w",
			sessionUID, sessionToken, u.UID, ErrSessionClosed)
	}
	return u, nil
}

// CheckAccess verifies that user's universal_access grants bit.
func CheckAccess(user *User, bit AccessBit) error {
	if !Has(user.UniversalAccess, bit) {
		return fmt.Errorf("user %q lacks %s: %w", user.Name, bit, ErrAccessDenied)
	}
	return nil
}
