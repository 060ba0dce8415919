package boxuser

// NameMax bounds a principal's display name.
const NameMax = 64

// PasswordHashLen is the width of the stored password digest: a
// SHA-256-derived 20-byte digest, the same width tarantool uses for
// its SHA1-based scramble, is sufficient here since boxd only needs a
// token indirection rather than a real password KDF (see DESIGN.md).
const PasswordHashLen = 20

// User is a principal record: one slot in the process-wide user array.
type User struct {
	UID              uint32
	OwnerUID         uint32
	PasswordHash     [PasswordHashLen]byte
	Name             string
	UniversalAccess  uint8
	AuthToken        uint8
}

// zero clears the record in place without touching its slot's identity.
func (u *User) zero() {
	*u = User{}
}
