package iproto

import (
	"sync/atomic"

	"github.com/ocx/boxd/internal/boxuser"
)

// sessionSeq hands out unique peer cookies, standing in for the
// source's fd-derived session identity.
var sessionSeq uint64

// Session is the per-connection object a bound worker task consults
// to resolve the current user. It carries only the token (never a
// pointer into the user array), so the array can be rearranged
// without reaching into live sessions.
type Session struct {
	Cookie    uint64
	UID       uint32
	AuthToken uint8
}

// NewSession creates a session initialized to guest, matching a fresh
// connection's handshake contract: every session starts unauthenticated
// until AUTH rebinds it.
func NewSession() *Session {
	return &Session{
		Cookie:    atomic.AddUint64(&sessionSeq, 1),
		UID:       boxuser.GuestUID,
		AuthToken: boxuser.GuestToken,
	}
}

// SetUser rebinds the session to user, the effect of a successful
// AUTH request.
func (s *Session) SetUser(u *boxuser.User) {
	s.UID = u.UID
	s.AuthToken = u.AuthToken
}

// CurrentUser resolves the session's bound principal through cache,
// which re-verifies the uid/token pairing still matches.
func (s *Session) CurrentUser(cache *boxuser.Cache) (*boxuser.User, error) {
	return cache.CurrentUser(s.UID, s.AuthToken)
}
