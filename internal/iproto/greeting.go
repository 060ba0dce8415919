package iproto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GreetingSize is the fixed, newline-delimited greeting every
// connection receives immediately on handshake.
const GreetingSize = 128

// SaltSize is the width of the random per-session salt the greeting
// carries, base64-encoded, for the client to mix into its AUTH scramble.
const SaltSize = 32

// ProductName identifies this server in the greeting's first line,
// the same slot tarantool fills with "Tarantool".
const ProductName = "boxd"

// ServerVersion is the version string reported in the greeting and
// (optionally) in a request header's server_version field.
const ServerVersion = "1.0.0"

// NewSalt returns a fresh random salt for one connection's greeting.
func NewSalt() ([SaltSize]byte, error) {
	var salt [SaltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return salt, fmt.Errorf("iproto: generate salt: %w", err)
	}
	return salt, nil
}

// BuildGreeting formats the fixed 128-byte greeting: a product/version
// banner and process title on line one, the base64 salt on line two,
// the remainder space-padded so the total is always exactly
// GreetingSize bytes.
func BuildGreeting(salt [SaltSize]byte, processTitle string) []byte {
	saltB64 := base64.StdEncoding.EncodeToString(salt[:])

	line1 := fmt.Sprintf("%s %s %s", ProductName, ServerVersion, processTitle)
	line1 = padTo(line1, 63) + "\n"
	line2 := padTo(saltB64, 63) + "\n"

	out := make([]byte, GreetingSize)
	n := copy(out, line1)
	n += copy(out[n:], line2)
	for ; n < GreetingSize; n++ {
		out[n] = ' '
	}
	return out
}

// padTo right-pads s with spaces to exactly width bytes, truncating
// if s is already longer (the original's "%-63s" printf behavior,
// minus printf's refusal to truncate - a banner/title that overflows
// the field is the caller's bug, not the wire format's).
func padTo(s string, width int) string {
	if len(s) >= width {
		return s[:width]
	}
	out := make([]byte, width)
	n := copy(out, s)
	for ; n < width; n++ {
		out[n] = ' '
	}
	return string(out)
}

// ParseGreeting extracts the base64 salt from a 128-byte greeting, the
// half a client needs to compute its AUTH scramble.
func ParseGreeting(greeting []byte) ([SaltSize]byte, error) {
	var salt [SaltSize]byte
	if len(greeting) != GreetingSize {
		return salt, fmt.Errorf("iproto: greeting must be %d bytes, got %d", GreetingSize, len(greeting))
	}
	line2Start := 64
	line2 := greeting[line2Start : line2Start+63]
	decoded, err := base64.StdEncoding.DecodeString(trimTrailingSpace(string(line2)))
	if err != nil {
		return salt, fmt.Errorf("iproto: decode greeting salt: %w", err)
	}
	if len(decoded) != SaltSize {
		return salt, fmt.Errorf("iproto: decoded salt is %d bytes, want %d", len(decoded), SaltSize)
	}
	copy(salt[:], decoded)
	return salt, nil
}

func trimTrailingSpace(s string) string {
	i := len(s)
	for i > 0 && s[i-1] == ' ' {
		i--
	}
	return s[:i]
}
