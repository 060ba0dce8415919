// Package errcode is the dense, append-only error code table shared by
// the IPROTO codec, the user cache, and vy_log. Code numbers are part
// of the wire API and must never be renumbered; new codes
// only ever append. Grounded on
// _examples/original_source/src/box/errcode.c.
package errcode

import "fmt"

// Code is a dense error code. ER_UNKNOWN (0) is the fallback for any
// out-of-range lookup.
type Code uint32

const (
	ErUnknown Code = iota
	_
	ErMemoryIssue
	_
	_
	ErUnsupported
	_
	ErReadonly
)

// Codes below reuse tarantool's exact numbering for the ones this core
// actually raises; gaps are intentionally left unnamed rather than
// renumbered, matching the append-only contract.
const (
	ErInvalidMsgpack       Code = 20
	ErNoSuchSpace          Code = 36
	ErWalIO                Code = 40
	ErAccessDenied         Code = 42
	ErNoSuchUser           Code = 45
	ErPasswordMismatch     Code = 47
	ErUnknownRequestType   Code = 48
	ErMissingRequestField  Code = 69
	ErUserMax              Code = 56
	ErSystem               Code = 115
	ErLoading              Code = 116
	ErSchemaVersionMismatch Code = 109
	ErSessionClosed        Code = 207
)

type entry struct {
	name   string
	format string
}

var table = map[Code]entry{
	ErUnknown:              {"ER_UNKNOWN", "Unknown error"},
	ErMemoryIssue:          {"ER_MEMORY_ISSUE", "Failed to allocate %d bytes in %s for %s"},
	ErUnsupported:          {"ER_UNSUPPORTED", "%s does not support %s"},
	ErReadonly:             {"ER_READONLY", "Can't modify data on a read-only instance"},
	ErInvalidMsgpack:       {"ER_INVALID_MSGPACK", "Invalid MsgPack - %s"},
	ErNoSuchSpace:          {"ER_NO_SUCH_SPACE", "Space '%s' does not exist"},
	ErWalIO:                {"ER_WAL_IO", "Failed to write to disk"},
	ErAccessDenied:         {"ER_ACCESS_DENIED", "%s access to %s '%s' is denied for user '%s'"},
	ErNoSuchUser:           {"ER_NO_SUCH_USER", "User '%s' is not found"},
	ErPasswordMismatch:     {"ER_PASSWORD_MISMATCH", "Incorrect password supplied for user '%s'"},
	ErUnknownRequestType:   {"ER_UNKNOWN_REQUEST_TYPE", "Unknown request type %d"},
	ErMissingRequestField:  {"ER_MISSING_REQUEST_FIELD", "Missing mandatory field '%s' in request"},
	ErUserMax:              {"ER_USER_MAX", "A limit on the total number of users has been reached: %d"},
	ErSystem:               {"ER_SYSTEM", "%s"},
	ErLoading:              {"ER_LOADING", "Instance bootstrap hasn't finished yet"},
	ErSchemaVersionMismatch: {"ER_SCHEMA_VERSION_MISMATCH", "Schema version mismatch: client has %d, server has %d"},
	ErSessionClosed:        {"ER_SESSION_CLOSED", "Session was closed because its user was replaced"},
}

// Name returns the symbolic name of code, or ER_UNKNOWN's if code is
// not in the table.
func Name(code Code) string {
	if e, ok := table[code]; ok {
		return e.name
	}
	return table[ErUnknown].name
}

// Format returns a printf-style format string for code.
func Format(code Code) string {
	if e, ok := table[code]; ok {
		return e.format
	}
	return table[ErUnknown].format
}

// Error is the error type returned by processors. It carries the code
// so the IPROTO reply path can compute IPROTO_TYPE_ERROR | code
// directly without re-deriving it from an error string.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", Name(e.Code), e.Message)
}

// New builds an Error, formatting Message from code's format string.
func New(code Code, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(Format(code), args...)}
}
