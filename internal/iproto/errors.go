package iproto

import (
	"fmt"
	"strings"

	"github.com/ocx/boxd/internal/errcode"
)

// These aliases exist so wire.go's parse errors can be raised with the
// exact errcode.Code the codec reply path needs, without every
// call-site spelling out the errcode package name.
const (
	errInvalidMsgpack        = errcode.ErInvalidMsgpack
	errMissingRequestField   = errcode.ErMissingRequestField
	errUnknownRequestType    = errcode.ErUnknownRequestType
	errSchemaVersionMismatch = errcode.ErSchemaVersionMismatch
	errAccessDenied          = errcode.ErAccessDenied
)

// newErr builds an *errcode.Error carrying code. When the code's table
// format takes a single %s, the Printf-formatted description is
// slotted into it; otherwise (ER_UNKNOWN_REQUEST_TYPE's %d, the two-%d
// schema mismatch, the four-argument ER_ACCESS_DENIED) the description
// is used as the whole message.
func newErr(code errcode.Code, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if f := errcode.Format(code); strings.Count(f, "%") != 1 || !strings.Contains(f, "%s") {
		return &errcode.Error{Code: code, Message: msg}
	}
	return errcode.New(code, msg)
}

// errorCodeAndMessage extracts the wire (code, message) pair for err.
// A *errcode.Error carries its code directly; every other error
// (boxuser/catalog sentinel errors, storage errors) surfaces as
// ER_UNKNOWN with its message preserved, which is still a more useful
// reply than dropping the connection.
func errorCodeAndMessage(err error) (uint32, string) {
	if ce, ok := err.(*errcode.Error); ok {
		return uint32(ce.Code), ce.Message
	}
	return uint32(errcode.ErUnknown), err.Error()
}
