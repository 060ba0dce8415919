// Package iproto implements the IPROTO front-end: the single binary
// protocol front door a client speaks to reach the request queue. It
// owns frame encode/decode, the greeting, the rotating-iobuf
// connection state machine, and the ring-buffered request queue and
// worker pool that dispatches decoded requests against the catalog,
// user cache, storage collaborator, and vy_log.
//
// The header codec follows the classic fixed-layout
// header-struct-with-Marshal/Unmarshal shape, adapted to IPROTO's
// length-prefixed-msgpack-maps framing, with the exact header/body key
// codes and per-type required-key masks lifted from tarantool's wire
// protocol (see DESIGN.md).
package iproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// RequestType is the IPROTO request/response type code.
type RequestType uint32

const (
	TypeOK RequestType = iota
	TypeSelect
	TypeInsert
	TypeReplace
	TypeUpdate
	TypeDelete
	TypeCall16
	TypeAuth
	TypeEval
	TypeUpsert
	TypeCall
	TypeExecute
	TypeNop
)

const (
	TypePing RequestType = 64 + iota
	TypeJoin
	TypeSubscribe
	TypeRequestVote
)

// TypeErrorFlag marks a response as an error: the wire type is
// TypeErrorFlag | code.
const TypeErrorFlag RequestType = 0x8000

func (t RequestType) String() string {
	switch t {
	case TypeOK:
		return "OK"
	case TypeSelect:
		return "SELECT"
	case TypeInsert:
		return "INSERT"
	case TypeReplace:
		return "REPLACE"
	case TypeUpdate:
		return "UPDATE"
	case TypeDelete:
		return "DELETE"
	case TypeCall16:
		return "CALL_16"
	case TypeAuth:
		return "AUTH"
	case TypeEval:
		return "EVAL"
	case TypeUpsert:
		return "UPSERT"
	case TypeCall:
		return "CALL"
	case TypeExecute:
		return "EXECUTE"
	case TypeNop:
		return "NOP"
	case TypePing:
		return "PING"
	case TypeJoin:
		return "JOIN"
	case TypeSubscribe:
		return "SUBSCRIBE"
	case TypeRequestVote:
		return "REQUEST_VOTE"
	default:
		if t&TypeErrorFlag != 0 {
			return fmt.Sprintf("ERROR(%d)", t&^TypeErrorFlag)
		}
		return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
	}
}

// IsDML reports whether t is one of the data-manipulation request
// types dispatched through the storage collaborator.
func (t RequestType) IsDML() bool {
	switch t {
	case TypeSelect, TypeInsert, TypeReplace, TypeUpdate, TypeDelete, TypeUpsert, TypeNop:
		return true
	default:
		return false
	}
}

// IsAdmin reports whether t is handled by the admin path rather than
// bound to a session's current user and the storage collaborator.
func (t RequestType) IsAdmin() bool {
	switch t {
	case TypePing, TypeJoin, TypeSubscribe, TypeRequestVote:
		return true
	default:
		return false
	}
}

// headerKey is the fixed integer code for one header field, mirroring
// IPROTO_REQUEST_TYPE et al. in the original.
type headerKey uint8

const (
	headerType headerKey = iota
	headerSync
	headerReplicaID
	headerLSN
	headerTimestamp
	headerSchemaVersion
	headerServerVersion
)

// Header is the fixed IPROTO request/response header.
type Header struct {
	Type          RequestType
	Sync          uint64
	ReplicaID     uint32
	LSN           uint64
	Timestamp     float64
	SchemaVersion uint64
	// schemaVersionSet distinguishes "absent" from "present and 0" -
	// schema_version is the one header key that is optional on a request.
	schemaVersionSet bool
}

// headerMandatory is the bitmap of keys IPROTO_HEAD_BMAP requires on
// every request header: type and sync. Everything else (replica id,
// lsn, timestamp, schema version, server version) is optional and
// only meaningful on specific request kinds (replication join/
// subscribe, or client compatibility checks).
var headerMandatory = map[headerKey]bool{
	headerType: true,
	headerSync: true,
}

// EncodeMsgpack writes h as a msgpack map keyed by the fixed header
// codes, omitting optional fields that were never set.
func (h Header) EncodeMsgpack(enc *msgpack.Encoder) error {
	fields := []struct {
		k headerKey
		v interface{}
		set bool
	}{
		{headerType, uint32(h.Type), true},
		{headerSync, h.Sync, true},
		{headerReplicaID, h.ReplicaID, h.ReplicaID != 0},
		{headerLSN, h.LSN, h.LSN != 0},
		{headerTimestamp, h.Timestamp, h.Timestamp != 0},
		{headerSchemaVersion, h.SchemaVersion, h.schemaVersionSet},
	}
	n := 0
	for _, f := range fields {
		if f.set {
			n++
		}
	}
	if err := enc.EncodeMapLen(n); err != nil {
		return err
	}
	for _, f := range fields {
		if !f.set {
			continue
		}
		if err := enc.EncodeUint8(uint8(f.k)); err != nil {
			return err
		}
		if err := enc.Encode(f.v); err != nil {
			return fmt.Errorf("iproto: encode header key %d: %w", f.k, err)
		}
	}
	return nil
}

// DecodeMsgpack reads h from a msgpack map, rejecting unknown header
// keys, non-uint values where uint is mandated, and a map missing any
// key in headerMandatory.
func (h *Header) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return newErr(errInvalidMsgpack, "header: %v", err)
	}
	*h = Header{}
	seen := make(map[headerKey]bool, n)
	for i := 0; i < n; i++ {
		rawKey, err := dec.DecodeUint8()
		if err != nil {
			return newErr(errInvalidMsgpack, "header key: %v", err)
		}
		k := headerKey(rawKey)
		switch k {
		case headerType:
			v, err := dec.DecodeUint32()
			if err != nil {
				return newErr(errInvalidMsgpack, "header type must be uint: %v", err)
			}
			h.Type = RequestType(v)
		case headerSync:
			v, err := dec.DecodeUint64()
			if err != nil {
				return newErr(errInvalidMsgpack, "header sync must be uint: %v", err)
			}
			h.Sync = v
		case headerReplicaID:
			v, err := dec.DecodeUint32()
			if err != nil {
				return newErr(errInvalidMsgpack, "header replica_id must be uint: %v", err)
			}
			h.ReplicaID = v
		case headerLSN:
			v, err := dec.DecodeUint64()
			if err != nil {
				return newErr(errInvalidMsgpack, "header lsn must be uint: %v", err)
			}
			h.LSN = v
		case headerTimestamp:
			v, err := dec.DecodeFloat64()
			if err != nil {
				return newErr(errInvalidMsgpack, "header timestamp: %v", err)
			}
			h.Timestamp = v
		case headerSchemaVersion:
			v, err := dec.DecodeUint64()
			if err != nil {
				return newErr(errInvalidMsgpack, "header schema_version must be uint: %v", err)
			}
			h.SchemaVersion = v
			h.schemaVersionSet = true
		case headerServerVersion:
			if err := dec.Skip(); err != nil {
				return newErr(errInvalidMsgpack, "header server_version: %v", err)
			}
		default:
			return newErr(errInvalidMsgpack, "unknown header key %d", rawKey)
		}
		seen[k] = true
	}
	for k, required := range headerMandatory {
		if required && !seen[k] {
			return newErr(errMissingRequestField, "header missing mandatory key %d", k)
		}
	}
	return nil
}

// bodyKey is the fixed integer code for one body field.
type bodyKey uint8

const (
	bodySpaceID bodyKey = iota
	bodyIndexID
	bodyLimit
	bodyOffset
	bodyIterator
	bodyKey_
	bodyTuple
	bodyFunctionName
	bodyUserName
	bodyExpr
	bodyOps
	bodyData
	bodyError
	bodySchemaVersion
	bodyPassword
)

// dmlBodyMask is the set of body keys a DML request type requires.
// A request missing any of these is rejected with
// INVALID_MSGPACK.
var dmlBodyMask = map[RequestType][]bodyKey{
	TypeSelect:  {bodySpaceID, bodyIndexID, bodyKey_},
	TypeInsert:  {bodySpaceID, bodyTuple},
	TypeReplace: {bodySpaceID, bodyTuple},
	TypeUpdate:  {bodySpaceID, bodyIndexID, bodyKey_, bodyOps},
	TypeDelete:  {bodySpaceID, bodyIndexID, bodyKey_},
	TypeUpsert:  {bodySpaceID, bodyTuple, bodyOps},
	TypeNop:     nil,
}

// Body is the decoded request/response body, keyed by the fixed body
// codes. Only the keys a given request type's mask names are
// meaningful; Body carries whichever ones were present on the wire.
type Body struct {
	SpaceID       uint32
	IndexID       uint32
	Limit         uint32
	Offset        uint32
	Iterator      string
	Key           []interface{}
	Tuple         []interface{}
	FunctionName  string
	UserName      string
	Expr          string
	Ops           []interface{}
	Data          []interface{}
	Error         string
	SchemaVersion uint64
	Password      []byte

	set map[bodyKey]bool
}

// Has reports whether k was present on the wire (or has been set by
// the builder methods below).
func (b *Body) Has(k bodyKey) bool { return b.set != nil && b.set[k] }

func (b *Body) markSet(k bodyKey) {
	if b.set == nil {
		b.set = make(map[bodyKey]bool)
	}
	b.set[k] = true
}

// DecodeBody parses raw as a body map for request type t, validating
// that every key t's DML mask requires is present.
// Non-DML bodies (AUTH, CALL, PING, ...) are decoded permissively: any
// known key is accepted, but no mask is enforced.
func DecodeBody(raw []byte, t RequestType) (Body, error) {
	var b Body
	if len(raw) == 0 {
		return b, validateMask(&b, t)
	}
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return b, newErr(errInvalidMsgpack, "body: %v", err)
	}
	for i := 0; i < n; i++ {
		rawKey, err := dec.DecodeUint8()
		if err != nil {
			return b, newErr(errInvalidMsgpack, "body key: %v", err)
		}
		k := bodyKey(rawKey)
		if err := decodeBodyField(k, dec, &b); err != nil {
			return b, newErr(errInvalidMsgpack, "body field %d: %v", rawKey, err)
		}
		b.markSet(k)
	}
	if err := validateMask(&b, t); err != nil {
		return b, err
	}
	return b, nil
}

func validateMask(b *Body, t RequestType) error {
	for _, k := range dmlBodyMask[t] {
		if !b.Has(k) {
			return newErr(errInvalidMsgpack, "request %s missing body field %d", t, k)
		}
	}
	return nil
}

func decodeBodyField(k bodyKey, dec *msgpack.Decoder, b *Body) error {
	switch k {
	case bodySpaceID:
		return dec.Decode(&b.SpaceID)
	case bodyIndexID:
		return dec.Decode(&b.IndexID)
	case bodyLimit:
		return dec.Decode(&b.Limit)
	case bodyOffset:
		return dec.Decode(&b.Offset)
	case bodyIterator:
		return dec.Decode(&b.Iterator)
	case bodyKey_:
		return dec.Decode(&b.Key)
	case bodyTuple:
		return dec.Decode(&b.Tuple)
	case bodyFunctionName:
		return dec.Decode(&b.FunctionName)
	case bodyUserName:
		return dec.Decode(&b.UserName)
	case bodyExpr:
		return dec.Decode(&b.Expr)
	case bodyOps:
		return dec.Decode(&b.Ops)
	case bodyData:
		return dec.Decode(&b.Data)
	case bodyError:
		return dec.Decode(&b.Error)
	case bodySchemaVersion:
		return dec.Decode(&b.SchemaVersion)
	case bodyPassword:
		return dec.Decode(&b.Password)
	default:
		return dec.Skip()
	}
}

// EncodeBody serializes whichever of space_id, index_id, data, tuple,
// error and schema_version are set on b, in that fixed key order, as a
// response/request body map. Other fields are not encoded even when
// set.
func EncodeBody(b Body) ([]byte, error) {
	type kv struct {
		k bodyKey
		v interface{}
	}
	var kvs []kv
	if b.Has(bodySpaceID) {
		kvs = append(kvs, kv{bodySpaceID, b.SpaceID})
	}
	if b.Has(bodyIndexID) {
		kvs = append(kvs, kv{bodyIndexID, b.IndexID})
	}
	if b.Has(bodyData) {
		kvs = append(kvs, kv{bodyData, b.Data})
	}
	if b.Has(bodyTuple) {
		kvs = append(kvs, kv{bodyTuple, b.Tuple})
	}
	if b.Has(bodyError) {
		kvs = append(kvs, kv{bodyError, b.Error})
	}
	if b.Has(bodySchemaVersion) {
		kvs = append(kvs, kv{bodySchemaVersion, b.SchemaVersion})
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(len(kvs)); err != nil {
		return nil, err
	}
	for _, e := range kvs {
		if err := enc.EncodeUint8(uint8(e.k)); err != nil {
			return nil, err
		}
		if err := enc.Encode(e.v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// ErrorBody builds the {ERROR: message} body tarantool-style error
// replies carry.
func ErrorBody(message string) Body {
	b := Body{Error: message}
	b.markSet(bodyError)
	return b
}

// DataBody builds a {DATA: rows} body for a successful DML reply.
func DataBody(rows []interface{}) Body {
	b := Body{Data: rows}
	b.markSet(bodyData)
	return b
}

// lenPrefixSize is the width of a frame's length prefix: a one-byte
// msgpack uint32 marker (mpUint32Marker) followed by the 4-byte
// big-endian length itself, matching how a real tarantool wire client
// frames the same prefix rather than a bare 4-byte integer.
const lenPrefixSize = 5

// mpUint32Marker is the msgpack fixed-width uint32 type byte (0xce).
const mpUint32Marker = 0xce

// ParsedFrame is one fully-decoded IPROTO frame: its header, the raw
// (still-undecoded) body bytes if a body map followed the header, and
// the total frame length as it appeared on the wire (length prefix
// included) so the caller can advance its parse offset by exactly
// that much.
type ParsedFrame struct {
	Header   Header
	BodyRaw  []byte
	FrameLen int
}

// decodeLenPrefix reads the msgpack-uint32-encoded length out of buf's
// first lenPrefixSize bytes.
func decodeLenPrefix(buf []byte) (uint32, error) {
	if buf[0] != mpUint32Marker {
		return 0, newErr(errInvalidMsgpack, "frame length prefix: want msgpack uint32 marker 0x%x, got 0x%x", mpUint32Marker, buf[0])
	}
	return binary.BigEndian.Uint32(buf[1:lenPrefixSize]), nil
}

// ReadFrame reads one length-prefixed frame from r: a msgpack uint32
// length, a header map, and an optional body map. The header is
// decoded eagerly; the body is returned undecoded (as the bytes of
// its msgpack map) so callers can decode it with the request type's
// mask via DecodeBody.
func ReadFrame(r io.Reader) (ParsedFrame, error) {
	var lenBuf [lenPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return ParsedFrame{}, err
	}
	total, err := decodeLenPrefix(lenBuf[:])
	if err != nil {
		return ParsedFrame{}, err
	}
	payload := make([]byte, total)
	if _, err := io.ReadFull(r, payload); err != nil {
		return ParsedFrame{}, fmt.Errorf("iproto: short frame: %w", err)
	}
	return decodePayload(payload, int(total)+lenPrefixSize)
}

// ParseFrame decodes one frame's payload (the bytes following the
// length prefix) already held in memory, e.g. a frame popped out of a
// connection's input iobuf once PeekFrameLen confirms it is complete.
func ParseFrame(payload []byte) (ParsedFrame, error) {
	return decodePayload(payload, len(payload)+lenPrefixSize)
}

// decodePayload decodes the header off the front of payload using a
// single bytes.Reader-backed decoder, then hands back whatever bytes
// the reader has not yet consumed as the body. Because the decoder
// reads directly from a bytes.Reader (no separate buffering layer),
// the bytes the reader has consumed when DecodeMsgpack returns are
// exactly the header's on-wire bytes and what remains is the body, so
// no second parse pass or custom length-scanning is needed to find the
// header/body boundary.
func decodePayload(payload []byte, frameLen int) (ParsedFrame, error) {
	br := bytes.NewReader(payload)
	dec := msgpack.NewDecoder(br)

	var h Header
	if err := h.DecodeMsgpack(dec); err != nil {
		return ParsedFrame{}, err
	}

	var bodyRaw []byte
	if br.Len() > 0 {
		bodyRaw = payload[len(payload)-br.Len():]
	}
	return ParsedFrame{Header: h, BodyRaw: bodyRaw, FrameLen: frameLen}, nil
}

// EncodeFrame serializes header and body (body may be nil) into one
// length-prefixed frame ready to write to a connection.
func EncodeFrame(h Header, body *Body) ([]byte, error) {
	var hbuf bytes.Buffer
	henc := msgpack.NewEncoder(&hbuf)
	if err := h.EncodeMsgpack(henc); err != nil {
		return nil, fmt.Errorf("iproto: encode header: %w", err)
	}

	var bodyEnc []byte
	if body != nil {
		var err error
		bodyEnc, err = EncodeBody(*body)
		if err != nil {
			return nil, fmt.Errorf("iproto: encode body: %w", err)
		}
	}

	total := hbuf.Len() + len(bodyEnc)
	out := make([]byte, lenPrefixSize+total)
	out[0] = mpUint32Marker
	binary.BigEndian.PutUint32(out[1:lenPrefixSize], uint32(total))
	n := copy(out[lenPrefixSize:], hbuf.Bytes())
	copy(out[lenPrefixSize+n:], bodyEnc)
	return out, nil
}

// EncodeErrorFrame builds a complete IPROTO_TYPE_ERROR|code frame
// replying to sync with message.
func EncodeErrorFrame(sync uint64, code uint32, message string) ([]byte, error) {
	h := Header{Type: TypeErrorFlag | RequestType(code), Sync: sync}
	b := ErrorBody(message)
	return EncodeFrame(h, &b)
}

// PeekFrameLen decodes just the leading msgpack-uint32 length prefix
// from buf, reporting the total frame length (prefix + payload) once
// at least lenPrefixSize bytes are available. It returns ok=false if
// buf is too short, or if the leading byte is not the msgpack uint32
// marker, for a caller peeking at a connection's input buffer before
// a full frame has arrived.
func PeekFrameLen(buf []byte) (frameLen int, ok bool) {
	if len(buf) < lenPrefixSize {
		return 0, false
	}
	if buf[0] != mpUint32Marker {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(buf[1:lenPrefixSize])) + lenPrefixSize, true
}
