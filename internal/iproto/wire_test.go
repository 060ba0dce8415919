package iproto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func newTestEncoder(buf *bytes.Buffer) *msgpack.Encoder { return msgpack.NewEncoder(buf) }
func newTestDecoder(buf *bytes.Buffer) *msgpack.Decoder  { return msgpack.NewDecoder(buf) }

// encodeTestBody hand-builds a body map from the given key/value
// pairs, the way a real client frames a request body on the wire.
func encodeTestBody(t *testing.T, fields map[bodyKey]interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	require.NoError(t, enc.EncodeMapLen(len(fields)))
	for k, v := range fields {
		require.NoError(t, enc.EncodeUint8(uint8(k)))
		require.NoError(t, enc.Encode(v))
	}
	return buf.Bytes()
}

// TestHeaderRoundTrip confirms a header with every optional field set
// survives an encode/decode trip, and that schema_version's
// presence/absence is distinguished correctly.
func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Type: TypeSelect, Sync: 7, ReplicaID: 3, LSN: 100, Timestamp: 1.5}
	h.SchemaVersion = 42
	h.schemaVersionSet = true

	var buf bytes.Buffer
	require.NoError(t, h.EncodeMsgpack(newTestEncoder(&buf)))

	var got Header
	require.NoError(t, got.DecodeMsgpack(newTestDecoder(&buf)))
	assert.Equal(t, h.Type, got.Type)
	assert.Equal(t, h.Sync, got.Sync)
	assert.Equal(t, h.ReplicaID, got.ReplicaID)
	assert.Equal(t, h.LSN, got.LSN)
	assert.Equal(t, h.Timestamp, got.Timestamp)
	assert.Equal(t, h.SchemaVersion, got.SchemaVersion)
	assert.True(t, got.schemaVersionSet)
}

// TestHeaderDecodeRejectsMissingSync confirms a header map missing the
// mandatory sync key is rejected rather than silently defaulting to 0.
func TestHeaderDecodeRejectsMissingSync(t *testing.T) {
	var buf bytes.Buffer
	enc := newTestEncoder(&buf)
	require.NoError(t, enc.EncodeMapLen(1))
	require.NoError(t, enc.EncodeUint8(uint8(headerType)))
	require.NoError(t, enc.Encode(uint32(TypePing)))

	var h Header
	err := h.DecodeMsgpack(newTestDecoder(&buf))
	require.Error(t, err)
}

// TestDecodeBodyEnforcesDMLMask confirms every DML type rejects a body
// missing any of its masked keys, and accepts one carrying all of them.
func TestDecodeBodyEnforcesDMLMask(t *testing.T) {
	_, err := DecodeBody(nil, TypeSelect)
	require.Error(t, err)

	_, err = DecodeBody(nil, TypeNop)
	require.NoError(t, err, "NOP has no required body fields")

	raw := encodeTestBody(t, map[bodyKey]interface{}{
		bodySpaceID: uint32(512),
		bodyIndexID: uint32(0),
		bodyKey_:    []interface{}{int64(1)},
	})
	got, err := DecodeBody(raw, TypeSelect)
	require.NoError(t, err)
	assert.Equal(t, uint32(512), got.SpaceID)
	assert.Equal(t, []interface{}{int64(1)}, got.Key)
	assert.True(t, got.Has(bodyKey_))
}

// TestDecodeBodyRejectsPartialInsert confirms INSERT's mask (space_id,
// tuple) rejects a body carrying only one of the two.
func TestDecodeBodyRejectsPartialInsert(t *testing.T) {
	raw := encodeTestBody(t, map[bodyKey]interface{}{bodySpaceID: uint32(1)})
	_, err := DecodeBody(raw, TypeInsert)
	require.Error(t, err)
}

// TestEncodeFrameThenReadFrameRoundTrips drives the full frame path:
// EncodeFrame builds a length-prefixed frame, ReadFrame parses it back
// off an io.Reader, and the body decodes with its type's mask.
func TestEncodeFrameThenReadFrameRoundTrips(t *testing.T) {
	body := DataBody([]interface{}{[]interface{}{int64(1), "a"}})
	frame, err := EncodeFrame(Header{Type: TypeOK, Sync: 5}, &body)
	require.NoError(t, err)

	parsed, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), parsed.Header.Sync)
	assert.Equal(t, len(frame), parsed.FrameLen)

	got, err := DecodeBody(parsed.BodyRaw, TypeOK)
	require.NoError(t, err)
	assert.Equal(t, body.Data, got.Data)
}

// TestErrorFrameCarriesFlaggedType checks EncodeErrorFrame's type is
// TypeErrorFlag|code and its body decodes back to the message.
func TestErrorFrameCarriesFlaggedType(t *testing.T) {
	frame, err := EncodeErrorFrame(99, 42, "no such space")
	require.NoError(t, err)

	parsed, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, TypeErrorFlag|RequestType(42), parsed.Header.Type)

	body, err := DecodeBody(parsed.BodyRaw, TypeOK)
	require.NoError(t, err)
	assert.Equal(t, "no such space", body.Error)
}

// TestPeekFrameLenIncludesPrefix checks PeekFrameLen's reported length
// covers its own length prefix, matching what ReadFrame consumes.
func TestPeekFrameLenIncludesPrefix(t *testing.T) {
	frame, err := EncodeFrame(Header{Type: TypePing, Sync: 1}, nil)
	require.NoError(t, err)

	n, ok := PeekFrameLen(frame)
	require.True(t, ok)
	assert.Equal(t, len(frame), n)

	_, ok = PeekFrameLen(frame[:2])
	assert.False(t, ok)
}

func TestRequestTypeClassification(t *testing.T) {
	assert.True(t, TypeSelect.IsDML())
	assert.False(t, TypePing.IsDML())
	assert.True(t, TypeJoin.IsAdmin())
	assert.False(t, TypeInsert.IsAdmin())
}
