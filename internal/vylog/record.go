// Package vylog implements the Write-Ahead Log of Changes: the durable
// journal of structural mutations (index create/drop, range
// split/merge, run creation/deletion) performed by the secondary
// storage engine. Grounded on
// _examples/original_source/src/box/vy_log.c.
package vylog

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Type is one of the eight record kinds vy_log knows how to journal.
type Type uint8

const (
	CreateIndex Type = iota
	DropIndex
	InsertRange
	DeleteRange
	PrepareRun
	InsertRun
	DeleteRun
	ForgetRun
)

func (t Type) String() string {
	switch t {
	case CreateIndex:
		return "create_index"
	case DropIndex:
		return "drop_index"
	case InsertRange:
		return "insert_range"
	case DeleteRange:
		return "delete_range"
	case PrepareRun:
		return "prepare_run"
	case InsertRun:
		return "insert_run"
	case DeleteRun:
		return "delete_run"
	case ForgetRun:
		return "forget_run"
	default:
		return "unknown"
	}
}

// key is an integer field code, mirroring vy_log_key in the original.
type key uint8

const (
	keyIndexID key = iota
	keyRangeID
	keyRunID
	keyRangeBegin
	keyRangeEnd
	keyIID
	keySpaceID
	keyPath
)

var keyName = map[key]string{
	keyIndexID:    "index_id",
	keyRangeID:    "range_id",
	keyRunID:      "run_id",
	keyRangeBegin: "range_begin",
	keyRangeEnd:   "range_end",
	keyIID:        "iid",
	keySpaceID:    "space_id",
	keyPath:       "path",
}

// requiredKeys is the per-type key mask, mirroring vy_log_key_mask.
var requiredKeys = map[Type][]key{
	CreateIndex: {keyIndexID, keyIID, keySpaceID, keyPath},
	DropIndex:   {keyIndexID},
	InsertRange: {keyIndexID, keyRangeID, keyRangeBegin, keyRangeEnd},
	DeleteRange: {keyRangeID},
	PrepareRun:  {keyIndexID, keyRunID},
	InsertRun:   {keyRangeID, keyRunID},
	DeleteRun:   {keyRunID},
	ForgetRun:   {keyRunID},
}

// Record is a typed structural-mutation record. Only the fields
// required by Type are meaningful; others are zero. Signature is
// stamped at flush time unless the caller pre-stamps it (see Writer).
type Record struct {
	Type        Type
	IndexID     uint32
	RangeID     uint64
	RunID       uint64
	RangeBegin  []byte
	RangeEnd    []byte
	IID         uint32
	SpaceID     uint32
	Path        string
	Signature   uint64
}

// fieldValue returns k's value out of r as an interface{}, ready to
// marshal.
func fieldValue(k key, r Record) interface{} {
	switch k {
	case keyIndexID:
		return r.IndexID
	case keyRangeID:
		return r.RangeID
	case keyRunID:
		return r.RunID
	case keyRangeBegin:
		return r.RangeBegin
	case keyRangeEnd:
		return r.RangeEnd
	case keyIID:
		return r.IID
	case keySpaceID:
		return r.SpaceID
	case keyPath:
		return r.Path
	}
	return nil
}

// EncodeMsgpack writes r as the two-element array [type, {key: value}],
// matching the on-wire shape vy_log_record_encode produces in the
// original.
func (r Record) EncodeMsgpack(enc *msgpack.Encoder) error {
	mask := requiredKeys[r.Type]
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint8(uint8(r.Type)); err != nil {
		return err
	}
	if err := enc.EncodeMapLen(len(mask)); err != nil {
		return err
	}
	for _, k := range mask {
		if err := enc.EncodeUint8(uint8(k)); err != nil {
			return err
		}
		if err := enc.Encode(fieldValue(k, r)); err != nil {
			return fmt.Errorf("vylog: encode %s.%s: %w", r.Type, keyName[k], err)
		}
	}
	return nil
}

// DecodeMsgpack reads the [type, {key: value, ...}] shape into r,
// validating that every key Type's mask requires is present and
// well-typed, and that no unknown key or type appears.
func (r *Record) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return fmt.Errorf("vylog: decode: %w", err)
	}
	if n != 2 {
		return fmt.Errorf("vylog: decode: expected 2-element record, got %d", n)
	}
	rawType, err := dec.DecodeUint8()
	if err != nil {
		return fmt.Errorf("vylog: decode type: %w", err)
	}
	t := Type(rawType)
	mask, ok := requiredKeys[t]
	if !ok {
		return fmt.Errorf("vylog: unknown record type %d", rawType)
	}
	want := make(map[key]bool, len(mask))
	for _, k := range mask {
		want[k] = true
	}

	mapLen, err := dec.DecodeMapLen()
	if err != nil {
		return fmt.Errorf("vylog: decode fields: %w", err)
	}
	seen := make(map[key]bool, mapLen)
	*r = Record{Type: t}
	for i := 0; i < mapLen; i++ {
		rawKey, err := dec.DecodeUint8()
		if err != nil {
			return fmt.Errorf("vylog: decode field key: %w", err)
		}
		k := key(rawKey)
		if !want[k] {
			return fmt.Errorf("vylog: unexpected key %d in %s record", rawKey, t)
		}
		if err := decodeField(k, dec, r); err != nil {
			return fmt.Errorf("vylog: field %q: %w", keyName[k], err)
		}
		seen[k] = true
	}
	for _, k := range mask {
		if !seen[k] {
			return fmt.Errorf("vylog: missing required key %q in %s record", keyName[k], t)
		}
	}
	return nil
}

// Encode serializes r as [type, {key: value, ...}].
func Encode(r Record) ([]byte, error) {
	return msgpack.Marshal(r)
}

// Decode parses a [type, {key: value, ...}] frame into a Record.
func Decode(data []byte) (Record, error) {
	var r Record
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return Record{}, err
	}
	return r, nil
}

func decodeField(k key, dec *msgpack.Decoder, r *Record) error {
	switch k {
	case keyIndexID:
		return dec.Decode(&r.IndexID)
	case keyRangeID:
		return dec.Decode(&r.RangeID)
	case keyRunID:
		return dec.Decode(&r.RunID)
	case keyRangeBegin:
		return dec.Decode(&r.RangeBegin)
	case keyRangeEnd:
		return dec.Decode(&r.RangeEnd)
	case keyIID:
		return dec.Decode(&r.IID)
	case keySpaceID:
		return dec.Decode(&r.SpaceID)
	case keyPath:
		return dec.Decode(&r.Path)
	}
	return fmt.Errorf("unhandled key %d", k)
}
