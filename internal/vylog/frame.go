package vylog

import (
	"encoding/binary"
	"fmt"
)

// marshalFrame packs a transaction's already-encoded records into one
// WAL payload: a count followed by length-prefixed records, so a
// single Writer.flush produces exactly one durable append regardless
// of how many records the transaction buffered.
func marshalFrame(records [][]byte) ([]byte, error) {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(len(records)))
	for _, rec := range records {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(rec)))
		out = append(out, lenBuf[:]...)
		out = append(out, rec...)
	}
	return out, nil
}

// unmarshalFrame is the inverse of marshalFrame, returning each
// record's raw encoded bytes in order.
func unmarshalFrame(data []byte) ([][]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("vylog: frame too short")
	}
	count := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	out := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < 4 {
			return nil, fmt.Errorf("vylog: frame truncated at record %d", i)
		}
		n := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < n {
			return nil, fmt.Errorf("vylog: frame truncated payload at record %d", i)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out, nil
}
