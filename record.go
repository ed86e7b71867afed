package qnode

import "encoding/binary"

// magic is written at byte 0 of the data file and nowhere else.
const magic = "QDSKOF01"

// headerSize is the fixed on-disk size of a RecordHeader: channel_id
// (4) + next_offset (8) + parity (1) + length (8).
const headerSize = 4 + 8 + 1 + 8

// maxPayloadSize bounds a single record's payload to keep a corrupted
// length field from driving an unbounded allocation during recovery or
// pop.
const maxPayloadSize = 256 << 20

// RecordHeader is the fixed-size per-record on-disk header. Field order
// and size are binding: the on-disk layout is
// [channel_id][next_offset][parity][length], little-endian.
type RecordHeader struct {
	ChannelID  uint32
	NextOffset int64
	Parity     uint8
	Length     uint64
}

// encode serializes h into headerSize bytes, computing and setting
// Parity so that the XOR of every byte of the result is zero.
func (h RecordHeader) encode() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.ChannelID)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(h.NextOffset))
	buf[12] = 0
	binary.LittleEndian.PutUint64(buf[13:21], h.Length)
	buf[12] = xorAll(buf)
	return buf
}

// decodeRecordHeader parses a headerSize-byte buffer. It does not
// verify parity; callers that read from disk must call verifyParity
// separately so a failed check can be reported with file/offset
// context.
func decodeRecordHeader(buf []byte) RecordHeader {
	return RecordHeader{
		ChannelID:  binary.LittleEndian.Uint32(buf[0:4]),
		NextOffset: int64(binary.LittleEndian.Uint64(buf[4:12])),
		Parity:     buf[12],
		Length:     binary.LittleEndian.Uint64(buf[13:21]),
	}
}

// xorAll returns the horizontal XOR of every byte in buf.
func xorAll(buf []byte) byte {
	var x byte
	for _, b := range buf {
		x ^= b
	}
	return x
}

// verifyParity reports whether buf's stored parity byte makes the XOR
// of the whole header zero.
func verifyParity(buf []byte) bool {
	return xorAll(buf) == 0
}
