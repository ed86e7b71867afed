package qnode

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ringFrameSize is the width of the length prefix each record carries
// inside the ring: [length uint32][payload].
const ringFrameSize = 4

// memRing is a fixed-capacity circular byte buffer holding the memory
// tier of a storage engine. Records are framed as a little-endian
// uint32 length followed by that many payload bytes, and may wrap
// across the end of the backing array.
type memRing struct {
	data    []byte
	head    int
	tail    int
	used    int
	records int
}

func newMemRing(capacity int) *memRing {
	return &memRing{data: make([]byte, capacity)}
}

func (r *memRing) TotalSpace() int { return len(r.data) }
func (r *memRing) UsedSpace() int  { return r.used }
func (r *memRing) Length() int     { return r.records }

// Push appends payload, returning false without modifying the ring if
// it would not fit in the remaining capacity.
func (r *memRing) Push(payload []byte) bool {
	need := ringFrameSize + len(payload)
	if need > len(r.data) || r.used+need > len(r.data) {
		return false
	}
	var frame [ringFrameSize]byte
	binary.LittleEndian.PutUint32(frame[:], uint32(len(payload)))
	r.write(frame[:])
	r.write(payload)
	r.used += need
	r.records++
	return true
}

// Pop removes and returns the oldest record, or (nil, false) if the
// ring is empty.
func (r *memRing) Pop() ([]byte, bool) {
	if r.records == 0 {
		return nil, false
	}
	var frame [ringFrameSize]byte
	r.read(frame[:])
	length := binary.LittleEndian.Uint32(frame[:])
	payload := make([]byte, length)
	if length > 0 {
		r.read(payload)
	}
	r.used -= ringFrameSize + int(length)
	r.records--
	if r.records == 0 {
		r.head, r.tail, r.used = 0, 0, 0
	}
	return payload, true
}

func (r *memRing) Clear() {
	r.head, r.tail, r.used, r.records = 0, 0, 0, 0
}

// write copies b into the ring at the current tail, advancing tail and
// wrapping as needed. Callers are responsible for capacity checks.
func (r *memRing) write(b []byte) {
	r.tail = r.pokeAt(r.tail, b)
}

func (r *memRing) pokeAt(pos int, b []byte) int {
	n := len(r.data)
	for len(b) > 0 {
		space := n - pos
		chunk := len(b)
		if chunk > space {
			chunk = space
		}
		copy(r.data[pos:], b[:chunk])
		pos = (pos + chunk) % n
		b = b[chunk:]
	}
	return pos
}

// read copies out of the ring at the current head into dst, advancing
// head and wrapping as needed.
func (r *memRing) read(dst []byte) {
	r.head = r.peekAt(r.head, dst)
}

// peekAt copies out of the ring starting at pos into dst without
// mutating head/tail, returning the position just past what it read.
// Used by Save to walk the ring in logical order non-destructively.
func (r *memRing) peekAt(pos int, dst []byte) int {
	n := len(r.data)
	for len(dst) > 0 {
		space := n - pos
		chunk := len(dst)
		if chunk > space {
			chunk = space
		}
		copy(dst[:chunk], r.data[pos:])
		pos = (pos + chunk) % n
		dst = dst[chunk:]
	}
	return pos
}

// Save writes a byte-exact dump: an 8-byte header (capacity, record
// count) followed by every record in FIFO order, each framed the same
// way it's framed inside the ring.
func (r *memRing) Save(w io.Writer) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(r.data)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(r.records))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	pos := r.head
	for i := 0; i < r.records; i++ {
		var frame [ringFrameSize]byte
		pos = r.peekAt(pos, frame[:])
		length := binary.LittleEndian.Uint32(frame[:])
		payload := make([]byte, length)
		if length > 0 {
			pos = r.peekAt(pos, payload)
		}
		if _, err := w.Write(frame[:]); err != nil {
			return err
		}
		if length > 0 {
			if _, err := w.Write(payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadMemRing reads a dump produced by Save back into a freshly sized
// ring.
func loadMemRing(r io.Reader) (*memRing, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	capacity := binary.LittleEndian.Uint32(hdr[0:4])
	records := binary.LittleEndian.Uint32(hdr[4:8])

	ring := newMemRing(int(capacity))
	for i := uint32(0); i < records; i++ {
		var frame [ringFrameSize]byte
		if _, err := io.ReadFull(r, frame[:]); err != nil {
			return nil, err
		}
		length := binary.LittleEndian.Uint32(frame[:])
		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(r, payload); err != nil {
				return nil, err
			}
		}
		if !ring.Push(payload) {
			return nil, fmt.Errorf("qnode: ring dump does not fit its declared capacity")
		}
	}
	return ring, nil
}
