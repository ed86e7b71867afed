package qnode

import (
	"os"
	"path/filepath"
	"reflect"
	"unsafe"
)

// storage is one storage_id's worth of state: a memory ring, a handle
// into the shared overflow engine, and the set of consumer listeners
// registered against it. A subscriber's storage_id is
// "subscriber@channel"; a channel's anonymous storage uses the bare
// channel name. storageDisplayID strips a leading "@" so the default
// "" subscriber's storage reads back as the bare channel name.
type storage struct {
	id        string
	ring      *memRing
	overflow  *overflowEngine
	comp      *compressor
	metrics   *EngineMetrics
	listeners []Listener
	nextRR    int
	detached  bool
}

func newStorage(id string, capacity int, overflow *overflowEngine, comp *compressor, metrics *EngineMetrics) *storage {
	return &storage{
		id:       id,
		ring:     newMemRing(capacity),
		overflow: overflow,
		comp:     comp,
		metrics:  metrics,
	}
}

func storageDisplayID(id string) string {
	if len(id) > 0 && id[0] == '@' {
		return id[1:]
	}
	return id
}

// Push tries the memory ring first, falling back to the overflow
// engine when the ring is full, then fires DataReady.
func (s *storage) Push(payload []byte) error {
	framed := s.comp.Encode(payload, s.metrics)
	if !s.ring.Push(framed) {
		if err := s.overflow.Push(s.id, framed); err != nil {
			return err
		}
	} else if s.metrics != nil {
		s.metrics.PushesTotal.Add(1)
		s.metrics.BytesPushed.Add(uint64(len(framed)))
	}
	s.notify(DataReady)
	return nil
}

// Pop tries the memory ring first, then the overflow engine. ok is
// false if both tiers are empty.
func (s *storage) Pop() (payload []byte, ok bool, err error) {
	if framed, hit := s.ring.Pop(); hit {
		if s.metrics != nil {
			s.metrics.PopsTotal.Add(1)
			s.metrics.BytesPopped.Add(uint64(len(framed)))
		}
		payload, err = s.comp.Decode(framed)
		return payload, true, err
	}
	framed, hit, err := s.overflow.Pop(s.id, func(n int) []byte { return make([]byte, n) })
	if err != nil || !hit {
		return nil, hit, err
	}
	payload, err = s.comp.Decode(framed)
	return payload, true, err
}

// Clear empties both tiers without emitting Finish; callers that want
// the Finish notification should call Reset instead.
func (s *storage) Clear() error {
	s.ring.Clear()
	return s.overflow.Clear(s.id)
}

// Reset clears the storage and broadcasts Finish, as happens when a
// channel is reset or a subscriber storage is removed.
func (s *storage) Reset() error {
	if err := s.Clear(); err != nil {
		return err
	}
	s.notify(Finish)
	return nil
}

// Flush broadcasts a Flush notification. The actual durability work
// (minimizing the data file, rewriting the index, fdatasync) happens
// once for the whole shared overflow engine; callers invoke this after
// that completes so every storage's listeners hear about it.
func (s *storage) Flush() {
	s.notify(Flush)
}

// Close writes the memory ring's contents to "<id>.rq" in dir unless
// the ring is empty, in which case any existing dump is removed.
func (s *storage) Close(dir string) error {
	path := filepath.Join(dir, s.id+".rq")
	if s.ring.Length() == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return newFileError(path, "unlink", err)
		}
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return newFileError(path, "open", err)
	}
	defer f.Close()
	if err := s.ring.Save(f); err != nil {
		return newFileError(path, "write", err)
	}
	return nil
}

// Rename moves the overflow handle to a new name, keeping the memory
// ring and listeners attached to the same *storage value. A storage
// that has never spilled to the overflow engine only changes its id.
func (s *storage) Rename(newID string) error {
	if _, known := s.overflow.Lookup(s.id); known && !s.detached {
		if _, err := s.overflow.Rename(s.id, newID); err != nil {
			return err
		}
	}
	s.id = newID
	return nil
}

// Remove detaches this storage from the overflow engine, discarding
// its on-disk records.
func (s *storage) Remove() error {
	if s.detached {
		return nil
	}
	if err := s.overflow.Remove(s.id); err != nil {
		return err
	}
	s.detached = true
	return nil
}

// Readd reattaches a detached storage to a (possibly fresh) overflow
// channel under its current id.
func (s *storage) Readd() error {
	if !s.detached {
		return nil
	}
	if _, err := s.overflow.GetOrCreate(s.id); err != nil {
		return err
	}
	s.detached = false
	return nil
}

func (s *storage) RegisterListener(l Listener) {
	s.listeners = append(s.listeners, l)
}

func (s *storage) UnregisterListener(l Listener) {
	for i, existing := range s.listeners {
		if sameListener(existing, l) {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// sameListener reports whether a and b are the same listener. Func-typed
// listeners such as ListenerFunc cannot be compared with ==, so they are
// matched by the identity of the function value they hold.
func sameListener(a, b Listener) bool {
	ta := reflect.TypeOf(a)
	if ta == nil || ta != reflect.TypeOf(b) {
		return a == nil && b == nil
	}
	if ta.Comparable() {
		return a == b
	}
	if ta.Kind() == reflect.Func {
		type iface struct{ typ, data unsafe.Pointer }
		return (*iface)(unsafe.Pointer(&a)).data == (*iface)(unsafe.Pointer(&b)).data
	}
	return false
}

// notify delivers an event to this storage's listeners: DataReady goes
// to exactly one listener, rotated round-robin; everything else
// broadcasts to all of them.
func (s *storage) notify(kind EventKind) {
	if len(s.listeners) == 0 {
		return
	}
	ev := Event{Kind: kind, Storage: s.id}
	if kind == DataReady {
		l := s.listeners[s.nextRR%len(s.listeners)]
		s.nextRR++
		l.Notify(ev)
		return
	}
	for _, l := range s.listeners {
		l.Notify(ev)
	}
}

// NumRecords sums the record count across both tiers.
func (s *storage) NumRecords() uint64 {
	n := uint64(s.ring.Length())
	if m, ok := s.overflow.Lookup(s.id); ok {
		n += m.records
	}
	return n
}

// NumBytes sums the payload byte count across both tiers (memory-tier
// bytes include framing, matching the ring's own UsedSpace accounting).
func (s *storage) NumBytes() uint64 {
	n := uint64(s.ring.UsedSpace())
	if m, ok := s.overflow.Lookup(s.id); ok {
		n += m.bytes
	}
	return n
}

// OverflowTotalBytes is the disk tier's payload bytes plus one header
// per disk record.
func (s *storage) OverflowTotalBytes() uint64 {
	m, ok := s.overflow.Lookup(s.id)
	if !ok {
		return 0
	}
	return m.bytes + m.records*uint64(headerSize)
}
