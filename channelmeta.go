package qnode

// channelMeta is the overflow engine's per-channel bookkeeping entry:
// the record/byte counts not yet popped, the file offsets bounding the
// channel's linked chain, and a cached copy of the last header written
// for that channel so a push can rewrite its next_offset without a
// round-trip read.
//
// channelMeta refers to the offset tracker only by value rather than
// by an owning reference: trackerEntry is the offset currently
// registered in the tracker (and is only meaningful while records > 0),
// and the tracker itself knows nothing about channelMeta. Renaming a
// channel preserves the same *channelMeta value, so a pointer obtained
// before the rename stays valid.
type channelMeta struct {
	id uint32

	records uint64
	bytes   uint64

	firstOffset int64
	lastOffset  int64

	lastHeader RecordHeader

	// trackerEntry mirrors firstOffset while records > 0. It exists
	// separately so a caller can tell "not tracked" (hasTrackerEntry
	// false) apart from a legitimately tracked offset of 0.
	trackerEntry    int64
	hasTrackerEntry bool
}

func newChannelMeta(id uint32) *channelMeta {
	return &channelMeta{id: id}
}

// reset clears every field except id, the one identity a channelMeta
// keeps across a pop-to-empty or an explicit clear.
func (m *channelMeta) reset() {
	m.records = 0
	m.bytes = 0
	m.firstOffset = 0
	m.lastOffset = 0
	m.lastHeader = RecordHeader{}
	m.trackerEntry = 0
	m.hasTrackerEntry = false
}

// checkInvariants verifies the relations that must hold between a
// channelMeta's fields at any quiescent point (never mid-push/pop).
func (m *channelMeta) checkInvariants() error {
	switch {
	case m.records == 0:
		if m.firstOffset != 0 || m.lastOffset != 0 || m.bytes != 0 || m.hasTrackerEntry {
			return newConsistencyError("", m.firstOffset, "empty channel has nonzero offsets, bytes, or tracker entry")
		}
	case m.records == 1:
		if m.firstOffset != m.lastOffset {
			return newConsistencyError("", m.firstOffset, "single-record channel has first_offset != last_offset")
		}
	default:
		if m.firstOffset >= m.lastOffset {
			return newConsistencyError("", m.firstOffset, "multi-record channel has first_offset >= last_offset")
		}
	}
	if m.records > 0 {
		if m.firstOffset < int64(len(magic)) {
			return newConsistencyError("", m.firstOffset, "first_offset precedes magic")
		}
		if m.lastHeader.ChannelID != m.id {
			return newConsistencyError("", m.lastOffset, "last_header channel_id mismatch")
		}
		if m.lastHeader.NextOffset != 0 {
			return newConsistencyError("", m.lastOffset, "last_header next_offset is nonzero")
		}
	}
	return nil
}

func (m *channelMeta) isEmpty() bool {
	return m.records == 0
}
