package qnode

import (
	"fmt"
	"math"
)

// overflowEngine is the single shared disk tier every channel's storage
// spills into once its memory ring is full. It owns the data file
// (overflow.dat), the index file (ofchannels.csv), the channel_name ->
// channelMeta dictionary, the first-offset tracker, and the running
// global record/byte counts and highest-allocated channel id.
//
// An overflowEngine is not safe for concurrent entry; every method
// assumes it is called from the single cooperative goroutine that owns
// the whole engine.
type overflowEngine struct {
	dataFile  *dataFile
	indexFile *indexFile

	channels map[string]*channelMeta
	tracker  *offsetTracker

	globalRecords     uint64
	globalBytes       uint64
	highestChannelID  uint32

	logger  Logger
	metrics *EngineMetrics
}

func openOverflowEngine(dir string, logger Logger, metrics *EngineMetrics) (*overflowEngine, error) {
	df, err := openDataFile(dir, "overflow.dat")
	if err != nil {
		return nil, err
	}
	idxf, err := openIndexFile(dir, "ofchannels.csv")
	if err != nil {
		df.Close()
		return nil, err
	}

	e := &overflowEngine{
		dataFile:  df,
		indexFile: idxf,
		channels:  make(map[string]*channelMeta),
		tracker:   newOffsetTracker(),
		logger:    logger,
		metrics:   metrics,
	}
	if err := e.recover(); err != nil {
		df.Close()
		idxf.Close()
		return nil, err
	}
	return e, nil
}

// GetOrCreate returns the channel's metadata, creating and allocating
// a fresh id for it if this is the first time it's been seen.
func (e *overflowEngine) GetOrCreate(name string) (*channelMeta, error) {
	if m, ok := e.channels[name]; ok {
		return m, nil
	}
	if e.highestChannelID == math.MaxUint32 {
		return nil, fmt.Errorf("qnode: overflow channel id space exhausted")
	}
	e.highestChannelID++
	m := newChannelMeta(e.highestChannelID)
	e.channels[name] = m
	if e.metrics != nil {
		e.metrics.ChannelsCreated.Add(1)
	}
	return m, nil
}

// Lookup returns a channel's metadata without creating it.
func (e *overflowEngine) Lookup(name string) (*channelMeta, bool) {
	m, ok := e.channels[name]
	return m, ok
}

// Iterate calls fn once per known storage name. fn must not mutate the
// engine's channel dictionary.
func (e *overflowEngine) Iterate(fn func(name string, m *channelMeta)) {
	for name, m := range e.channels {
		fn(name, m)
	}
}

// Push appends payload to name's chain, rewriting the channel's
// previous tail header to point at it.
func (e *overflowEngine) Push(name string, payload []byte) error {
	m, err := e.GetOrCreate(name)
	if err != nil {
		return err
	}
	return e.pushTo(m, payload)
}

func (e *overflowEngine) pushTo(m *channelMeta, payload []byte) error {
	pos, err := e.dataFile.SeekEnd()
	if err != nil {
		return err
	}
	if e.globalRecords == 0 {
		if pos != 0 {
			return newConsistencyError(e.dataFile.name, pos, "data file nonempty but global record count is zero")
		}
		if _, err := e.dataFile.Pwrite([]byte(magic), 0); err != nil {
			return err
		}
		pos = int64(len(magic))
	}

	if m.records > 0 {
		prev := m.lastHeader
		prev.NextOffset = pos - m.lastOffset
		if _, err := e.dataFile.Pwrite(prev.encode(), m.lastOffset); err != nil {
			return err
		}
		m.lastHeader = prev
	}

	hdr := RecordHeader{ChannelID: m.id, NextOffset: 0, Length: uint64(len(payload))}
	if _, err := e.dataFile.WritevAt([][]byte{hdr.encode(), payload}, pos); err != nil {
		return err
	}

	firstPush := m.records == 0
	m.lastOffset = pos
	m.lastHeader = hdr
	m.bytes += uint64(len(payload))
	m.records++
	if firstPush {
		m.firstOffset = pos
		m.trackerEntry = pos
		m.hasTrackerEntry = true
		e.tracker.Insert(pos)
	}

	e.globalRecords++
	e.globalBytes += uint64(len(payload))

	if e.metrics != nil {
		e.metrics.PushesTotal.Add(1)
		e.metrics.BytesPushed.Add(uint64(len(payload)))
	}
	return nil
}

// Pop removes and returns name's oldest record, calling alloc(length)
// to obtain the buffer the payload is read into. ok is false if the
// channel has no records; it is not an error to pop an empty or
// nonexistent channel.
func (e *overflowEngine) Pop(name string, alloc func(length int) []byte) (payload []byte, ok bool, err error) {
	m, exists := e.channels[name]
	if !exists || m.records == 0 {
		return nil, false, nil
	}
	return e.popFrom(m, alloc)
}

func (e *overflowEngine) popFrom(m *channelMeta, alloc func(int) []byte) ([]byte, bool, error) {
	var hdrBuf [headerSize]byte
	if _, err := e.dataFile.Pread(hdrBuf[:], m.firstOffset); err != nil {
		return nil, false, err
	}
	if !verifyParity(hdrBuf[:]) {
		e.bumpConsistencyErrors()
		return nil, false, newConsistencyError(e.dataFile.name, m.firstOffset, "parity check failed on pop")
	}
	hdr := decodeRecordHeader(hdrBuf[:])
	if hdr.ChannelID != m.id {
		e.bumpConsistencyErrors()
		return nil, false, newConsistencyError(e.dataFile.name, m.firstOffset, "channel_id mismatch on pop")
	}
	if hdr.NextOffset != 0 && hdr.NextOffset < int64(headerSize) {
		e.bumpConsistencyErrors()
		return nil, false, newConsistencyError(e.dataFile.name, m.firstOffset, "impossible next_offset on pop")
	}
	if hdr.Length > maxPayloadSize {
		e.bumpConsistencyErrors()
		return nil, false, newConsistencyError(e.dataFile.name, m.firstOffset, "payload length exceeds maximum")
	}

	buf := alloc(int(hdr.Length))
	if hdr.Length > 0 {
		if _, err := e.dataFile.Pread(buf, m.firstOffset+int64(headerSize)); err != nil {
			return nil, false, err
		}
	}

	m.records--
	m.bytes -= hdr.Length

	switch {
	case m.records == 0:
		if hdr.NextOffset != 0 || m.bytes != 0 {
			return nil, false, newConsistencyError(e.dataFile.name, m.firstOffset, "pop-to-empty invariant violated")
		}
		e.tracker.Remove(m.firstOffset)
		m.reset()
	case m.records == 1:
		if m.firstOffset+hdr.NextOffset != m.lastOffset {
			return nil, false, newConsistencyError(e.dataFile.name, m.firstOffset, "pop-to-single invariant violated")
		}
		e.advanceFirstOffset(m, hdr.NextOffset)
	default:
		if hdr.NextOffset == 0 {
			return nil, false, newConsistencyError(e.dataFile.name, m.firstOffset, "multi-record channel missing next_offset")
		}
		e.advanceFirstOffset(m, hdr.NextOffset)
	}

	e.globalRecords--
	e.globalBytes -= hdr.Length
	if e.globalRecords == 0 {
		if err := e.truncateBoth(); err != nil {
			return nil, false, err
		}
	}

	if e.metrics != nil {
		e.metrics.PopsTotal.Add(1)
		e.metrics.BytesPopped.Add(hdr.Length)
	}
	return buf, true, nil
}

func (e *overflowEngine) advanceFirstOffset(m *channelMeta, delta int64) {
	old := m.firstOffset
	m.firstOffset += delta
	e.tracker.Replace(old, m.firstOffset)
	m.trackerEntry = m.firstOffset
}

func (e *overflowEngine) bumpConsistencyErrors() {
	if e.metrics != nil {
		e.metrics.ConsistencyErrors.Add(1)
	}
}

// Clear discards every buffered record of name without touching the
// underlying bytes; they're reclaimed later by minimizeDataFileSize or
// a full clear.
func (e *overflowEngine) Clear(name string) error {
	m, ok := e.channels[name]
	if !ok {
		return nil
	}
	return e.clear(m)
}

func (e *overflowEngine) clear(m *channelMeta) error {
	if m.records == 0 {
		return nil
	}
	e.globalRecords -= m.records
	e.globalBytes -= m.bytes
	if m.hasTrackerEntry {
		e.tracker.Remove(m.firstOffset)
	}
	m.reset()
	if e.globalRecords == 0 {
		return e.truncateBoth()
	}
	return nil
}

func (e *overflowEngine) truncateBoth() error {
	if err := e.dataFile.Truncate(0); err != nil {
		return err
	}
	if err := e.indexFile.Truncate(0); err != nil {
		return err
	}
	return nil
}

// Rename moves a channel's metadata to a new dictionary key, preserving
// its identity so outstanding handles stay valid.
func (e *overflowEngine) Rename(oldName, newName string) (*channelMeta, error) {
	m, ok := e.channels[oldName]
	if !ok {
		return nil, fmt.Errorf("qnode: no such overflow channel %q", oldName)
	}
	if _, exists := e.channels[newName]; exists {
		return nil, fmt.Errorf("qnode: overflow channel %q already exists", newName)
	}
	delete(e.channels, oldName)
	e.channels[newName] = m
	return m, nil
}

// Remove clears and deletes name's dictionary entry. When the
// dictionary empties, the channel id allocator resets to 0.
func (e *overflowEngine) Remove(name string) error {
	m, ok := e.channels[name]
	if !ok {
		return nil
	}
	if err := e.clear(m); err != nil {
		return err
	}
	delete(e.channels, name)
	if len(e.channels) == 0 {
		e.highestChannelID = 0
	}
	if e.metrics != nil {
		e.metrics.ChannelsRemoved.Add(1)
	}
	return nil
}

// minimizeDataFileSize drops the dead prefix of the data file up to the
// tracker's minimum first-offset, rounded down to a whole collapse
// chunk, and installs a dummy record covering whatever sub-chunk
// remainder is left between the magic and the new minimum.
func (e *overflowEngine) minimizeDataFileSize() error {
	if !e.dataFile.headTruncateSupported || e.globalRecords == 0 {
		return nil
	}
	minOff, ok := e.tracker.Min()
	if !ok || minOff == int64(len(magic)) {
		return nil
	}

	n := minOff - (int64(len(magic)) + int64(headerSize))
	if n <= 0 {
		return nil
	}

	removed, err := e.dataFile.HeadTruncate(n)
	if err != nil {
		return err
	}
	if removed == 0 {
		return nil
	}

	if _, err := e.dataFile.SeekEnd(); err != nil {
		return err
	}

	for _, m := range e.channels {
		if m.records == 0 {
			continue
		}
		m.firstOffset -= removed
		m.lastOffset -= removed
		m.trackerEntry -= removed
	}
	e.tracker.SubtractAll(removed)

	newFirstOffset := minOff - removed
	if _, err := e.dataFile.Pwrite([]byte(magic), 0); err != nil {
		return err
	}

	dummyOff := int64(len(magic))
	dummyLength := newFirstOffset - dummyOff - int64(headerSize)
	if dummyLength < 0 {
		return newConsistencyError(e.dataFile.name, 0, "negative dummy record length after head truncation")
	}
	dummy := RecordHeader{ChannelID: 0, NextOffset: 0, Length: uint64(dummyLength)}
	if _, err := e.dataFile.Pwrite(dummy.encode(), dummyOff); err != nil {
		return err
	}
	if dummyLength > 0 {
		if err := e.dataFile.ZeroRange(dummyOff+int64(headerSize), dummyLength); err != nil {
			return err
		}
	}

	if e.metrics != nil {
		e.metrics.HeadTruncations.Add(1)
		e.metrics.BytesReclaimed.Add(uint64(removed))
	}
	return nil
}

// writeIndex rewrites the index file from the live channel dictionary,
// skipping empty channels (which would require inventing an id).
func (e *overflowEngine) writeIndex() error {
	return e.indexFile.Write(func(yield func(name string, m *channelMeta) bool) {
		for name, m := range e.channels {
			if m.records == 0 {
				continue
			}
			if !yield(name, m) {
				return
			}
		}
	})
}

// FlushData runs the more frequent half of the flush cadence: minimize
// the data file's head and fdatasync it. It does not touch the index
// file.
func (e *overflowEngine) FlushData() error {
	if err := e.minimizeDataFileSize(); err != nil {
		return err
	}
	if err := e.dataFile.Flush(); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.FlushesTotal.Add(1)
	}
	return nil
}

// FlushIndex runs the less frequent half of the flush cadence:
// rewrite ofchannels.csv from the live channel dictionary.
func (e *overflowEngine) FlushIndex() error {
	return e.writeIndex()
}

// Flush is the only durability barrier: it minimizes the data file,
// rewrites the index, and fdatasyncs the data file. Records pushed
// since the previous Flush may be lost on crash.
func (e *overflowEngine) Flush() error {
	if err := e.minimizeDataFileSize(); err != nil {
		return err
	}
	if err := e.writeIndex(); err != nil {
		return err
	}
	if err := e.dataFile.Flush(); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.FlushesTotal.Add(1)
	}
	return nil
}

// Close writes a final index and closes both files if there are any
// live records, or unlinks both files if there are none. File errors
// during close are logged and swallowed so shutdown can proceed.
func (e *overflowEngine) Close() error {
	if e.globalRecords == 0 {
		if err := e.indexFile.Remove(); err != nil {
			e.logger.Error("overflow: failed to remove empty index file", "error", err)
		}
		if err := e.dataFile.Remove(); err != nil {
			e.logger.Error("overflow: failed to remove empty data file", "error", err)
		}
		return nil
	}
	if err := e.writeIndex(); err != nil {
		e.logger.Error("overflow: failed to write index on close", "error", err)
	}
	if err := e.indexFile.Close(); err != nil {
		e.logger.Error("overflow: failed to close index file", "error", err)
	}
	if err := e.dataFile.Close(); err != nil {
		e.logger.Error("overflow: failed to close data file", "error", err)
	}
	return nil
}

// recover rebuilds the channel dictionary, tracker, and global counts
// from the index file on startup, validating every cross-reference
// into the data file along the way. Any failure here is fatal: a stale
// index against a live record chain is tolerated (see design notes),
// but an internally inconsistent index is not.
func (e *overflowEngine) recover() error {
	size, err := e.dataFile.Size()
	if err != nil {
		return err
	}
	if size == 0 {
		return nil
	}

	var magicBuf [len(magic)]byte
	if _, err := e.dataFile.Pread(magicBuf[:], 0); err != nil {
		return err
	}
	if string(magicBuf[:]) != magic {
		return newStartupError("data file magic mismatch")
	}

	fileSize, err := e.dataFile.SeekEnd()
	if err != nil {
		return err
	}

	seenIDs := make(map[uint32]bool)
	seenFirst := make(map[int64]bool)
	seenLast := make(map[int64]bool)

	err = e.indexFile.Read(func(lineNo int, rec indexLine) error {
		if _, exists := e.channels[rec.Name]; exists {
			return newStartupError("duplicate channel name %q at index line %d", rec.Name, lineNo)
		}
		if rec.LastOffset >= fileSize {
			return newStartupError("channel %q last_offset %d >= file size %d", rec.Name, rec.LastOffset, fileSize)
		}

		var firstBuf [headerSize]byte
		if _, err := e.dataFile.Pread(firstBuf[:], rec.FirstOffset); err != nil {
			return err
		}
		if !verifyParity(firstBuf[:]) {
			return newStartupError("channel %q first_offset %d fails parity check", rec.Name, rec.FirstOffset)
		}
		firstHdr := decodeRecordHeader(firstBuf[:])

		var lastBuf [headerSize]byte
		if _, err := e.dataFile.Pread(lastBuf[:], rec.LastOffset); err != nil {
			return err
		}
		if !verifyParity(lastBuf[:]) {
			return newStartupError("channel %q last_offset %d fails parity check", rec.Name, rec.LastOffset)
		}
		lastHdr := decodeRecordHeader(lastBuf[:])
		if lastHdr.NextOffset != 0 {
			return newStartupError("channel %q last record has nonzero next_offset", rec.Name)
		}
		if lastHdr.ChannelID != firstHdr.ChannelID {
			return newStartupError("channel %q first/last channel_id mismatch", rec.Name)
		}

		if seenIDs[firstHdr.ChannelID] {
			return newStartupError("duplicate channel id %d", firstHdr.ChannelID)
		}
		if seenFirst[rec.FirstOffset] {
			return newStartupError("duplicate first_offset %d", rec.FirstOffset)
		}
		if seenLast[rec.LastOffset] {
			return newStartupError("duplicate last_offset %d", rec.LastOffset)
		}
		seenIDs[firstHdr.ChannelID] = true
		seenFirst[rec.FirstOffset] = true
		seenLast[rec.LastOffset] = true

		m := &channelMeta{
			id:              firstHdr.ChannelID,
			records:         rec.Records,
			bytes:           rec.Bytes,
			firstOffset:     rec.FirstOffset,
			lastOffset:      rec.LastOffset,
			lastHeader:      lastHdr,
			trackerEntry:    rec.FirstOffset,
			hasTrackerEntry: true,
		}
		e.channels[rec.Name] = m
		e.tracker.Insert(rec.FirstOffset)
		e.globalRecords += rec.Records
		e.globalBytes += rec.Bytes
		if firstHdr.ChannelID > e.highestChannelID {
			e.highestChannelID = firstHdr.ChannelID
		}
		return nil
	})
	if err != nil {
		return err
	}

	minRequired := int64(len(magic)) + int64(e.globalBytes) + int64(e.globalRecords)*int64(headerSize)
	if fileSize < minRequired {
		return newStartupError("data file size %d smaller than required minimum %d", fileSize, minRequired)
	}

	return nil
}
