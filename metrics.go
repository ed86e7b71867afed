package qnode

import "sync/atomic"

// EngineMetrics tracks atomic, lock-free engine-wide counters. It is
// embedded by value in Engine so every Engine has its own set.
type EngineMetrics struct {
	PushesTotal       atomic.Uint64
	PopsTotal         atomic.Uint64
	BytesPushed       atomic.Uint64
	BytesPopped       atomic.Uint64
	FlushesTotal      atomic.Uint64
	HeadTruncations   atomic.Uint64
	BytesReclaimed    atomic.Uint64
	ConsistencyErrors atomic.Uint64
	ChannelsCreated   atomic.Uint64
	ChannelsRemoved   atomic.Uint64
	CompressedEntries atomic.Uint64
	SkippedCompression atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of EngineMetrics safe to hand
// to a caller.
type MetricsSnapshot struct {
	PushesTotal         uint64
	PopsTotal           uint64
	BytesPushed         uint64
	BytesPopped         uint64
	FlushesTotal        uint64
	HeadTruncations     uint64
	BytesReclaimed      uint64
	ConsistencyErrors   uint64
	ChannelsCreated     uint64
	ChannelsRemoved     uint64
	CompressedEntries   uint64
	SkippedCompression  uint64
}

// Snapshot returns a point-in-time copy.
func (m *EngineMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		PushesTotal:        m.PushesTotal.Load(),
		PopsTotal:          m.PopsTotal.Load(),
		BytesPushed:        m.BytesPushed.Load(),
		BytesPopped:        m.BytesPopped.Load(),
		FlushesTotal:       m.FlushesTotal.Load(),
		HeadTruncations:    m.HeadTruncations.Load(),
		BytesReclaimed:     m.BytesReclaimed.Load(),
		ConsistencyErrors:  m.ConsistencyErrors.Load(),
		ChannelsCreated:    m.ChannelsCreated.Load(),
		ChannelsRemoved:    m.ChannelsRemoved.Load(),
		CompressedEntries:  m.CompressedEntries.Load(),
		SkippedCompression: m.SkippedCompression.Load(),
	}
}
