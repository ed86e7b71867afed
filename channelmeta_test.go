package qnode

import "testing"

func TestChannelMetaReset(t *testing.T) {
	m := newChannelMeta(5)
	m.records = 3
	m.bytes = 100
	m.firstOffset = 8
	m.lastOffset = 40
	m.lastHeader = RecordHeader{ChannelID: 5}
	m.trackerEntry = 8
	m.hasTrackerEntry = true

	m.reset()

	if m.id != 5 {
		t.Errorf("reset() changed id to %d, want 5", m.id)
	}
	if m.records != 0 || m.bytes != 0 || m.firstOffset != 0 || m.lastOffset != 0 || m.hasTrackerEntry {
		t.Errorf("reset() left nonzero state: %+v", m)
	}
	if !m.isEmpty() {
		t.Error("isEmpty() = false after reset()")
	}
}

func TestChannelMetaCheckInvariants(t *testing.T) {
	tests := []struct {
		name    string
		m       *channelMeta
		wantErr bool
	}{
		{
			name: "empty is valid",
			m:    newChannelMeta(1),
		},
		{
			name: "empty with stray offset is invalid",
			m:    &channelMeta{id: 1, firstOffset: 8},
			wantErr: true,
		},
		{
			name: "single record valid",
			m: &channelMeta{
				id: 1, records: 1, bytes: 5,
				firstOffset: 8, lastOffset: 8,
				lastHeader: RecordHeader{ChannelID: 1},
			},
		},
		{
			name: "single record with mismatched offsets is invalid",
			m: &channelMeta{
				id: 1, records: 1,
				firstOffset: 8, lastOffset: 40,
			},
			wantErr: true,
		},
		{
			name: "multi record valid",
			m: &channelMeta{
				id: 1, records: 2, bytes: 10,
				firstOffset: 8, lastOffset: 40,
				lastHeader: RecordHeader{ChannelID: 1},
			},
		},
		{
			name: "multi record with first >= last is invalid",
			m: &channelMeta{
				id: 1, records: 2,
				firstOffset: 40, lastOffset: 8,
			},
			wantErr: true,
		},
		{
			name: "first_offset before magic is invalid",
			m: &channelMeta{
				id: 1, records: 1,
				firstOffset: 2, lastOffset: 2,
				lastHeader: RecordHeader{ChannelID: 1},
			},
			wantErr: true,
		},
		{
			name: "last_header channel_id mismatch is invalid",
			m: &channelMeta{
				id: 1, records: 1,
				firstOffset: 8, lastOffset: 8,
				lastHeader: RecordHeader{ChannelID: 2},
			},
			wantErr: true,
		},
		{
			name: "last_header nonzero next_offset is invalid",
			m: &channelMeta{
				id: 1, records: 1,
				firstOffset: 8, lastOffset: 8,
				lastHeader: RecordHeader{ChannelID: 1, NextOffset: 10},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.checkInvariants()
			if (err != nil) != tt.wantErr {
				t.Errorf("checkInvariants() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
