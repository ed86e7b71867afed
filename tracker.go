package qnode

import "sort"

// offsetTracker keeps the set of per-channel first-offsets the overflow
// engine currently holds, sorted ascending, so the engine can cheaply
// answer "what's the smallest offset still live" when deciding how much
// of the head of the data file it is safe to collapse. Comet's
// BinarySearchableIndex does the same job for shard entry lookups with
// a sorted slice and sort.Search; this does the same thing for a set of
// int64 offsets instead of entries.
type offsetTracker struct {
	offsets []int64
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{}
}

// search returns the index of off in t.offsets, and whether it was
// found.
func (t *offsetTracker) search(off int64) (int, bool) {
	i := sort.Search(len(t.offsets), func(i int) bool {
		return t.offsets[i] >= off
	})
	if i < len(t.offsets) && t.offsets[i] == off {
		return i, true
	}
	return i, false
}

// Insert adds off to the tracked set. Inserting an offset already
// present is a no-op: a channel's first-offset only ever occupies one
// slot regardless of how many times Insert is called for it.
func (t *offsetTracker) Insert(off int64) {
	i, found := t.search(off)
	if found {
		return
	}
	t.offsets = append(t.offsets, 0)
	copy(t.offsets[i+1:], t.offsets[i:])
	t.offsets[i] = off
}

// Remove drops off from the tracked set, if present.
func (t *offsetTracker) Remove(off int64) {
	i, found := t.search(off)
	if !found {
		return
	}
	t.offsets = append(t.offsets[:i], t.offsets[i+1:]...)
}

// Replace moves a tracked offset from old to new in one step, which is
// the common case when a channel's head record is popped and its
// first-offset advances to the next record in its chain.
func (t *offsetTracker) Replace(old, new int64) {
	t.Remove(old)
	t.Insert(new)
}

// Min returns the smallest tracked offset and true, or (0, false) if
// the tracker is empty. The overflow engine may only collapse the data
// file up to this point: every byte before it belongs to a record no
// channel still references, but Min and everything after it may still
// be read.
func (t *offsetTracker) Min() (int64, bool) {
	if len(t.offsets) == 0 {
		return 0, false
	}
	return t.offsets[0], true
}

// Next returns the smallest tracked offset strictly greater than off,
// and true, or (0, false) if none exists.
func (t *offsetTracker) Next(off int64) (int64, bool) {
	i := sort.Search(len(t.offsets), func(i int) bool {
		return t.offsets[i] > off
	})
	if i >= len(t.offsets) {
		return 0, false
	}
	return t.offsets[i], true
}

// Len reports how many offsets are currently tracked.
func (t *offsetTracker) Len() int {
	return len(t.offsets)
}

// SubtractAll shifts every tracked offset down by n, preserving sort
// order, as happens when the underlying data file's head is collapsed
// by n bytes and every surviving record's offset moves down with it.
func (t *offsetTracker) SubtractAll(n int64) {
	for i := range t.offsets {
		t.offsets[i] -= n
	}
}
