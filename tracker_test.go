package qnode

import "testing"

func TestOffsetTrackerInsertKeepsSortedOrder(t *testing.T) {
	tr := newOffsetTracker()
	for _, off := range []int64{50, 10, 30, 10, 20} {
		tr.Insert(off)
	}
	want := []int64{10, 20, 30, 50}
	if tr.Len() != len(want) {
		t.Fatalf("Len() = %d, want %d (duplicate insert should be a no-op)", tr.Len(), len(want))
	}
	for i, off := range want {
		if tr.offsets[i] != off {
			t.Errorf("offsets[%d] = %d, want %d", i, tr.offsets[i], off)
		}
	}
}

func TestOffsetTrackerRemove(t *testing.T) {
	tr := newOffsetTracker()
	tr.Insert(10)
	tr.Insert(20)
	tr.Insert(30)
	tr.Remove(20)
	if tr.Len() != 2 {
		t.Fatalf("Len() after Remove = %d, want 2", tr.Len())
	}
	if _, found := tr.search(20); found {
		t.Error("20 still found after Remove")
	}
	tr.Remove(999) // no-op, not present
	if tr.Len() != 2 {
		t.Errorf("Len() after removing absent offset = %d, want 2", tr.Len())
	}
}

func TestOffsetTrackerReplace(t *testing.T) {
	tr := newOffsetTracker()
	tr.Insert(10)
	tr.Insert(20)
	tr.Replace(10, 15)
	want := []int64{15, 20}
	if tr.Len() != len(want) {
		t.Fatalf("Len() = %d, want %d", tr.Len(), len(want))
	}
	for i, off := range want {
		if tr.offsets[i] != off {
			t.Errorf("offsets[%d] = %d, want %d", i, tr.offsets[i], off)
		}
	}
}

func TestOffsetTrackerMin(t *testing.T) {
	tr := newOffsetTracker()
	if _, ok := tr.Min(); ok {
		t.Error("Min() on empty tracker, want ok=false")
	}
	tr.Insert(30)
	tr.Insert(10)
	tr.Insert(20)
	min, ok := tr.Min()
	if !ok || min != 10 {
		t.Errorf("Min() = (%d, %v), want (10, true)", min, ok)
	}
}

func TestOffsetTrackerNext(t *testing.T) {
	tr := newOffsetTracker()
	tr.Insert(10)
	tr.Insert(30)
	tr.Insert(50)

	tests := []struct {
		from int64
		want int64
		ok   bool
	}{
		{0, 10, true},
		{10, 30, true},
		{29, 30, true},
		{50, 0, false},
		{100, 0, false},
	}
	for _, tt := range tests {
		got, ok := tr.Next(tt.from)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Next(%d) = (%d, %v), want (%d, %v)", tt.from, got, ok, tt.want, tt.ok)
		}
	}
}

func TestOffsetTrackerSubtractAllPreservesOrder(t *testing.T) {
	tr := newOffsetTracker()
	tr.Insert(100)
	tr.Insert(200)
	tr.Insert(300)
	tr.SubtractAll(50)
	want := []int64{50, 150, 250}
	for i, off := range want {
		if tr.offsets[i] != off {
			t.Errorf("offsets[%d] = %d, want %d", i, tr.offsets[i], off)
		}
	}
}
