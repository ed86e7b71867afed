package qnode

import (
	"testing"
)

func TestDataFileEnsureMagicWritesOnce(t *testing.T) {
	dir := t.TempDir()
	df, err := openDataFile(dir, "overflow.dat")
	if err != nil {
		t.Fatalf("openDataFile() error = %v", err)
	}
	defer df.Close()

	pos, err := df.ensureMagic()
	if err != nil {
		t.Fatalf("ensureMagic() error = %v", err)
	}
	if pos != int64(len(magic)) {
		t.Errorf("ensureMagic() = %d, want %d", pos, len(magic))
	}

	pos2, err := df.ensureMagic()
	if err != nil {
		t.Fatalf("second ensureMagic() error = %v", err)
	}
	if pos2 != pos {
		t.Errorf("second ensureMagic() = %d, want %d", pos2, pos)
	}

	size, err := df.Size()
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if size != int64(len(magic)) {
		t.Errorf("Size() after two ensureMagic() calls = %d, want %d", size, len(magic))
	}
}

func TestDataFileEnsureMagicRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	df, err := openDataFile(dir, "overflow.dat")
	if err != nil {
		t.Fatalf("openDataFile() error = %v", err)
	}
	defer df.Close()

	if _, err := df.Pwrite([]byte("NOTMAGIC"), 0); err != nil {
		t.Fatalf("Pwrite() error = %v", err)
	}
	if _, err := df.ensureMagic(); err == nil {
		t.Error("ensureMagic() on a file with the wrong magic, want error")
	}
}

func TestDataFileAllocateAndZeroRange(t *testing.T) {
	dir := t.TempDir()
	df, err := openDataFile(dir, "overflow.dat")
	if err != nil {
		t.Fatalf("openDataFile() error = %v", err)
	}
	defer df.Close()

	if err := df.Allocate(0, 4096); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	size, err := df.Size()
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if size < 4096 {
		t.Errorf("Size() after Allocate(0, 4096) = %d, want >= 4096", size)
	}

	if _, err := df.Pwrite([]byte{0xFF, 0xFF, 0xFF, 0xFF}, 100); err != nil {
		t.Fatalf("Pwrite() error = %v", err)
	}
	if err := df.ZeroRange(100, 4); err != nil {
		t.Fatalf("ZeroRange() error = %v", err)
	}
	buf := make([]byte, 4)
	if _, err := df.Pread(buf, 100); err != nil {
		t.Fatalf("Pread() error = %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Errorf("buf[%d] = %#x after ZeroRange, want 0", i, b)
		}
	}
}

func TestDataFileHeadTruncateNoopWhenUnsupported(t *testing.T) {
	dir := t.TempDir()
	df, err := openDataFile(dir, "overflow.dat")
	if err != nil {
		t.Fatalf("openDataFile() error = %v", err)
	}
	defer df.Close()
	df.headTruncateSupported = false

	removed, err := df.HeadTruncate(collapseChunkSize * 4)
	if err != nil {
		t.Fatalf("HeadTruncate() error = %v", err)
	}
	if removed != 0 {
		t.Errorf("HeadTruncate() on unsupported filesystem = %d, want 0", removed)
	}
}

func TestDataFileHeadTruncateRoundsDownToChunk(t *testing.T) {
	dir := t.TempDir()
	df, err := openDataFile(dir, "overflow.dat")
	if err != nil {
		t.Fatalf("openDataFile() error = %v", err)
	}
	defer df.Close()
	if !df.headTruncateSupported {
		t.Skip("FALLOC_FL_COLLAPSE_RANGE not supported on this filesystem")
	}

	const totalChunks = 3
	if err := df.Allocate(0, collapseChunkSize*totalChunks); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	removed, err := df.HeadTruncate(collapseChunkSize*2 + 500)
	if err != nil {
		t.Fatalf("HeadTruncate() error = %v", err)
	}
	if removed != collapseChunkSize*2 {
		t.Errorf("HeadTruncate(2 chunks + 500) removed %d bytes, want %d", removed, collapseChunkSize*2)
	}

	size, err := df.Size()
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if size != collapseChunkSize*(totalChunks-2) {
		t.Errorf("Size() after HeadTruncate() = %d, want %d", size, collapseChunkSize*(totalChunks-2))
	}
}

func TestDataFileWritevAtReturnsEndOffset(t *testing.T) {
	dir := t.TempDir()
	df, err := openDataFile(dir, "overflow.dat")
	if err != nil {
		t.Fatalf("openDataFile() error = %v", err)
	}
	defer df.Close()

	end, err := df.WritevAt([][]byte{[]byte("ab"), []byte("cde")}, 10)
	if err != nil {
		t.Fatalf("WritevAt() error = %v", err)
	}
	if end != 15 {
		t.Errorf("WritevAt() end offset = %d, want 15", end)
	}
}
