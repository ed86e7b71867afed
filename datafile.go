package qnode

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// collapseChunkSize is the granularity head truncation always rounds
// down to; fallocate(COLLAPSE_RANGE) on most filesystems additionally
// requires block-size-aligned ranges, and 1MiB comfortably satisfies
// that on every filesystem this targets.
const collapseChunkSize = 1 << 20

// dataFile is the shared append-only file all channels write records
// into. It extends posixFile with the three fallocate modes the
// overflow engine needs.
type dataFile struct {
	*posixFile
	headTruncateSupported bool
}

// openDataFile opens (creating if absent) dir/name and runs the
// head-truncation capability probe once.
func openDataFile(dir, name string) (*dataFile, error) {
	pf, err := openPosixFile(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	supported, err := probeCollapseRangeSupport(dir)
	if err != nil {
		// A probe failure is not fatal to opening the store; it just
		// means head truncation is conservatively disabled.
		supported = false
	}
	return &dataFile{posixFile: pf, headTruncateSupported: supported}, nil
}

// probeCollapseRangeSupport creates a throwaway file on dir's
// filesystem, allocates 1MiB+100B, attempts to collapse the first
// 1MiB, and checks the resulting size is exactly 100B.
func probeCollapseRangeSupport(dir string) (bool, error) {
	tmp, err := os.CreateTemp(dir, ".qnode-probe-*")
	if err != nil {
		return false, err
	}
	path := tmp.Name()
	defer os.Remove(path)
	defer tmp.Close()

	fd := int(tmp.Fd())
	const probeSize = collapseChunkSize + 100

	if err := unix.Fallocate(fd, 0, 0, probeSize); err != nil {
		return false, nil
	}

	err = unix.Fallocate(fd, unix.FALLOC_FL_COLLAPSE_RANGE, 0, collapseChunkSize)
	if err != nil {
		return false, nil
	}

	fi, err := tmp.Stat()
	if err != nil {
		return false, err
	}
	return fi.Size() == 100, nil
}

// Allocate extends the file's reserved space by size bytes starting at
// off without changing the reported length semantics beyond what the
// kernel's fallocate(2) already guarantees.
func (d *dataFile) Allocate(off, size int64) error {
	err := retryEINTR(func() error {
		return unix.Fallocate(d.fd(), 0, off, size)
	})
	if err != nil {
		return newFileError(d.name, "fallocate", err)
	}
	return nil
}

// ZeroRange fills [off, off+size) with zero bytes without changing the
// file's length.
func (d *dataFile) ZeroRange(off, size int64) error {
	err := retryEINTR(func() error {
		return unix.Fallocate(d.fd(), unix.FALLOC_FL_ZERO_RANGE, off, size)
	})
	if err != nil {
		return newFileError(d.name, "fallocate(zero_range)", err)
	}
	return nil
}

// collapseRange removes [off, off+size) from the file, shifting
// everything after it down by size bytes and shrinking the file by
// size bytes. size must be a multiple of the filesystem's collapse
// granularity; this wrapper does not round on the caller's behalf.
func (d *dataFile) collapseRange(off, size int64) error {
	err := retryEINTR(func() error {
		return unix.Fallocate(d.fd(), unix.FALLOC_FL_COLLAPSE_RANGE, off, size)
	})
	if err != nil {
		return newFileError(d.name, "fallocate(collapse_range)", err)
	}
	return nil
}

// HeadTruncate removes an integer multiple of collapseChunkSize bytes
// (rounded down from want) starting at offset 0, if and only if head
// truncation is supported on this filesystem. It returns the number of
// bytes actually removed, which may be 0.
func (d *dataFile) HeadTruncate(want int64) (int64, error) {
	if !d.headTruncateSupported || want <= 0 {
		return 0, nil
	}
	n := (want / collapseChunkSize) * collapseChunkSize
	if n <= 0 {
		return 0, nil
	}
	if err := d.collapseRange(0, n); err != nil {
		return 0, err
	}
	return n, nil
}

// WritevAt gathers bufs starting at off, resuming correctly after any
// short underlying write. It returns the new end-of-write offset.
func (d *dataFile) WritevAt(bufs [][]byte, off int64) (int64, error) {
	if err := d.Writev(bufs, off); err != nil {
		return off, err
	}
	var total int64
	for _, b := range bufs {
		total += int64(len(b))
	}
	return off + total, nil
}

// ensureMagic writes the magic header at offset 0 if the file is
// currently empty, returning the offset right after the magic either
// way.
func (d *dataFile) ensureMagic() (int64, error) {
	size, err := d.Size()
	if err != nil {
		return 0, err
	}
	if size == 0 {
		if _, err := d.Pwrite([]byte(magic), 0); err != nil {
			return 0, err
		}
		return int64(len(magic)), nil
	}
	if size < int64(len(magic)) {
		return 0, fmt.Errorf("qnode: data file %s is truncated (size %d < magic length)", d.name, size)
	}
	var buf [len(magic)]byte
	if _, err := d.Pread(buf[:], 0); err != nil {
		return 0, err
	}
	if string(buf[:]) != magic {
		return 0, newConsistencyError(d.name, 0, "bad magic")
	}
	return int64(len(magic)), nil
}
