package qnode

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// posixFile is a thin, EINTR-safe wrapper around an *os.File. Every
// method asserts the descriptor is still open and every failure is
// reported as a *FileError carrying the file name, the failing
// operation, and the underlying errno.
type posixFile struct {
	name string
	f    *os.File
}

func openPosixFile(path string) (*posixFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, newFileError(path, "open", err)
	}
	return &posixFile{name: path, f: f}, nil
}

func (p *posixFile) assertOpen() {
	if p.f == nil {
		panic("qnode: use of closed posixFile " + p.name)
	}
}

func (p *posixFile) fd() int {
	p.assertOpen()
	return int(p.f.Fd())
}

// retryEINTR runs fn, transparently restarting it on EINTR, the way
// every blocking syscall on this interface must behave.
func retryEINTR(fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

// Pread reads len(buf) bytes at offset off without disturbing the
// current file position.
func (p *posixFile) Pread(buf []byte, off int64) (int, error) {
	p.assertOpen()
	var n int
	err := retryEINTR(func() error {
		var innerErr error
		n, innerErr = unix.Pread(p.fd(), buf, off)
		return innerErr
	})
	if err != nil {
		return n, newFileError(p.name, "pread", err)
	}
	return n, nil
}

// Pwrite writes buf at offset off without disturbing the current file
// position.
func (p *posixFile) Pwrite(buf []byte, off int64) (int, error) {
	p.assertOpen()
	var n int
	err := retryEINTR(func() error {
		var innerErr error
		n, innerErr = unix.Pwrite(p.fd(), buf, off)
		return innerErr
	})
	if err != nil {
		return n, newFileError(p.name, "pwrite", err)
	}
	return n, nil
}

// Writev gathers bufs to the file starting at offset off via
// successive pwrite calls, resuming correctly after a short write. The
// current file position is not used or moved.
func (p *posixFile) Writev(bufs [][]byte, off int64) error {
	p.assertOpen()
	cursor := off
	for _, buf := range bufs {
		remaining := buf
		for len(remaining) > 0 {
			n, err := p.Pwrite(remaining, cursor)
			if err != nil {
				return err
			}
			remaining = remaining[n:]
			cursor += int64(n)
		}
	}
	return nil
}

// Seek seeks to an absolute offset from the start of the file and
// returns the resulting offset.
func (p *posixFile) Seek(off int64) (int64, error) {
	p.assertOpen()
	n, err := p.f.Seek(off, 0)
	if err != nil {
		return 0, newFileError(p.name, "lseek", err)
	}
	return n, nil
}

// SeekEnd seeks to the end of the file and returns the resulting size.
func (p *posixFile) SeekEnd() (int64, error) {
	p.assertOpen()
	n, err := p.f.Seek(0, 2)
	if err != nil {
		return 0, newFileError(p.name, "lseek", err)
	}
	return n, nil
}

// Size returns the current file size without moving the position.
func (p *posixFile) Size() (int64, error) {
	p.assertOpen()
	fi, err := p.f.Stat()
	if err != nil {
		return 0, newFileError(p.name, "fstat", err)
	}
	return fi.Size(), nil
}

// Reset truncates the file to zero length ("reset" in spec terms).
func (p *posixFile) Reset() error {
	p.assertOpen()
	if err := p.f.Truncate(0); err != nil {
		return newFileError(p.name, "ftruncate", err)
	}
	if _, err := p.f.Seek(0, 0); err != nil {
		return newFileError(p.name, "lseek", err)
	}
	return nil
}

// Truncate sets the file to exactly size bytes.
func (p *posixFile) Truncate(size int64) error {
	p.assertOpen()
	if err := p.f.Truncate(size); err != nil {
		return newFileError(p.name, "ftruncate", err)
	}
	return nil
}

// Flush fdatasyncs the file ("flush" in spec terms).
func (p *posixFile) Flush() error {
	p.assertOpen()
	err := retryEINTR(func() error {
		return unix.Fdatasync(p.fd())
	})
	if err != nil {
		return newFileError(p.name, "fdatasync", err)
	}
	return nil
}

// Close closes the file descriptor.
func (p *posixFile) Close() error {
	if p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f = nil
	if err != nil {
		return newFileError(p.name, "close", err)
	}
	return nil
}

// Remove unlinks the file and closes the descriptor.
func (p *posixFile) Remove() error {
	p.assertOpen()
	closeErr := p.Close()
	if err := os.Remove(p.name); err != nil && !os.IsNotExist(err) {
		return newFileError(p.name, "unlink", err)
	}
	return closeErr
}
