package qnode

import "fmt"

// FileError wraps a failed POSIX I/O call with enough context to diagnose
// it without a core dump: the file name, the operation, and the errno.
type FileError struct {
	File string
	Op   string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.File, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

func newFileError(file, op string, err error) *FileError {
	return &FileError{File: file, Op: op, Err: err}
}

// ConsistencyError reports a parity failure, a channel-id mismatch, or an
// impossible next_offset found while reading a record header. During
// steady state this fails the current request; during recovery it is
// fatal.
type ConsistencyError struct {
	File   string
	Offset int64
	Reason string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("overflow consistency error in %s at offset %d: %s", e.File, e.Offset, e.Reason)
}

func newConsistencyError(file string, offset int64, reason string) *ConsistencyError {
	return &ConsistencyError{File: file, Offset: offset, Reason: reason}
}

// IndexParseError reports a malformed index-file line at startup.
type IndexParseError struct {
	Line   int
	Reason string
}

func (e *IndexParseError) Error() string {
	return fmt.Sprintf("index file line %d: %s", e.Line, e.Reason)
}

func newIndexParseError(line int, reason string) *IndexParseError {
	return &IndexParseError{Line: line, Reason: reason}
}

// StartupError reports a fatal invariant violation discovered during
// engine recovery (duplicate channel id, duplicate offset, data file
// smaller than the index claims, and similar). Startup must abort.
type StartupError struct {
	Reason string
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup recovery failed: %s", e.Reason)
}

func newStartupError(reason string, args ...any) *StartupError {
	return &StartupError{Reason: fmt.Sprintf(reason, args...)}
}

// ErrShuttingDown is returned by GetOrCreate once the engine has begun
// shutdown; the caller surfaces it as a request failure.
var ErrShuttingDown = fmt.Errorf("qnode: engine is shutting down")
