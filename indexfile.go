package qnode

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// indexFile persists per-channel metadata as plain ASCII, one channel
// per line: "<storage_name> <records> <bytes> <first_offset> <last_offset>".
type indexFile struct {
	*posixFile
}

func openIndexFile(dir, name string) (*indexFile, error) {
	pf, err := openPosixFile(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	return &indexFile{posixFile: pf}, nil
}

// indexLine is one parsed, validated line of the index file. It carries
// no channel id: the real channel id is recovered from the data file's
// first record header, not stored in the index.
type indexLine struct {
	Name        string
	Records     uint64
	Bytes       uint64
	FirstOffset int64
	LastOffset  int64
}

const storageNameCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-@"

func validStorageNameChars(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if strings.IndexRune(storageNameCharset, r) < 0 {
			return false
		}
	}
	return true
}

// validateStorageName checks the storage-name charset and the "at most
// one '@', never trailing, never a lone '@'" rule. A leading '@' is
// allowed: "@channel" names the default "" subscriber.
func validateStorageName(s string) error {
	if !validStorageNameChars(s) {
		return fmt.Errorf("invalid characters in storage name %q", s)
	}
	count := strings.Count(s, "@")
	if count > 1 {
		return fmt.Errorf("storage name %q has more than one '@'", s)
	}
	if count == 1 {
		if strings.HasPrefix(s, "@") && len(s) == 1 {
			return fmt.Errorf("storage name %q is a lone '@'", s)
		}
		if strings.HasSuffix(s, "@") {
			return fmt.Errorf("storage name %q ends with '@'", s)
		}
	}
	return nil
}

// splitStorageName splits "subscriber@channel" into (subscriber,
// channel, hasSubscriber). A name with no '@' is the anonymous storage
// for "channel" and hasSubscriber is false.
func splitStorageName(s string) (subscriber, channel string, hasSubscriber bool) {
	idx := strings.IndexByte(s, '@')
	if idx < 0 {
		return "", s, false
	}
	return s[:idx], s[idx+1:], true
}

func storageName(subscriber, channel string) string {
	return subscriber + "@" + channel
}

// Read scans the index file line by line, delivering each parsed,
// validated line to handler along with its 1-based line number.
// Blank trailing whitespace at EOF is tolerated, not an error.
func (idx *indexFile) Read(handler func(line int, rec indexLine) error) error {
	idx.assertOpen()
	if _, err := idx.Seek(0); err != nil {
		return err
	}

	scanner := bufioScanner(idx.f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		rec, err := parseIndexLine(trimmed)
		if err != nil {
			return newIndexParseError(lineNo, err.Error())
		}
		if err := handler(lineNo, rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return newFileError(idx.name, "read", err)
	}
	return nil
}

func bufioScanner(f *os.File) *indexScanner {
	return &indexScanner{s: bufio.NewScanner(f)}
}

// indexScanner is a trivial indirection so Read's loop body reads the
// same whether backed by bufio.Scanner or a future replacement.
type indexScanner struct {
	s *bufio.Scanner
}

func (s *indexScanner) Scan() bool    { return s.s.Scan() }
func (s *indexScanner) Text() string  { return s.s.Text() }
func (s *indexScanner) Err() error    { return s.s.Err() }

func parseIndexLine(line string) (indexLine, error) {
	fields := strings.Fields(line)
	if len(fields) != 5 {
		return indexLine{}, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}
	name := fields[0]
	if err := validateStorageName(name); err != nil {
		return indexLine{}, err
	}
	records, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return indexLine{}, fmt.Errorf("invalid records field: %w", err)
	}
	bytes, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return indexLine{}, fmt.Errorf("invalid bytes field: %w", err)
	}
	first, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return indexLine{}, fmt.Errorf("invalid first_offset field: %w", err)
	}
	last, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return indexLine{}, fmt.Errorf("invalid last_offset field: %w", err)
	}

	rec := indexLine{Name: name, Records: records, Bytes: bytes, FirstOffset: first, LastOffset: last}
	if err := rec.checkInvariants(); err != nil {
		return indexLine{}, err
	}
	return rec, nil
}

// checkInvariants applies the channel-metadata invariants from
// spec.md §3 with id=0 as a placeholder (the id is not in the file).
func (r indexLine) checkInvariants() error {
	if r.Records == 0 {
		return fmt.Errorf("empty channel in index file")
	}
	if r.Records == 1 && r.FirstOffset != r.LastOffset {
		return fmt.Errorf("records==1 but first_offset != last_offset")
	}
	if r.Records > 1 && r.FirstOffset >= r.LastOffset {
		return fmt.Errorf("records>1 but first_offset >= last_offset")
	}
	if r.FirstOffset < int64(len(magic)) {
		return fmt.Errorf("first_offset %d is before the magic", r.FirstOffset)
	}
	return nil
}

// Write truncates the file and writes one line per (name, metadata)
// pair the iterator produces, flushing at the end. Per spec.md §4.3
// the whole operation runs with non-fatal signals blocked, since a
// partial rewrite left by an interrupted write would be indeterminate.
func (idx *indexFile) Write(iterate func(yield func(name string, m *channelMeta) bool)) error {
	return withSignalsBlocked(func() error {
		idx.assertOpen()
		if err := idx.Reset(); err != nil {
			return err
		}
		w := bufio.NewWriter(idx.f)
		var writeErr error
		iterate(func(name string, m *channelMeta) bool {
			line := fmt.Sprintf("%s %d %d %d %d\n", name, m.records, m.bytes, m.firstOffset, m.lastOffset)
			if _, err := w.WriteString(line); err != nil {
				writeErr = newFileError(idx.name, "write", err)
				return false
			}
			return true
		})
		if writeErr != nil {
			return writeErr
		}
		if err := w.Flush(); err != nil {
			return newFileError(idx.name, "write", err)
		}
		return nil
	})
}

// withSignalsBlocked pins the calling goroutine to its OS thread and
// blocks every signal except the fatal ones (SIGABRT/SIGSEGV/SIGBUS/
// SIGILL) for the duration of fn, restoring the previous mask
// afterwards on every exit path.
func withSignalsBlocked(fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var block, old unix.Sigset_t
	for _, sig := range blockedSignals {
		addSignal(&block, sig)
	}
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &block, &old); err != nil {
		return fmt.Errorf("qnode: failed to block signals: %w", err)
	}
	defer unix.PthreadSigmask(unix.SIG_SETMASK, &old, nil)

	return fn()
}

var blockedSignals = allSignalsExcept(int(unix.SIGABRT), int(unix.SIGSEGV), int(unix.SIGBUS), int(unix.SIGILL))

func allSignalsExcept(fatal ...int) []int {
	skip := make(map[int]bool, len(fatal))
	for _, s := range fatal {
		skip[s] = true
	}
	var out []int
	for s := 1; s <= 64; s++ {
		if !skip[s] {
			out = append(out, s)
		}
	}
	return out
}

// addSignal sets sig's bit directly in set.Val, the word array backing
// unix.Sigset_t on linux/amd64. PthreadSigmask is only ever called with
// sets built by this function, so the representation only needs to
// agree with itself.
func addSignal(set *unix.Sigset_t, sig int) {
	word := (sig - 1) / 64
	bit := uint((sig - 1) % 64)
	set.Val[word] |= 1 << bit
}
