// Package logsink implements the Log Sink (C3): it owns the per-process
// stdout/stderr append-only files, serves tail and flush, and fans live
// appends out to subscribers of stream(). The broadcast side follows the
// example pack's LogBroadcaster shape (bounded per-subscriber channel,
// slow subscribers dropped rather than blocking the writer); watching the
// files for new data follows this module's own fsnotify-based Watcher.
package logsink

import (
	"bufio"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// subscriberQueueSize bounds how far a stream() subscriber may lag before
// it is dropped; the write path never blocks on a slow reader.
const subscriberQueueSize = 256

// Line is one captured line of child output, stamped with the time the
// Log Sink received it (not the file's mtime), so stdout and stderr merge
// in exact chronological order regardless of which file mtime last moved.
type Line struct {
	Stream string // "stdout" or "stderr"
	At     time.Time
	Text   string
}

// Sink owns every managed process's log files: it watches them for new
// data (for stream subscribers) and serves tail/flush reads directly from
// disk. One Sink is shared by the whole daemon, mirroring how Watcher
// shares a single fsnotify.Watcher across every record.
type Sink struct {
	fsw *fsnotify.Watcher

	mu        sync.Mutex
	records   map[string]*record // process name -> record
	pathOwner map[string]string  // watched path -> process name

	done      chan struct{}
	closeOnce sync.Once
}

type record struct {
	name              string
	outPath, errPath  string
	outOffset, errOff int64
	subs              map[int]*subscriber
	nextSubID         int
}

type subscriber struct {
	ch chan Line
}

// New creates a Sink and starts its event loop.
func New() (*Sink, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	s := &Sink{
		fsw:       fsw,
		records:   make(map[string]*record),
		pathOwner: make(map[string]string),
		done:      make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

// Register tells the Sink about a process's log file locations so
// stream() can watch them and tail()/flush() know where to read. Calling
// Register again for an existing name replaces its paths and drops its
// current subscribers (mirroring a fresh spawn's fresh files).
func (s *Sink) Register(name, outPath, errPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unlockedUnregister(name)

	rec := &record{name: name, outPath: outPath, errPath: errPath, subs: make(map[int]*subscriber)}
	if outPath != "" {
		rec.outOffset = fileSize(outPath)
		if err := s.fsw.Add(outPath); err != nil {
			slog.Warn("logsink: watch stdout failed", "name", name, "path", outPath, "error", err)
		} else {
			s.pathOwner[outPath] = name
		}
	}
	if errPath != "" {
		rec.errOff = fileSize(errPath)
		if err := s.fsw.Add(errPath); err != nil {
			slog.Warn("logsink: watch stderr failed", "name", name, "path", errPath, "error", err)
		} else {
			s.pathOwner[errPath] = name
		}
	}
	s.records[name] = rec
}

// Unregister stops watching name's files and disconnects its subscribers.
func (s *Sink) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlockedUnregister(name)
}

func (s *Sink) unlockedUnregister(name string) {
	rec, ok := s.records[name]
	if !ok {
		return
	}
	for _, sub := range rec.subs {
		close(sub.ch)
	}
	for _, p := range []string{rec.outPath, rec.errPath} {
		if p == "" {
			continue
		}
		if owner, ok := s.pathOwner[p]; ok && owner == name {
			_ = s.fsw.Remove(p)
			delete(s.pathOwner, p)
		}
	}
	delete(s.records, name)
}

// Close stops the watch loop and releases the underlying OS watcher.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.fsw.Close()
}

// Subscribe starts a live stream of lines appended after this call, per
// spec.md §4.3's stream() semantics. The returned cancel func must be
// called once the caller is done to release the subscriber slot.
func (s *Sink) Subscribe(name string) (<-chan Line, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[name]
	if !ok {
		return nil, nil, errors.New("logsink: unknown process: " + name)
	}
	id := rec.nextSubID
	rec.nextSubID++
	sub := &subscriber{ch: make(chan Line, subscriberQueueSize)}
	rec.subs[id] = sub

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.records[name]; ok {
			if _, ok := cur.subs[id]; ok {
				delete(cur.subs, id)
				close(sub.ch)
			}
		}
	}
	return sub.ch, cancel, nil
}

// Flush truncates both of name's log files to zero length. It relies on
// the writer's fd being opened O_APPEND: every write() on that fd seeks to
// the file's current end atomically, so a line in flight when Flush runs
// is simply appended after the truncation and is never lost.
func (s *Sink) Flush(name string) error {
	s.mu.Lock()
	rec, ok := s.records[name]
	s.mu.Unlock()
	if !ok {
		return errors.New("logsink: unknown process: " + name)
	}
	err := FlushPaths(rec.outPath, rec.errPath)
	s.mu.Lock()
	rec.outOffset, rec.errOff = 0, 0
	s.mu.Unlock()
	return err
}

// FlushPaths truncates both files to zero length, tolerating either not
// existing yet. It is the package-level primitive Sink.Flush wraps, usable
// directly when a process isn't (or is no longer) registered with a Sink.
func FlushPaths(outPath, errPath string) error {
	var firstErr error
	for _, p := range []string{outPath, errPath} {
		if p == "" {
			continue
		}
		if err := os.Truncate(p, 0); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FlushAll flushes every registered process's logs, matching the CLI's
// `flush all`.
func (s *Sink) FlushAll() map[string]error {
	s.mu.Lock()
	names := make([]string, 0, len(s.records))
	for n := range s.records {
		names = append(names, n)
	}
	s.mu.Unlock()

	errs := make(map[string]error)
	for _, n := range names {
		if err := s.Flush(n); err != nil {
			errs[n] = err
		}
	}
	return errs
}

// Tail returns the last n lines from both of name's log files, merged in
// timestamp order (spec.md §4.3: "read lazily from the tail of the file,
// no whole-file scan"). Works directly off disk without requiring a prior
// Register call, so tail() still works for a process the Sink never
// watched (e.g. right after a daemon restart, before the table reconciles).
func Tail(outPath, errPath string, n int) ([]Line, error) {
	if n <= 0 {
		return nil, nil
	}
	outLines, err := tailFile(outPath, "stdout", n)
	if err != nil {
		return nil, err
	}
	errLines, err := tailFile(errPath, "stderr", n)
	if err != nil {
		return nil, err
	}
	merged := mergeByTime(outLines, errLines)
	if len(merged) > n {
		merged = merged[len(merged)-n:]
	}
	return merged, nil
}

// Tail is the Sink-bound convenience wrapper over the package-level Tail,
// using the paths passed at Register time.
func (s *Sink) Tail(name string, n int) ([]Line, error) {
	s.mu.Lock()
	rec, ok := s.records[name]
	s.mu.Unlock()
	if !ok {
		return nil, errors.New("logsink: unknown process: " + name)
	}
	return Tail(rec.outPath, rec.errPath, n)
}

func (s *Sink) loop() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Write == 0 {
				continue
			}
			s.handleWrite(ev.Name)
		case err, ok := <-s.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("logsink: fsnotify error", "error", err)
		}
	}
}

func (s *Sink) handleWrite(path string) {
	s.mu.Lock()
	name, ok := s.pathOwner[path]
	if !ok {
		s.mu.Unlock()
		return
	}
	rec := s.records[name]
	if rec == nil {
		s.mu.Unlock()
		return
	}
	var stream string
	var offset *int64
	switch path {
	case rec.outPath:
		stream, offset = "stdout", &rec.outOffset
	case rec.errPath:
		stream, offset = "stderr", &rec.errOff
	default:
		s.mu.Unlock()
		return
	}
	start := *offset
	subs := make(map[int]*subscriber, len(rec.subs))
	for id, sub := range rec.subs {
		subs[id] = sub
	}
	s.mu.Unlock()

	lines, newOffset, err := readLinesFrom(path, start, stream)
	if err != nil {
		slog.Warn("logsink: read failed", "name", name, "path", path, "error", err)
		return
	}

	s.mu.Lock()
	if cur, ok := s.records[name]; ok && cur == rec {
		*offset = newOffset
	}
	s.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	for _, line := range lines {
		for id, sub := range subs {
			select {
			case sub.ch <- line:
			default:
				slog.Warn("logsink: subscriber queue full, dropping subscriber", "name", name, "stream", stream)
				s.mu.Lock()
				if cur, ok := s.records[name]; ok && cur.subs[id] == sub {
					delete(cur.subs, id)
					close(sub.ch)
				}
				s.mu.Unlock()
				delete(subs, id)
			}
		}
	}
}

// readLinesFrom reads every complete line appended to path since offset
// and returns the new end offset. A partial trailing line (write still in
// flight) is left unconsumed; it is picked up on the next Write event.
func readLinesFrom(path string, offset int64, stream string) ([]Line, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, offset, nil
		}
		return nil, offset, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	if stat.Size() <= offset {
		// File was truncated (flush) since the last read.
		return nil, 0, nil
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, offset, err
	}

	var lines []Line
	newOffset := offset
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := scanner.Text()
		newOffset += int64(len(raw)) + 1 // scanner strips the trailing "\n"
		lines = append(lines, parseLine(stream, raw))
	}
	return lines, newOffset, nil
}

// parseLine splits the receive-time timestamp a pump writer prefixed onto
// raw, falling back to the zero time if raw has no recognizable prefix
// (e.g. a line captured before this Sink existed).
func parseLine(stream, raw string) Line {
	if sp := strings.IndexByte(raw, ' '); sp > 0 {
		if t, err := time.Parse(time.RFC3339Nano, raw[:sp]); err == nil {
			return Line{Stream: stream, At: t, Text: raw[sp+1:]}
		}
	}
	return Line{Stream: stream, At: time.Time{}, Text: raw}
}

func tailFile(path, stream string, n int) ([]Line, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	const chunkSize = 8192
	size := stat.Size()
	pos := size
	var buf []byte
	newlineCount := 0
	for pos > 0 && newlineCount <= n {
		readSize := int64(chunkSize)
		if readSize > pos {
			readSize = pos
		}
		pos -= readSize
		chunk := make([]byte, readSize)
		if _, err := f.ReadAt(chunk, pos); err != nil {
			return nil, err
		}
		buf = append(chunk, buf...)
		newlineCount = strings.Count(string(buf), "\n")
	}

	text := strings.TrimRight(string(buf), "\n")
	if text == "" {
		return nil, nil
	}
	rawLines := strings.Split(text, "\n")
	if len(rawLines) > n {
		rawLines = rawLines[len(rawLines)-n:]
	}
	out := make([]Line, 0, len(rawLines))
	for _, raw := range rawLines {
		out = append(out, parseLine(stream, raw))
	}
	return out, nil
}

// mergeByTime merges two already-chronological slices into one
// chronological slice (a standard two-pointer merge, same shape as a
// mergesort's merge step).
func mergeByTime(a, b []Line) []Line {
	out := make([]Line, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].At.After(b[j].At) {
			out = append(out, b[j])
			j++
		} else {
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
