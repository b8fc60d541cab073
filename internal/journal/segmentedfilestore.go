package journal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/journalkeeper/journalkeeper/internal/codec"
	"github.com/journalkeeper/journalkeeper/internal/fileutil"
	"github.com/journalkeeper/journalkeeper/pkg/raft"
)

// SegmentedFileStore is a durable Store: entries are mirrored in memory
// for fast reads and written to a sequence of segment files on disk, one
// segment per contiguous index range. Each segment is a header file
// (written atomically via fileutil.AtomicJSONFile, naming the segment's
// first index) plus a body file of length-delimited framed entries,
// fsync'd after every write.
//
// TruncateAfter deletes every segment that starts after the truncation
// point and rewrites the segment left last, which becomes the active
// one. AppendAfter only rewrites the active (most recently created)
// segment: a prevIndex reaching back past that segment's first index is
// rejected.
type SegmentedFileStore struct {
	mu        sync.Mutex
	dir       string
	metaPath  string
	maxPerSeg int
	segments  []*segment
	entries   []raft.LogEntry
	first     raft.Index
}

type segmentHeader struct {
	FirstIndex raft.Index `json:"firstIndex"`
}

// compactionMeta records the logical FirstIndex once DiscardBefore has
// moved it past the oldest retained segment's own firstIndex — a
// segment's bytes are only physically reclaimed once it becomes wholly
// obsolete, so the boundary inside the oldest remaining segment must be
// persisted separately.
type compactionMeta struct {
	FirstIndex raft.Index `json:"firstIndex"`
}

type segment struct {
	firstIndex raft.Index
	count      int
	hdrPath    string
	bodyPath   string
	file       *os.File
}

// NewSegmentedFileStore opens dir as a journal, replaying any existing
// segments, or initializes an empty journal starting at index 1 if dir
// is empty. maxEntriesPerSegment bounds how many entries each segment
// holds before a new one is rolled.
func NewSegmentedFileStore(dir string, maxEntriesPerSegment int) (*SegmentedFileStore, error) {
	if maxEntriesPerSegment <= 0 {
		panic("maxEntriesPerSegment must be greater than zero")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &SegmentedFileStore{
		dir:       dir,
		metaPath:  filepath.Join(dir, "meta.json"),
		maxPerSeg: maxEntriesPerSegment,
		first:     1,
	}
	if err := s.loadSegments(); err != nil {
		return nil, err
	}
	if err := s.applyCompactionMeta(); err != nil {
		return nil, err
	}
	if len(s.segments) == 0 {
		if err := s.rollLocked(1); err != nil {
			return nil, err
		}
	} else {
		active := s.segments[len(s.segments)-1]
		f, err := os.OpenFile(active.bodyPath, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		active.file = f
	}
	return s, nil
}

func (s *SegmentedFileStore) headerName(firstIndex raft.Index) string {
	return fmt.Sprintf("%020d.hdr", uint64(firstIndex))
}

func (s *SegmentedFileStore) bodyName(firstIndex raft.Index) string {
	return fmt.Sprintf("%020d.log", uint64(firstIndex))
}

func (s *SegmentedFileStore) loadSegments() error {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	var hdrNames []string
	for _, de := range dirEntries {
		if !de.IsDir() && strings.HasSuffix(de.Name(), ".hdr") {
			hdrNames = append(hdrNames, de.Name())
		}
	}
	sort.Strings(hdrNames)

	for i, name := range hdrNames {
		hdrPath := filepath.Join(s.dir, name)
		var hdr segmentHeader
		if err := fileutil.NewAtomicJSONFile(hdrPath).Read(&hdr); err != nil {
			return err
		}
		stem := strings.TrimSuffix(name, ".hdr")
		firstIndex, err := strconv.ParseUint(stem, 10, 64)
		if err != nil {
			return fmt.Errorf("journal: malformed segment header name %q: %w", name, err)
		}
		if raft.Index(firstIndex) != hdr.FirstIndex {
			return fmt.Errorf(
				"journal: segment header %q firstIndex=%d disagrees with filename",
				name, hdr.FirstIndex,
			)
		}
		seg := &segment{
			firstIndex: hdr.FirstIndex,
			hdrPath:    hdrPath,
			bodyPath:   filepath.Join(s.dir, s.bodyName(hdr.FirstIndex)),
		}
		entries, err := readSegmentBody(seg.bodyPath)
		if err != nil {
			return err
		}
		seg.count = len(entries)
		if i == 0 {
			s.first = hdr.FirstIndex
		}
		s.entries = append(s.entries, entries...)
		s.segments = append(s.segments, seg)
	}
	return nil
}

// readSegmentBody decodes every complete length-delimited frame in path.
// A frame truncated mid-write by a crash (a short length prefix or a
// short payload) ends replay at that point rather than erroring, the
// same tolerance the journal's own crash-recovery depends on.
func readSegmentBody(path string) ([]raft.LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []raft.LogEntry
	lenBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(f, lenBuf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, err
		}
		n := binary.BigEndian.Uint32(lenBuf)
		payload := make([]byte, n)
		if _, err := io.ReadFull(f, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, err
		}
		e, err := codec.DecodeLogEntry(codec.NewReader(payload))
		if err != nil {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// applyCompactionMeta trims the in-memory mirror to the last persisted
// DiscardBefore boundary, if any. It must run after loadSegments and
// before the store is usable.
func (s *SegmentedFileStore) applyCompactionMeta() error {
	var meta compactionMeta
	if err := fileutil.NewAtomicJSONFile(s.metaPath).Read(&meta); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if meta.FirstIndex <= s.first {
		return nil
	}
	s.entries = s.entries[meta.FirstIndex-s.first:]
	s.first = meta.FirstIndex
	return nil
}

func (s *SegmentedFileStore) writeCompactionMetaLocked() error {
	return fileutil.NewAtomicJSONFile(s.metaPath).Write(&compactionMeta{FirstIndex: s.first})
}

func encodeFrame(e raft.LogEntry) []byte {
	w := codec.NewWriter()
	codec.EncodeLogEntry(w, e)
	body := w.Bytes()
	frame := make([]byte, 0, 4+len(body))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(body)))
	return append(frame, body...)
}

func (s *SegmentedFileStore) rollLocked(firstIndex raft.Index) error {
	hdrPath := filepath.Join(s.dir, s.headerName(firstIndex))
	if err := fileutil.NewAtomicJSONFile(hdrPath).Write(&segmentHeader{FirstIndex: firstIndex}); err != nil {
		return err
	}
	bodyPath := filepath.Join(s.dir, s.bodyName(firstIndex))
	f, err := os.OpenFile(bodyPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if len(s.segments) > 0 {
		prev := s.segments[len(s.segments)-1]
		if prev.file != nil {
			prev.file.Close()
			prev.file = nil
		}
	}
	s.segments = append(s.segments, &segment{firstIndex: firstIndex, hdrPath: hdrPath, bodyPath: bodyPath, file: f})
	return nil
}

func (s *SegmentedFileStore) writeEntryLocked(seg *segment, entry raft.LogEntry) error {
	if _, err := seg.file.Write(encodeFrame(entry)); err != nil {
		return err
	}
	return seg.file.Sync()
}

// rewriteSegmentLocked replaces seg's on-disk body with exactly keep,
// fsyncing before returning, then reopens it for append. Used by
// TruncateAfter, on the segment left last once later segments are
// deleted, and by AppendAfter, on the active segment.
func (s *SegmentedFileStore) rewriteSegmentLocked(seg *segment, keep []raft.LogEntry) error {
	if seg.file != nil {
		seg.file.Close()
		seg.file = nil
	}
	f, err := os.OpenFile(seg.bodyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	for _, e := range keep {
		if _, err := f.Write(encodeFrame(e)); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	seg.count = len(keep)
	seg.file = f
	return nil
}

func (s *SegmentedFileStore) lastIndexLocked() raft.Index {
	return s.first + raft.Index(len(s.entries)) - 1
}

func (s *SegmentedFileStore) atLocked(index raft.Index) (raft.LogEntry, error) {
	if index < s.first {
		return raft.LogEntry{}, ErrIndexBeforeFirstEntry
	}
	last := s.lastIndexLocked()
	if index > last {
		return raft.LogEntry{}, fmt.Errorf("journal: index %d > lastIndex %d", index, last)
	}
	return s.entries[index-s.first], nil
}

func (s *SegmentedFileStore) Append(entry raft.LogEntry) (raft.Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := s.lastIndexLocked() + 1
	entry.Index = index
	active := s.segments[len(s.segments)-1]
	if active.count >= s.maxPerSeg {
		if err := s.rollLocked(index); err != nil {
			return 0, raft.NewErrStorageFault(err)
		}
		active = s.segments[len(s.segments)-1]
	}
	if err := s.writeEntryLocked(active, entry); err != nil {
		return 0, raft.NewErrStorageFault(err)
	}
	s.entries = append(s.entries, entry)
	active.count++
	return index, nil
}

func (s *SegmentedFileStore) AppendAfter(prevIndex raft.Index, entries []raft.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prevIndex+1 < s.first {
		return ErrIndexBeforeFirstEntry
	}
	active := s.segments[len(s.segments)-1]
	if prevIndex+1 < active.firstIndex {
		return fmt.Errorf("journal: AppendAfter(%d, ...) reaches behind the active segment", prevIndex)
	}
	last := s.lastIndexLocked()
	if last < prevIndex {
		return fmt.Errorf("journal: AppendAfter(%d, ...) but lastIndex=%d", prevIndex, last)
	}

	s.entries = s.entries[:prevIndex-s.first+1]
	toAppend := make([]raft.LogEntry, len(entries))
	for i, e := range entries {
		e.Index = prevIndex + raft.Index(i) + 1
		toAppend[i] = e
	}
	keep := append(append([]raft.LogEntry{}, s.entries[active.firstIndex-s.first:]...), toAppend...)
	if err := s.rewriteSegmentLocked(active, keep); err != nil {
		return raft.NewErrStorageFault(err)
	}
	s.entries = append(s.entries, toAppend...)
	return nil
}

func (s *SegmentedFileStore) ReadAt(index raft.Index) (raft.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.atLocked(index)
}

func (s *SegmentedFileStore) ReadRange(from, to raft.Index) ([]raft.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from < s.first {
		return nil, ErrIndexBeforeFirstEntry
	}
	last := s.lastIndexLocked()
	if to > last {
		return nil, fmt.Errorf("journal: ReadRange(%d, %d) but lastIndex=%d", from, to, last)
	}
	if to < from {
		return []raft.LogEntry{}, nil
	}
	out := make([]raft.LogEntry, to-from+1)
	copy(out, s.entries[from-s.first:to-s.first+1])
	return out, nil
}

func (s *SegmentedFileStore) TermAt(index raft.Index) (raft.Term, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.atLocked(index)
	if err != nil {
		return 0, err
	}
	return e.Term, nil
}

func (s *SegmentedFileStore) FirstIndex() raft.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first
}

func (s *SegmentedFileStore) LastIndex() raft.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIndexLocked()
}

func (s *SegmentedFileStore) TruncateAfter(index raft.Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index+1 < s.first {
		return ErrIndexBeforeFirstEntry
	}
	last := s.lastIndexLocked()
	if index >= last {
		return nil
	}
	for len(s.segments) > 1 && s.segments[len(s.segments)-1].firstIndex > index {
		seg := s.segments[len(s.segments)-1]
		if seg.file != nil {
			seg.file.Close()
		}
		os.Remove(seg.bodyPath)
		os.Remove(seg.hdrPath)
		s.segments = s.segments[:len(s.segments)-1]
	}
	s.entries = s.entries[:index-s.first+1]
	active := s.segments[len(s.segments)-1]
	keep := s.entries[active.firstIndex-s.first:]
	if err := s.rewriteSegmentLocked(active, keep); err != nil {
		return raft.NewErrStorageFault(err)
	}
	return nil
}

func (s *SegmentedFileStore) DiscardBefore(index raft.Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < s.first {
		return ErrIndexBeforeFirstEntry
	}
	last := s.lastIndexLocked()
	if index > last+1 {
		return fmt.Errorf("journal: DiscardBefore(%d) but lastIndex=%d", index, last)
	}
	for len(s.segments) > 1 && s.segments[1].firstIndex <= index {
		seg := s.segments[0]
		if seg.file != nil {
			seg.file.Close()
		}
		os.Remove(seg.bodyPath)
		os.Remove(seg.hdrPath)
		s.segments = s.segments[1:]
	}
	s.entries = s.entries[index-s.first:]
	s.first = index
	return s.writeCompactionMetaLocked()
}
