// Package database implements the ordered, on-disk list of immutable
// segments a storage environment accumulates over time (§2.6, §4.7): a
// binary-searchable-by-version list, bloom-gated manifest lookups fanned
// out across the segments a read needs to consult, and the splice point
// both the buffer transporter and the compactor write through.
//
// Grounded on internal/store's own full-rebuild-from-source fan-out
// (rebuild.go, reindex.go): where that code walks every markdown file to
// rebuild a SQLite index, Database walks every covering segment to
// assemble one record's revisions -- same "fan out across sources, replay
// in order" shape, applied to immutable chunks instead of mutable files.
package database

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/concoursedb/concourse/internal/bloom"
	"github.com/concoursedb/concourse/internal/chunk"
	"github.com/concoursedb/concourse/internal/record"
	"github.com/concoursedb/concourse/internal/segment"
	"github.com/concoursedb/concourse/internal/tval"
	"github.com/concoursedb/concourse/internal/write"
	"github.com/concoursedb/concourse/pkg/fs"
)

const segmentFileSuffix = ".seg"

func segmentFileName(min, max uint64) string {
	return fmt.Sprintf("%020d-%020d%s", min, max, segmentFileSuffix)
}

func parseSegmentFileName(name string) (min, max uint64, ok bool) {
	if !strings.HasSuffix(name, segmentFileSuffix) {
		return 0, 0, false
	}

	body := strings.TrimSuffix(name, segmentFileSuffix)

	parts := strings.SplitN(body, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	minV, err1 := strconv.ParseUint(parts[0], 10, 64)
	maxV, err2 := strconv.ParseUint(parts[1], 10, 64)

	if err1 != nil || err2 != nil {
		return 0, 0, false
	}

	return minV, maxV, true
}

// loadedSegment pairs a parsed [segment.Segment] with the open file backing
// its lazy reads, and the path it lives at (needed by the compactor to
// remove superseded files after a swap).
type loadedSegment struct {
	path string
	file fs.File
	seg  *segment.Segment
}

// Database owns one environment's ordered segment list plus a shared
// [record.Cache] of materialized Records (§4.5, §4.7). Segments are kept
// sorted ascending by min_version with the invariant
// segments[i].max_version < segments[i+1].min_version (§2.6 invariant 4),
// enforced by [Database.WriteSegment] and preserved across [Database.Swap].
type Database struct {
	mu sync.RWMutex

	fsys fs.FS
	dir  string

	segments []*loadedSegment
	cache    *record.Cache
}

// Open recovers every "<min>-<max>.seg" file already present in dir, in
// ascending min_version order, and returns a ready Database.
func Open(fsys fs.FS, dir string) (*Database, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("database: mkdir %s: %w", dir, err)
	}

	db := &Database{fsys: fsys, dir: dir, cache: record.NewCache()}

	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("database: read dir %s: %w", dir, err)
	}

	type found struct {
		min, max uint64
		name     string
	}

	var names []found

	for _, e := range entries {
		if min, max, ok := parseSegmentFileName(e.Name()); ok {
			names = append(names, found{min: min, max: max, name: e.Name()})
		}
	}

	sort.Slice(names, func(i, j int) bool { return names[i].min < names[j].min })

	for _, n := range names {
		ls, err := loadSegmentFile(fsys, filepath.Join(dir, n.name))
		if err != nil {
			return nil, err
		}

		db.segments = append(db.segments, ls)
	}

	return db, nil
}

func loadSegmentFile(fsys fs.FS, path string) (*loadedSegment, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("database: open segment %s: %w", path, err)
	}

	ra, ok := f.(io.ReaderAt)
	if !ok {
		_ = f.Close()
		return nil, fmt.Errorf("database: segment %s: underlying file does not support random access", path)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("database: stat segment %s: %w", path, err)
	}

	seg, err := segment.Load(ra, info.Size())
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("database: load segment %s: %w", path, err)
	}

	return &loadedSegment{path: path, file: f, seg: seg}, nil
}

// WriteSegment implements [internal/buffer.Sink]: it seals table, index,
// and corpus into a new segment file, durably renamed into place via
// [fs.AtomicWriter], then splices the loaded segment onto the tail of the
// list.
func (db *Database) WriteSegment(table, index, corpus *chunk.Chunk, minVersion, maxVersion uint64) error {
	var buf bytes.Buffer

	if _, err := segment.Write(&buf, table, index, corpus, minVersion, maxVersion); err != nil {
		return fmt.Errorf("database: seal segment: %w", err)
	}

	path := filepath.Join(db.dir, segmentFileName(minVersion, maxVersion))

	aw := fs.NewAtomicWriter(db.fsys)
	if err := aw.WriteWithDefaults(path, bytes.NewReader(buf.Bytes())); err != nil {
		return fmt.Errorf("database: write segment %s: %w", path, err)
	}

	ls, err := loadSegmentFile(db.fsys, path)
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if n := len(db.segments); n > 0 && db.segments[n-1].seg.MaxVersion() >= minVersion {
		return fmt.Errorf("database: new segment [%d,%d] overlaps tail segment ending at %d",
			minVersion, maxVersion, db.segments[n-1].seg.MaxVersion())
	}

	db.segments = append(db.segments, ls)

	return nil
}

// covering returns every segment whose min_version <= t, oldest first --
// the order [record.Build] requires so each group's toggles accumulate in
// ascending version order (§4.7: "binary-search the segment list").
func (db *Database) covering(t uint64) []*loadedSegment {
	db.mu.RLock()
	defer db.mu.RUnlock()

	idx := sort.Search(len(db.segments), func(i int) bool {
		return db.segments[i].seg.MinVersion() > t
	})

	out := make([]*loadedSegment, idx)
	copy(out, db.segments[:idx])

	return out
}

func tableSources(segs []*loadedSegment) []*chunk.Reader {
	out := make([]*chunk.Reader, len(segs))
	for i, s := range segs {
		out[i] = s.seg.Table()
	}

	return out
}

func indexSources(segs []*loadedSegment) []*chunk.Reader {
	out := make([]*chunk.Reader, len(segs))
	for i, s := range segs {
		out[i] = s.seg.Index()
	}

	return out
}

func corpusSources(segs []*loadedSegment) []*chunk.Reader {
	out := make([]*chunk.Reader, len(segs))
	for i, s := range segs {
		out[i] = s.seg.Corpus()
	}

	return out
}

// extraFingerprint hashes extra's encoded bytes together with t so that two
// reads of the same locator under different buffer/overlay state (e.g. two
// concurrent transactions with different staged-but-uncommitted writes, or
// the same caller revisited after the buffer advanced) never share a cache
// entry built for the other's state. Reads with identical extra and t still
// share one build, which is the common case this cache exists for: repeat
// lookups of the same locator within one read-version window.
func extraFingerprint(extra []write.Write, t uint64) uint64 {
	h := fnv.New64a()

	var tbuf [8]byte
	for i := range tbuf {
		tbuf[i] = byte(t >> (8 * (7 - i)))
	}

	_, _ = h.Write(tbuf[:])

	for _, w := range extra {
		_, _ = h.Write(write.Encode(w))
	}

	return h.Sum64()
}

// TableRecord materializes record's TableRecord as of version t, merging
// matching segment revisions (oldest first) with extra (unflushed buffer
// revisions for this record, already filtered and sorted by the caller).
// The result is memoized in the shared cache for the lifetime of the
// returned handle, keyed on (locator, t, extra) so concurrent reads with
// different buffer/overlay state never collide (see [extraFingerprint]).
func (db *Database) TableRecord(id tval.Identifier, extra []write.Write, t uint64) (*record.Handle, error) {
	locator := chunk.TableLocator(id)
	cacheKey := fmt.Sprintf("table:%x:%x", locator, extraFingerprint(extra, t))

	return db.cache.Acquire(cacheKey, func() (*record.Record, error) {
		segs := db.covering(t)
		return record.Build(chunk.KindTable, locator, tableSources(segs), extra)
	})
}

// IndexRecord materializes key's IndexRecord as of version t.
func (db *Database) IndexRecord(key tval.Key, extra []write.Write, t uint64) (*record.Handle, error) {
	locator := chunk.IndexLocator(key)
	cacheKey := fmt.Sprintf("index:%x:%x", locator, extraFingerprint(extra, t))

	return db.cache.Acquire(cacheKey, func() (*record.Record, error) {
		segs := db.covering(t)
		return record.Build(chunk.KindIndex, locator, indexSources(segs), extra)
	})
}

// CorpusRecord materializes (key, token)'s CorpusRecord as of version t.
func (db *Database) CorpusRecord(key tval.Key, token string, extra []write.Write, t uint64) (*record.Handle, error) {
	locator := chunk.CorpusLocator(key, token)
	cacheKey := fmt.Sprintf("corpus:%x:%x", locator, extraFingerprint(extra, t))

	return db.cache.Acquire(cacheKey, func() (*record.Record, error) {
		segs := db.covering(t)
		return record.Build(chunk.KindCorpus, locator, corpusSources(segs), extra)
	})
}

// MightContainTable consults every segment's table bloom filter for
// (id, key, value) without materializing a Record (§4.2, §8): false means
// no segment can possibly hold the triple, letting a caller like
// [internal/engine.Engine.Verify] skip straight to "check the buffer only".
func (db *Database) MightContainTable(id tval.Identifier, key tval.Key, value tval.Value) bool {
	composite := bloom.CompositeOf(chunk.TableLocator(id), string(key), value)

	segs := db.covering(^uint64(0))
	for _, s := range segs {
		if s.seg.Table().MightContain(composite) {
			return true
		}
	}

	return false
}

// Segments returns every segment currently in the list, oldest first
// (informational; used by the compactor to pick merge candidates).
func (db *Database) Segments() []*segment.Segment {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make([]*segment.Segment, len(db.segments))
	for i, s := range db.segments {
		out[i] = s.seg
	}

	return out
}

// SegmentRef pairs a loaded segment with the file path backing it, for
// callers (the compactor) that need to name old files to remove after a
// swap.
type SegmentRef struct {
	Segment *segment.Segment
	Path    string
}

// SegmentRefs returns every segment currently in the list, oldest first,
// together with its backing path.
func (db *Database) SegmentRefs() []SegmentRef {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make([]SegmentRef, len(db.segments))
	for i, s := range db.segments {
		out[i] = SegmentRef{Segment: s.seg, Path: s.path}
	}

	return out
}

// Dir returns the directory new segment files are written to, for the
// compactor to stage a merged segment's file alongside the others before
// calling Swap.
func (db *Database) Dir() string { return db.dir }

// Swap atomically replaces the contiguous run of segments identified by
// oldPaths with replacement, preserving list order (§2.6 invariant 4). It
// is the only mutation the compactor performs on the segment list; the
// caller is responsible for having already written replacement's file and
// for removing the old files once Swap returns (so a crash mid-swap leaves
// either the old or the new segments referenced, never neither).
func (db *Database) Swap(oldPaths []string, replacementPath string) error {
	ls, err := loadSegmentFile(db.fsys, replacementPath)
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	oldSet := make(map[string]bool, len(oldPaths))
	for _, p := range oldPaths {
		oldSet[p] = true
	}

	first := -1

	var kept []*loadedSegment

	for i, s := range db.segments {
		if oldSet[s.path] {
			if first < 0 {
				first = len(kept)
			}

			continue
		}

		kept = append(kept, s)
	}

	if first < 0 {
		return fmt.Errorf("database: swap: none of %v found in segment list", oldPaths)
	}

	out := make([]*loadedSegment, 0, len(kept)+1)
	out = append(out, kept[:first]...)
	out = append(out, ls)
	out = append(out, kept[first:]...)

	db.segments = out

	return nil
}

// Close closes every open segment file.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, s := range db.segments {
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("database: close segment %s: %w", s.path, err)
		}
	}

	return nil
}
