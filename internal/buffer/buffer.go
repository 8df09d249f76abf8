package buffer

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/concoursedb/concourse/internal/tval"
	"github.com/concoursedb/concourse/internal/write"
	"github.com/concoursedb/concourse/pkg/fs"
)

const pageFileSuffix = ".buf"

const inventoryFileName = "inventory.bin"

// pageFileName renders a page's identity as its on-disk file name, ordered
// lexicographically the same as numerically since the version is zero-
// padded to 20 digits (enough for any uint64).
func pageFileName(version uint64) string {
	return fmt.Sprintf("%020d%s", version, pageFileSuffix)
}

func parsePageVersion(name string) (uint64, bool) {
	if !strings.HasSuffix(name, pageFileSuffix) {
		return 0, false
	}

	v, err := strconv.ParseUint(strings.TrimSuffix(name, pageFileSuffix), 10, 64)
	if err != nil {
		return 0, false
	}

	return v, true
}

// Buffer is the append-only front door every write passes through before it
// becomes durable in a segment (§2.6, §4.6): an ordered sequence of
// [Page]s, oldest first, with the last one accepting new inserts.
type Buffer struct {
	mu sync.Mutex

	fsys     fs.FS
	dir      string
	pageSize int
	highMark int

	pages     []*Page
	inventory *Inventory

	backpressure *sync.Cond
}

// Open recovers (or creates) the buffer directory at dir: every existing
// "<version>.buf" file is mapped and replayed in ascending version order,
// and the inventory is rebuilt by re-marking every record those pages still
// hold (§4.6: recovery never trusts a flushed inventory alone, since a page
// can be durable while its inventory update was not).
func Open(fsys fs.FS, dir string, pageSize, highWaterMarkPages int) (*Buffer, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("buffer: mkdir %s: %w", dir, err)
	}

	inv, err := NewInventory(filepath.Join(dir, inventoryFileName))
	if err != nil {
		return nil, err
	}

	b := &Buffer{fsys: fsys, dir: dir, pageSize: pageSize, highMark: highWaterMarkPages, inventory: inv}
	b.backpressure = sync.NewCond(&b.mu)

	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("buffer: read dir %s: %w", dir, err)
	}

	var versions []uint64

	for _, e := range entries {
		if v, ok := parsePageVersion(e.Name()); ok {
			versions = append(versions, v)
		}
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	for _, v := range versions {
		path := filepath.Join(dir, pageFileName(v))

		p, err := OpenPage(fsys, path)
		if err != nil {
			return nil, err
		}

		if err := p.All(func(w write.Write) error {
			b.inventory.Mark(w.Record)
			return nil
		}); err != nil {
			return nil, fmt.Errorf("buffer: replay page %s: %w", path, err)
		}

		b.pages = append(b.pages, p)
	}

	return b, nil
}

// active returns the page currently accepting inserts, creating one if
// there is none or the last one is sealed.
func (b *Buffer) active(version uint64) (*Page, error) {
	if n := len(b.pages); n > 0 && !b.pages[n-1].Full() {
		return b.pages[n-1], nil
	}

	path := filepath.Join(b.dir, pageFileName(version))

	p, err := CreatePage(b.fsys, path, version, b.pageSize)
	if err != nil {
		return nil, err
	}

	// The page file's directory entry is only durable once the buffer
	// directory itself is fsync'd (§4.6); without this a page that
	// survives its own Sync can still vanish entirely across a crash
	// because nothing ever recorded that its name exists.
	if err := fs.SyncDir(b.fsys, b.dir); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("buffer: sync dir %s: %w", b.dir, err)
	}

	b.pages = append(b.pages, p)

	return p, nil
}

// backedUpPageCount is the number of sealed pages waiting on the
// transporter, i.e. every page except a trailing unsealed one.
func (b *Buffer) backedUpPageCount() int {
	n := len(b.pages)
	if n == 0 {
		return 0
	}

	if !b.pages[n-1].Full() {
		n--
	}

	return n
}

// Insert appends w to the buffer, blocking while the backed-up page count
// is at or above the configured high-water mark (§4.6's backpressure),
// until ctx is done or the transporter makes room. When sync is true, the
// page holding w is msync'd before Insert returns (a durable
// acknowledgment); otherwise durability is only guaranteed by the next
// background sync.
func (b *Buffer) Insert(ctx context.Context, w write.Write, sync bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.waitForRoom(ctx); err != nil {
		return err
	}

	page, err := b.active(w.Version)
	if err != nil {
		return err
	}

	ok, err := page.Append(w)
	if err != nil {
		return err
	}

	if !ok {
		page.Seal()

		page, err = b.active(w.Version)
		if err != nil {
			return err
		}

		ok, err = page.Append(w)
		if err != nil {
			return err
		}

		if !ok {
			return fmt.Errorf("buffer: write of %d bytes does not fit a fresh %d-byte page",
				write.EncodedLen(w), b.pageSize)
		}
	}

	b.inventory.Mark(w.Record)

	if sync {
		if err := page.Sync(); err != nil {
			return err
		}
	}

	return nil
}

func (b *Buffer) waitForRoom(ctx context.Context) error {
	for b.highMark > 0 && b.backedUpPageCount() >= b.highMark {
		done := make(chan struct{})

		go func() {
			select {
			case <-ctx.Done():
				b.mu.Lock()
				b.backpressure.Broadcast()
				b.mu.Unlock()
			case <-done:
			}
		}()

		b.backpressure.Wait()
		close(done)

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("buffer: insert canceled while waiting for backpressure: %w", err)
		}
	}

	return nil
}

// CanTransport reports whether at least one sealed page is available to
// drain.
func (b *Buffer) CanTransport() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.backedUpPageCount() > 0
}

// Drain removes up to max sealed pages from the front of the buffer and
// returns them for the transporter to replay into a segment. Batch mode
// passes max > 1 to fuse several pages into one segment; streaming mode
// passes max == 1.
func (b *Buffer) Drain(max int) []*Page {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.backedUpPageCount()
	if n > max {
		n = max
	}

	drained := append([]*Page(nil), b.pages[:n]...)
	b.pages = b.pages[n:]

	return drained
}

// Complete removes the given pages' backing files after they have been
// durably written into a segment, flushes the inventory, and wakes any
// inserters blocked on backpressure.
func (b *Buffer) Complete(pages []*Page) error {
	for _, p := range pages {
		if err := p.Remove(b.fsys); err != nil {
			return err
		}
	}

	if err := b.inventory.Flush(); err != nil {
		return err
	}

	b.mu.Lock()
	b.backpressure.Broadcast()
	b.mu.Unlock()

	return nil
}

// Requeue returns drained pages to the front of the buffer undeleted,
// called when a transport attempt fails after [Buffer.Drain] but before
// [Buffer.Complete].
func (b *Buffer) Requeue(pages []*Page) {
	if len(pages) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.pages = append(append([]*Page(nil), pages...), b.pages...)
}

// MightHaveRecord consults the inventory, the buffer's equivalent of a
// bloom pre-filter (§4.6): false means record was never written and no
// segment needs to be consulted either.
func (b *Buffer) MightHaveRecord(record tval.Identifier) bool {
	return b.inventory.Contains(record)
}

// All replays every write currently buffered, oldest page first, oldest
// write within a page first -- the ordering [record.Build] requires of its
// `extra` argument.
func (b *Buffer) All(fn func(write.Write) error) error {
	b.mu.Lock()
	pages := append([]*Page(nil), b.pages...)
	b.mu.Unlock()

	for _, p := range pages {
		if err := p.All(fn); err != nil {
			return err
		}
	}

	return nil
}

// RecordRevisions returns every buffered write for the given record, in
// version order, for use as a [record.Build] `extra` argument when
// materializing a TableRecord.
func (b *Buffer) RecordRevisions(record tval.Identifier) ([]write.Write, error) {
	var out []write.Write

	err := b.All(func(w write.Write) error {
		if w.Record == record {
			out = append(out, w)
		}

		return nil
	})

	return out, err
}

// KeyRevisions returns every buffered write for the given key, for use when
// materializing an IndexRecord.
func (b *Buffer) KeyRevisions(key tval.Key) ([]write.Write, error) {
	var out []write.Write

	err := b.All(func(w write.Write) error {
		if w.Key == key {
			out = append(out, w)
		}

		return nil
	})

	return out, err
}

// TokenRevisions returns every buffered STRING write for key whose value
// contains token as a full-text substring, for materializing a
// CorpusRecord.
func (b *Buffer) TokenRevisions(key tval.Key, token string) ([]write.Write, error) {
	var out []write.Write

	err := b.All(func(w write.Write) error {
		if w.Key != key || w.Value.Kind() != tval.KindString {
			return nil
		}

		if _, ok := tokenContains(w.Value.AsString(), token); ok {
			out = append(out, w)
		}

		return nil
	})

	return out, err
}

func tokenContains(value, token string) (int, bool) {
	idx := strings.Index(strings.ToLower(value), strings.ToLower(token))
	return idx, idx >= 0
}

// Close unmaps and closes every page without removing any files.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range b.pages {
		if err := p.Close(); err != nil {
			return err
		}
	}

	return nil
}
