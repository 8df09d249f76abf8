// Package buffer implements the append-only front door every write passes
// through before it is durable in a segment (§2.6, §4.6): an ordered
// sequence of fixed-size memory-mapped pages, a roaring-bitmap inventory of
// every record ever written, and the transporter that drains pages into
// segments.
//
// The page log itself is the teacher's own pkg/mddb/wal.go idiom (magic
// header, append-with-length-prefix, replay-to-last-valid-record-on-open)
// ported from "one WAL file holding committed markdown bodies" to "an
// ordered sequence of fixed-size mmap pages holding length-prefixed
// revisions" -- the state machine is the same, the unit of record differs.
package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/concoursedb/concourse/internal/write"
	"github.com/concoursedb/concourse/pkg/fs"
)

// pageMagic identifies a page file's header, mirroring pkg/mddb/wal.go's own
// magic-stamped header.
const pageMagic = "CBUF"

// lengthPrefixSize is the width of the u32 length prefix in front of every
// encoded write in a page (§4.6).
const lengthPrefixSize = 4

// pageHeaderSize is the fixed header written at page creation: magic(4) +
// formatVersion(u16) + version(u64), the version being the first write's
// version assigned to this page (used for page file naming and ordering).
const pageHeaderSize = 4 + 2 + 8

const pageFormatVersion = 1

// Page is one fixed-size mmap-backed segment of the buffer's append-only
// log. It is not safe for concurrent Append calls from multiple goroutines
// without external synchronization; [Buffer] serializes all mutation
// through a single mutex.
type Page struct {
	file    fs.File
	data    []byte
	tail    int
	sealed  bool
	Version uint64
	Path    string
}

// CreatePage creates, truncates to size, and maps a brand-new page file.
// version becomes the page's identity (the version of the first write it
// will receive), matching the on-disk naming convention
// "<version>.buf" internal/buffer's Buffer type uses.
func CreatePage(fsys fs.FS, path string, version uint64, size int) (*Page, error) {
	f, err := fsys.OpenFile(path, osCreateExclFlags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("buffer: create page %s: %w", path, err)
	}

	if err := f.Chmod(0o644); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("buffer: chmod page %s: %w", path, err)
	}

	if err := truncateFile(f, int64(size)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("buffer: truncate page %s: %w", path, err)
	}

	p, err := mapPage(f, path, size)
	if err != nil {
		return nil, err
	}

	p.Version = version
	p.writeHeader()
	p.tail = pageHeaderSize

	return p, nil
}

// OpenPage maps an existing page file and replays it to recover its tail
// (§4.6: "on startup, every page is replayed up to its last complete
// write; a truncated trailing record is discarded" -- the same
// partial-write tolerance as pkg/mddb/wal.go's recover()).
func OpenPage(fsys fs.FS, path string) (*Page, error) {
	f, err := fsys.OpenFile(path, ordwrFlags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("buffer: open page %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("buffer: stat page %s: %w", path, err)
	}

	p, err := mapPage(f, path, int(info.Size()))
	if err != nil {
		return nil, err
	}

	if err := p.readHeader(); err != nil {
		_ = p.Close()
		return nil, err
	}

	if err := p.recoverTail(); err != nil {
		_ = p.Close()
		return nil, err
	}

	return p, nil
}

func mapPage(f fs.File, path string, size int) (*Page, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("buffer: mmap page %s: %w", path, err)
	}

	return &Page{file: f, data: data, Path: path}, nil
}

func (p *Page) writeHeader() {
	copy(p.data[0:4], pageMagic)
	binary.BigEndian.PutUint16(p.data[4:6], pageFormatVersion)
	binary.BigEndian.PutUint64(p.data[6:14], p.Version)
}

func (p *Page) readHeader() error {
	if len(p.data) < pageHeaderSize || string(p.data[0:4]) != pageMagic {
		return fmt.Errorf("buffer: page %s: bad header", p.Path)
	}

	p.Version = binary.BigEndian.Uint64(p.data[6:14])

	return nil
}

// recoverTail scans length-prefixed writes from pageHeaderSize forward,
// stopping at the first zero or truncated length -- unwritten mmap space
// reads back as zero, so a zero length prefix unambiguously marks "nothing
// written here yet".
func (p *Page) recoverTail() error {
	off := pageHeaderSize

	for off+lengthPrefixSize <= len(p.data) {
		length := binary.BigEndian.Uint32(p.data[off : off+lengthPrefixSize])
		if length == 0 {
			break
		}

		start := off + lengthPrefixSize
		end := start + int(length)

		if end > len(p.data) {
			break
		}

		if _, _, err := write.Decode(p.data[start:end]); err != nil {
			break
		}

		off = end
	}

	p.tail = off
	if off+lengthPrefixSize > len(p.data) {
		p.sealed = true
	}

	return nil
}

// Append encodes w and appends it to the page. It returns ok=false without
// error when the page lacks room, signaling the caller ([Buffer]) to seal
// this page and create the next one (§4.6).
func (p *Page) Append(w write.Write) (ok bool, err error) {
	if p.sealed {
		return false, nil
	}

	n := write.EncodedLen(w)
	need := lengthPrefixSize + n

	if p.tail+need > len(p.data) {
		p.sealed = true
		return false, nil
	}

	binary.BigEndian.PutUint32(p.data[p.tail:p.tail+lengthPrefixSize], uint32(n))
	copy(p.data[p.tail+lengthPrefixSize:p.tail+need], write.Encode(w))
	p.tail += need

	return true, nil
}

// All replays every write currently held, oldest first.
func (p *Page) All(fn func(write.Write) error) error {
	off := pageHeaderSize

	for off < p.tail {
		length := int(binary.BigEndian.Uint32(p.data[off : off+lengthPrefixSize]))
		start := off + lengthPrefixSize
		end := start + length

		w, n, err := write.Decode(p.data[start:end])
		if err != nil {
			return fmt.Errorf("buffer: page %s: decode at offset %d: %w", p.Path, off, err)
		}

		if n != length {
			return fmt.Errorf("buffer: page %s: decode length mismatch at offset %d", p.Path, off)
		}

		if err := fn(w); err != nil {
			return err
		}

		off = end
	}

	return nil
}

// Full reports whether the page has been sealed, either because it ran out
// of room or because the caller explicitly sealed it.
func (p *Page) Full() bool { return p.sealed }

// Seal marks the page as no longer accepting inserts, without regard to how
// much room remains (used when the buffer rotates pages on an explicit
// boundary, e.g. transport).
func (p *Page) Seal() { p.sealed = true }

// Len reports the number of bytes currently occupied, header included.
func (p *Page) Len() int { return p.tail }

// Sync flushes the page's dirty mmap pages to disk (§4.6's durability
// contract: a write is acknowledged only after its page is msync'd when the
// caller asked for a synchronous insert). It also fsyncs the backing file
// descriptor: msync alone flushes the mapping to the page's backing store,
// but the file descriptor's own Sync is what a crash-consistency observer
// (and, on some platforms, the kernel's own durability guarantee) keys off
// of, so both must be called for a write to count as truly acknowledged.
func (p *Page) Sync() error {
	if err := unix.Msync(p.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("buffer: msync page %s: %w", p.Path, err)
	}

	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("buffer: fsync page %s: %w", p.Path, err)
	}

	return nil
}

// Close unmaps and closes the underlying file without removing it.
func (p *Page) Close() error {
	var errs []error

	if p.data != nil {
		if err := unix.Munmap(p.data); err != nil {
			errs = append(errs, fmt.Errorf("buffer: munmap page %s: %w", p.Path, err))
		}

		p.data = nil
	}

	if err := p.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("buffer: close page %s: %w", p.Path, err))
	}

	return errors.Join(errs...)
}

// Remove closes and deletes the page file, called once the transporter has
// durably written its contents into a segment (§4.6).
func (p *Page) Remove(fsys fs.FS) error {
	if err := p.Close(); err != nil {
		return err
	}

	if err := fsys.Remove(p.Path); err != nil {
		return fmt.Errorf("buffer: remove page %s: %w", p.Path, err)
	}

	return nil
}
