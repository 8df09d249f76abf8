package txn

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/concoursedb/concourse/internal/tval"
	"github.com/concoursedb/concourse/internal/write"
	"github.com/concoursedb/concourse/pkg/fs"
)

// backupCRCTable matches the teacher's own WAL checksum choice
// (internal/store/wal.go's walCRC32C).
var backupCRCTable = crc32.MakeTable(crc32.Castagnoli)

const backupMagic = "CTXB"

// backupRecord is the JSON-per-line shape a backup file's body encodes,
// mirroring internal/store/wal.go's walOp: one line per staged write.
type backupRecord struct {
	Record uint64 `json:"record"`
	Key    string `json:"key"`
	Kind   uint8  `json:"kind"`
	Value  string `json:"value"`
	Action uint8  `json:"action"`
}

// Transaction durably persists one [AtomicOperation]'s staged writes to a
// backup file before applying them, so a crash between "chose a commit
// version" and "every write durably in the Buffer" is repaired by
// replaying the backup file on the next call to [Recover] (§4.9's
// durability requirement, ported from pkg/mddb/wal.go's own
// body-then-footer-then-fsync commit point).
type Transaction struct {
	op   *AtomicOperation
	dir  string
	path string
}

// BeginDurable starts a new durable Transaction backed by dir (one
// "<id>.txn" file per in-flight transaction).
func BeginDurable(deps Deps, dir string) (*Transaction, error) {
	op, err := Begin(deps)
	if err != nil {
		return nil, err
	}

	return &Transaction{op: op, dir: dir, path: filepath.Join(dir, op.ID.String()+".txn")}, nil
}

// RegisterRead delegates to the underlying AtomicOperation.
func (tx *Transaction) RegisterRead(record tval.Identifier, key tval.Key) error {
	return tx.op.RegisterRead(record, key)
}

// Stage delegates to the underlying AtomicOperation.
func (tx *Transaction) Stage(record tval.Identifier, key tval.Key, value tval.Value, action write.Action) error {
	return tx.op.Stage(record, key, value, action)
}

// RegisterRange delegates to the underlying AtomicOperation; Transaction
// implements [internal/query.RangeLocker] through this method.
func (tx *Transaction) RegisterRange(key tval.Key, lo, hi tval.Value, loInclusive, hiInclusive bool) {
	tx.op.RegisterRange(key, lo, hi, loInclusive, hiInclusive)
}

// PendingWrites delegates to the underlying AtomicOperation.
func (tx *Transaction) PendingWrites() []write.Write { return tx.op.PendingWrites() }

// CommittedWrites delegates to the underlying AtomicOperation; meaningful
// only after [Transaction.Commit] has returned successfully.
func (tx *Transaction) CommittedWrites() []write.Write { return tx.op.CommittedWrites() }

// SnapshotCeiling returns the underlying AtomicOperation's snapshot
// ceiling.
func (tx *Transaction) SnapshotCeiling() uint64 { return tx.op.SnapshotCeiling }

// ID returns the underlying AtomicOperation's id, used as the transaction
// identifier a caller passes back on subsequent stage/commit/abort calls.
func (tx *Transaction) ID() string { return tx.op.ID.String() }

// Abort delegates to the underlying AtomicOperation; no backup file is ever
// written for an aborted transaction since nothing is persisted until
// Commit.
func (tx *Transaction) Abort() { tx.op.Abort() }

// Commit chooses the commit version, durably writes it and every staged
// write to the backup file, applies them to the Buffer, then removes the
// backup file -- in that order, so recovery after a crash at any point
// finds either no backup file (nothing to redo) or a complete, checksummed
// one (redo it) (§4.9).
//
// The backup file goes through [fs.AtomicWriter] rather than a direct OS
// call, the same durable-rename-plus-dir-fsync primitive the rest of the
// engine uses, so the write (and its directory entry) is subject to the
// same fault injection a [fs.Crash]/[fs.Chaos]-backed filesystem applies to
// every other durable write in the engine.
func (tx *Transaction) Commit(ctx context.Context) (uint64, error) {
	version := tx.op.deps.Clock.Next()

	pending := tx.op.Pending()

	body, err := encodeBackup(pending)
	if err != nil {
		tx.op.Abort()
		return 0, fmt.Errorf("txn: encode backup: %w", err)
	}

	framed := frameBackup(version, body)

	writer := fs.NewAtomicWriter(tx.op.deps.FS)
	if err := writer.WriteWithDefaults(tx.path, bytes.NewReader(framed)); err != nil {
		tx.op.Abort()
		return 0, fmt.Errorf("txn: write backup %s: %w", tx.path, err)
	}

	got, err := tx.op.commitAt(ctx, version)
	if err != nil {
		return 0, err
	}

	if err := tx.op.deps.FS.Remove(tx.path); err != nil && !os.IsNotExist(err) {
		return got, fmt.Errorf("txn: remove backup %s after commit: %w", tx.path, err)
	}

	return got, nil
}

func encodeBackup(pending []pendingWrite) ([]byte, error) {
	var buf bytes.Buffer

	for _, p := range pending {
		rec := backupRecord{
			Record: uint64(p.record),
			Key:    string(p.key),
			Kind:   uint8(p.value.Kind()),
			Value:  string(tval.Encode(p.value)),
			Action: uint8(p.action),
		}

		line, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}

		buf.Write(line)
		buf.WriteByte('\n')
	}

	return buf.Bytes(), nil
}

func decodeBackup(body []byte) ([]pendingWrite, error) {
	var out []pendingWrite

	for _, line := range strings.Split(strings.TrimRight(string(body), "\n"), "\n") {
		if line == "" {
			continue
		}

		var rec backupRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("decode backup line: %w", err)
		}

		value, err := tval.Decode(rec.Kind, []byte(rec.Value))
		if err != nil {
			return nil, fmt.Errorf("decode backup value: %w", err)
		}

		out = append(out, pendingWrite{
			record: tval.Identifier(rec.Record),
			key:    tval.Key(rec.Key),
			value:  value,
			action: write.Action(rec.Action),
		})
	}

	return out, nil
}

// frameBackup wraps body in the fixed header+footer framing: magic(4)
// version(u64) bodyLen(u32) body crc32c(u32) -- the same
// magic/length/checksum shape as internal/store/wal.go's footer, adapted to
// a single self-contained file instead of a separate WAL-plus-footer.
func frameBackup(version uint64, body []byte) []byte {
	header := make([]byte, 4+8+4)
	copy(header[0:4], backupMagic)
	binary.BigEndian.PutUint64(header[4:12], version)
	binary.BigEndian.PutUint32(header[12:16], uint32(len(body)))

	crc := crc32.Checksum(body, backupCRCTable)

	footer := make([]byte, 4)
	binary.BigEndian.PutUint32(footer, crc)

	out := make([]byte, 0, len(header)+len(body)+len(footer))
	out = append(out, header...)
	out = append(out, body...)
	out = append(out, footer...)

	return out
}

// parseBackup validates and unpacks a backup file's framing, returning the
// version it was about to commit at and its pending writes. A truncated or
// checksum-mismatched file is reported as an error rather than silently
// ignored: unlike a page's trailing partial write, a backup file is
// written in one atomic rename (via [fs.AtomicWriter]), so any file found
// on disk at all should be complete.
func parseBackup(data []byte) (uint64, []pendingWrite, error) {
	const headerLen = 4 + 8 + 4

	if len(data) < headerLen+4 {
		return 0, nil, fmt.Errorf("txn: backup file too small (%d bytes)", len(data))
	}

	if string(data[0:4]) != backupMagic {
		return 0, nil, fmt.Errorf("txn: backup file bad magic")
	}

	version := binary.BigEndian.Uint64(data[4:12])
	bodyLen := binary.BigEndian.Uint32(data[12:16])

	if headerLen+int(bodyLen)+4 != len(data) {
		return 0, nil, fmt.Errorf("txn: backup file length mismatch")
	}

	body := data[headerLen : headerLen+int(bodyLen)]
	wantCRC := binary.BigEndian.Uint32(data[headerLen+int(bodyLen):])

	if gotCRC := crc32.Checksum(body, backupCRCTable); gotCRC != wantCRC {
		return 0, nil, fmt.Errorf("txn: backup file crc mismatch: got %x want %x", gotCRC, wantCRC)
	}

	pending, err := decodeBackup(body)
	if err != nil {
		return 0, nil, err
	}

	return version, pending, nil
}

// Recover replays every leftover "*.txn" backup file in dir against deps,
// then removes it, restoring the Buffer to the state it would have reached
// had the crash not interrupted the commit (§4.9). It must run before the
// environment otherwise accepts new transactions.
//
// Because the Buffer is append-only rather than overwrite-based, replaying
// a write that already made it into the Buffer before the crash would
// double-insert a spurious revision. Recover guards against this the same
// way internal/store/wal.go's replay does for its own idempotent file
// writes: before inserting a pending write, it checks whether a revision
// carrying the same commit version is already present for that record, and
// skips it if so, since a commit version is minted once per [Transaction]
// and never reused.
func Recover(ctx context.Context, fsys fs.FS, dir string, deps Deps) error {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("txn: recover: read dir %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txn") {
			continue
		}

		path := filepath.Join(dir, e.Name())

		if err := recoverOne(ctx, fsys, path, deps); err != nil {
			return fmt.Errorf("txn: recover %s: %w", path, err)
		}
	}

	return nil
}

func recoverOne(ctx context.Context, fsys fs.FS, path string, deps Deps) error {
	f, err := fsys.Open(path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	data, err := io.ReadAll(f)
	_ = f.Close()

	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	version, pending, err := parseBackup(data)
	if err != nil {
		return err
	}

	deps.Clock.Observe(version)

	for _, p := range pending {
		already, err := hasVersion(deps.Buffer, p.record, version)
		if err != nil {
			return fmt.Errorf("check existing revisions: %w", err)
		}

		if already {
			continue
		}

		w, err := write.New(p.record, p.key, p.value, version, p.action)
		if err != nil {
			return fmt.Errorf("rebuild write: %w", err)
		}

		if err := deps.Buffer.Insert(ctx, w, true); err != nil {
			return fmt.Errorf("replay insert: %w", err)
		}
	}

	if err := fsys.Remove(path); err != nil {
		return fmt.Errorf("remove backup: %w", err)
	}

	return nil
}

func hasVersion(buf interface {
	RecordRevisions(tval.Identifier) ([]write.Write, error)
}, record tval.Identifier, version uint64) (bool, error) {
	revisions, err := buf.RecordRevisions(record)
	if err != nil {
		return false, err
	}

	for _, r := range revisions {
		if r.Version == version {
			return true, nil
		}
	}

	return false, nil
}
