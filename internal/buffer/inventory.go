package buffer

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/concoursedb/concourse/internal/tval"
)

// Inventory tracks every record identifier ever observed by the buffer, so
// a read for a record never-yet-written can be rejected without consulting
// any segment (§4.6: "the Database's first filter, ahead of any per-segment
// bloom check"). Backed by a 64-bit roaring bitmap, the same structure the
// teacher's pack uses for its own set-membership accelerators, and
// persisted incrementally: callers accumulate marks in memory and call
// [Inventory.Flush] at their own cadence (the transporter flushes after
// every drained page) rather than serializing on every mark.
type Inventory struct {
	mu    sync.RWMutex
	bm    *roaring64.Bitmap
	path  string
	dirty bool
}

// NewInventory loads the inventory persisted at path, or returns an empty
// one if path does not yet exist. path == "" keeps the inventory in-memory
// only (used by tests and by environments with no durable buffer dir).
func NewInventory(path string) (*Inventory, error) {
	inv := &Inventory{bm: roaring64.New(), path: path}

	if path == "" {
		return inv, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return inv, nil
		}

		return nil, fmt.Errorf("buffer: read inventory %s: %w", path, err)
	}

	if _, err := inv.bm.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("buffer: decode inventory %s: %w", path, err)
	}

	return inv, nil
}

// Mark records that record has been written at least once.
func (inv *Inventory) Mark(record tval.Identifier) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.bm.CheckedAdd(uint64(record)) {
		inv.dirty = true
	}
}

// Contains reports whether record has ever been marked.
func (inv *Inventory) Contains(record tval.Identifier) bool {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	return inv.bm.Contains(uint64(record))
}

// Len reports the number of distinct records marked.
func (inv *Inventory) Len() uint64 {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	return inv.bm.GetCardinality()
}

// Flush persists the bitmap if it has changed since the last Flush, a no-op
// for in-memory-only inventories.
func (inv *Inventory) Flush() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if !inv.dirty || inv.path == "" {
		return nil
	}

	var buf bytes.Buffer
	if _, err := inv.bm.WriteTo(&buf); err != nil {
		return fmt.Errorf("buffer: encode inventory: %w", err)
	}

	if err := os.WriteFile(inv.path, buf.Bytes(), 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("buffer: write inventory %s: %w", inv.path, err)
	}

	inv.dirty = false

	return nil
}
