// Package compactor implements the background segment merge schedules
// (§4.7): a minor pass that throttles itself to a small, adjacent run of
// segments, and a major pass over a broader span, both writing one merged
// replacement segment and splicing it into [database.Database] via the same
// lock-then-swap shape internal/store/reindex.go uses for its own
// rebuild-then-swap index refresh -- repurposed here from "rebuild an
// index from source files" to "merge N segments into one".
package compactor

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/concoursedb/concourse/internal/chunk"
	"github.com/concoursedb/concourse/internal/database"
	"github.com/concoursedb/concourse/internal/segment"
	"github.com/concoursedb/concourse/internal/write"
	"github.com/concoursedb/concourse/pkg/fs"
)

// Compactor merges runs of adjacent segments in one [database.Database].
type Compactor struct {
	db   *database.Database
	fsys fs.FS
	log  *zap.SugaredLogger

	// MinorRun bounds how many adjacent segments a minor pass merges at
	// once (small and frequent); MajorRun bounds a major pass (broad and
	// rare). Either can be overridden after construction for tests.
	MinorRun int
	MajorRun int
}

// New returns a Compactor operating on db, with the default run sizes
// (§4.7: minor merges pairs, major merges everything available).
func New(db *database.Database, fsys fs.FS, log *zap.SugaredLogger) *Compactor {
	return &Compactor{db: db, fsys: fsys, log: log, MinorRun: 2, MajorRun: 0}
}

// RunMinor ticks MergeOnce(c.MinorRun) at interval until ctx is canceled.
func (c *Compactor) RunMinor(ctx context.Context, interval time.Duration) {
	c.run(ctx, interval, c.MinorRun, "minor")
}

// RunMajor ticks a merge of c.MajorRun segments (0 means "every segment
// currently present") at interval until ctx is canceled.
func (c *Compactor) RunMajor(ctx context.Context, interval time.Duration) {
	c.run(ctx, interval, c.MajorRun, "major")
}

func (c *Compactor) run(ctx context.Context, interval time.Duration, run int, label string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			merged, err := c.MergeOnce(run)
			if err != nil && c.log != nil {
				c.log.Errorw("compaction pass failed", "schedule", label, "error", err)
			}

			if merged && c.log != nil {
				c.log.Infow("compaction pass merged segments", "schedule", label)
			}
		}
	}
}

// MergeOnce merges the oldest run contiguous segments (0 means all) into
// one replacement segment, atomically splicing it into the database and
// removing the superseded files. It returns false, nil if fewer than two
// segments are available to merge.
func (c *Compactor) MergeOnce(run int) (bool, error) {
	refs := c.db.SegmentRefs()
	if run <= 0 || run > len(refs) {
		run = len(refs)
	}

	if run < 2 {
		return false, nil
	}

	batch := refs[:run]

	table := chunk.NewTableChunk(0)
	index := chunk.NewIndexChunk(0)
	corpus := chunk.NewCorpusChunk(0)

	minVersion := batch[0].Segment.MinVersion()
	maxVersion := batch[0].Segment.MaxVersion()

	for _, ref := range batch {
		if ref.Segment.MinVersion() < minVersion {
			minVersion = ref.Segment.MinVersion()
		}

		if ref.Segment.MaxVersion() > maxVersion {
			maxVersion = ref.Segment.MaxVersion()
		}

		if err := replayInto(ref.Segment.Table().All, table); err != nil {
			return false, err
		}

		if err := replayInto(ref.Segment.Index().All, index); err != nil {
			return false, err
		}

		if err := replayInto(ref.Segment.Corpus().All, corpus); err != nil {
			return false, err
		}
	}

	var buf bytes.Buffer
	if _, err := segment.Write(&buf, table, index, corpus, minVersion, maxVersion); err != nil {
		return false, fmt.Errorf("compactor: seal merged segment: %w", err)
	}

	path := filepath.Join(c.db.Dir(), fmt.Sprintf("%020d-%020d.merged.seg", minVersion, maxVersion))

	aw := fs.NewAtomicWriter(c.fsys)
	if err := aw.WriteWithDefaults(path, bytes.NewReader(buf.Bytes())); err != nil {
		return false, fmt.Errorf("compactor: write merged segment %s: %w", path, err)
	}

	oldPaths := make([]string, len(batch))
	for i, ref := range batch {
		oldPaths[i] = ref.Path
	}

	if err := c.db.Swap(oldPaths, path); err != nil {
		return false, fmt.Errorf("compactor: swap: %w", err)
	}

	for _, p := range oldPaths {
		if err := c.fsys.Remove(p); err != nil && c.log != nil {
			c.log.Warnw("compactor: failed to remove superseded segment", "path", p, "error", err)
		}
	}

	return true, nil
}

// replayInto replays every revision a sealed reader's All iterates and
// re-inserts it into dst, the building block a merge uses to fold several
// chunks' revisions into one (§4.7). No tombstone garbage collection is
// performed here -- a cancelling ADD/REMOVE pair still costs two revisions
// in the merged chunk, trading compaction thoroughness for a simpler, more
// obviously correct merge.
func replayInto(all func(func(write.Write) error) error, dst *chunk.Chunk) error {
	return all(func(w write.Write) error {
		return dst.Insert(w)
	})
}
