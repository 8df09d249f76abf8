package buffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/concoursedb/concourse/internal/chunk"
	"github.com/concoursedb/concourse/internal/config"
	"github.com/concoursedb/concourse/internal/tval"
	"github.com/concoursedb/concourse/internal/write"
)

// Sink is the destination a transport writes a sealed segment to (§2.6).
// [internal/database.Database] implements Sink, receiving the three sealed
// chunks and the version range they cover and splicing the new segment into
// its ordered list.
type Sink interface {
	WriteSegment(table, index, corpus *chunk.Chunk, minVersion, maxVersion uint64) error
}

// Transporter drains sealed pages out of a [Buffer] into segments, in
// either of the two policies Open Question 2 resolves as one type's modes
// rather than two implementations:
//
//   - [config.ModeStreaming]: drains and transports one page at a time,
//     concurrently with ongoing reads, keeping buffer depth shallow.
//   - [config.ModeBatch]: drains the sealed pages waiting at a tick (up to
//     maxBatchPages) and fuses them into a single segment. It transports as
//     soon as one sealed page is waiting; it does not wait for more pages
//     to accumulate or for a quiet period.
type Transporter struct {
	mode          config.TransporterMode
	maxBatchPages int
	pollInterval  time.Duration
	hangThreshold time.Duration
	log           *zap.SugaredLogger

	mu           sync.Mutex
	lastProgress time.Time
}

// NewTransporter constructs a Transporter from cfg.
func NewTransporter(cfg config.Config, log *zap.SugaredLogger) *Transporter {
	maxBatch := 1
	if cfg.TransporterMode == config.ModeBatch {
		maxBatch = cfg.HighWaterMarkPages
		if maxBatch < 2 {
			maxBatch = 2
		}
	}

	return &Transporter{
		mode:          cfg.TransporterMode,
		maxBatchPages: maxBatch,
		pollInterval:  100 * time.Millisecond,
		hangThreshold: time.Duration(cfg.HangWatcherThresholdMillis) * time.Millisecond,
		log:           log,
		lastProgress:  time.Now(),
	}
}

// Run drives the transporter loop until ctx is canceled, also starting a
// hang-watcher goroutine that logs (and, since the loop is already
// single-threaded and idempotent per iteration, simply lets the next tick
// retry) whenever a full poll interval elapses with no observed progress
// past hangThreshold (§4.6, EXP-3.5).
func (t *Transporter) Run(ctx context.Context, buf *Buffer, sink Sink) {
	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		t.loop(ctx, buf, sink)
	}()

	if t.hangThreshold > 0 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			t.watchHang(ctx)
		}()
	}

	wg.Wait()
}

func (t *Transporter) loop(ctx context.Context, buf *Buffer, sink Sink) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !buf.CanTransport() {
				continue
			}

			if err := t.transportOnce(buf, sink); err != nil && t.log != nil {
				t.log.Errorw("transport attempt failed", "error", err)
			}
		}
	}
}

// transportOnce drains one batch of pages, replays them into three chunks,
// seals them into a segment via sink, and completes the drain. A failure
// while replaying the pages or writing the segment requeues the drained
// pages so nothing is lost (§4.6: transport is crash-safe -- the source
// pages stay on disk until the segment they produced is durably written).
// A failure of the final Complete step is returned without requeueing.
func (t *Transporter) transportOnce(buf *Buffer, sink Sink) error {
	pages := buf.Drain(t.maxBatchPages)
	if len(pages) == 0 {
		return nil
	}

	table := chunk.NewTableChunk(expectedInsertions(pages))
	index := chunk.NewIndexChunk(expectedInsertions(pages))
	corpus := chunk.NewCorpusChunk(expectedInsertions(pages))

	var minVersion, maxVersion uint64

	first := true

	insertErr := replayPages(pages, func(w write.Write) error {
		if first || w.Version < minVersion {
			minVersion = w.Version
		}

		if first || w.Version > maxVersion {
			maxVersion = w.Version
		}

		first = false

		if err := table.Insert(w); err != nil {
			return err
		}

		if err := index.Insert(w); err != nil {
			return err
		}

		if w.Value.Kind() == tval.KindString {
			if err := corpus.Insert(w); err != nil {
				return err
			}
		}

		return nil
	})
	if insertErr != nil {
		buf.Requeue(pages)
		return fmt.Errorf("buffer: replay drained pages: %w", insertErr)
	}

	if err := sink.WriteSegment(table, index, corpus, minVersion, maxVersion); err != nil {
		buf.Requeue(pages)
		return fmt.Errorf("buffer: write segment: %w", err)
	}

	if err := buf.Complete(pages); err != nil {
		return fmt.Errorf("buffer: complete transport: %w", err)
	}

	t.mu.Lock()
	t.lastProgress = time.Now()
	t.mu.Unlock()

	return nil
}

func replayPages(pages []*Page, fn func(write.Write) error) error {
	for _, p := range pages {
		if err := p.All(fn); err != nil {
			return err
		}
	}

	return nil
}

func expectedInsertions(pages []*Page) int {
	total := 0
	for _, p := range pages {
		total += p.Len() / 32
	}

	if total == 0 {
		total = 1
	}

	return total
}

func (t *Transporter) watchHang(ctx context.Context) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			since := time.Since(t.lastProgress)
			t.mu.Unlock()

			if since > t.hangThreshold && t.log != nil {
				t.log.Warnw("transporter has made no progress", "since", since)
			}
		}
	}
}
