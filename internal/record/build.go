package record

import (
	"fmt"

	"github.com/concoursedb/concourse/internal/chunk"
	"github.com/concoursedb/concourse/internal/write"
)

// Build constructs a Record of the given kind for locator by replaying, in
// order, every matching revision from sources (segment chunk readers, oldest
// first) and then extra (buffer revisions not yet transported) -- §4.5's
// "populated by replaying matching chunk ranges plus any relevant Buffer
// revisions". Sources must be supplied oldest-segment-first so each group's
// entries accumulate in ascending version order, matching [group.presentAt]'s
// odd-parity assumption.
func Build(kind chunk.Kind, locator []byte, sources []*chunk.Reader, extra []write.Write) (*Record, error) {
	rec := newRecord(kind)

	for _, src := range sources {
		if src.Kind() != kind {
			return nil, fmt.Errorf("record: source chunk kind %s does not match record kind %s", src.Kind(), kind)
		}

		revs, err := src.Seek(locator)
		if err != nil {
			return nil, fmt.Errorf("record: seek locator in source: %w", err)
		}

		for _, w := range revs {
			rec.Append(w)
		}
	}

	for _, w := range extra {
		rec.Append(w)
	}

	return rec, nil
}
