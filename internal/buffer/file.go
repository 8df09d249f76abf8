package buffer

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/concoursedb/concourse/pkg/fs"
)

const (
	osCreateExclFlags = os.O_RDWR | os.O_CREATE | os.O_EXCL
	ordwrFlags        = os.O_RDWR
)

// truncateFile sizes f to exactly size bytes via ftruncate, since [fs.File]
// does not expose os.File.Truncate directly.
func truncateFile(f fs.File, size int64) error {
	if err := unix.Ftruncate(int(f.Fd()), size); err != nil {
		return fmt.Errorf("ftruncate: %w", err)
	}

	return nil
}
