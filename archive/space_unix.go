//go:build unix

package archive

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ensureScratchSpace refuses extraction when the declared uncompressed size
// would consume more than half of the scratch filesystem's free space.
func ensureScratchSpace(scratchDir string, declared int64) error {
	var st unix.Statfs_t
	if err := unix.Statfs(scratchDir, &st); err != nil {
		// Statfs failing is not worth blocking extraction over; the
		// per-entry caps still apply.
		return nil
	}
	avail := int64(st.Bavail) * int64(st.Bsize)
	if declared > avail/2 {
		return fmt.Errorf("declared size %d exceeds half of available scratch space %d", declared, avail)
	}
	return nil
}
