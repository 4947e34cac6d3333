//go:build !unix

package archive

// ensureScratchSpace is a no-op where the platform does not expose
// filesystem statistics; the per-entry and total caps still apply.
func ensureScratchSpace(scratchDir string, declared int64) error {
	return nil
}
