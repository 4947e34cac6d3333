package scan

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"shieldscan/logger"
	"shieldscan/store"
)

// Quarantiner moves files judged malicious into an isolation directory.
// Entries outlive the session that created them; only an explicit restore
// or purge removes them.
type Quarantiner struct {
	dir string
	db  *store.DB
}

func NewQuarantiner(dir string, db *store.DB) (*Quarantiner, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create quarantine dir: %w", err)
	}
	return &Quarantiner{dir: dir, db: db}, nil
}

// Isolate moves path into the quarantine directory and records the entry.
func (q *Quarantiner) Isolate(sessionID, path, digest, reason string) (*store.QuarantineEntry, error) {
	prefix := digest
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	dest := filepath.Join(q.dir, prefix+"_"+filepath.Base(path))
	if err := moveFile(path, dest); err != nil {
		return nil, fmt.Errorf("quarantine %s: %w", path, err)
	}
	if err := os.Chmod(dest, 0o400); err != nil {
		logger.Warnf("Failed to restrict quarantined file %s: %v", dest, err)
	}

	entry := &store.QuarantineEntry{
		SessionID:      sessionID,
		OriginalPath:   path,
		QuarantinePath: dest,
		Digest:         digest,
		Reason:         reason,
	}
	if err := q.db.AddQuarantine(entry); err != nil {
		return nil, err
	}
	logger.Infof("Quarantined %s -> %s (%s)", path, dest, reason)
	return entry, nil
}

// Restore moves a quarantined file back to its original location and
// removes the entry.
func (q *Quarantiner) Restore(id int64) error {
	entry, err := q.db.GetQuarantine(id)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("quarantine entry %d not found", id)
	}
	if err := os.Chmod(entry.QuarantinePath, 0o600); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unlock quarantined file: %w", err)
	}
	if err := moveFile(entry.QuarantinePath, entry.OriginalPath); err != nil {
		return fmt.Errorf("restore %s: %w", entry.OriginalPath, err)
	}
	return q.db.DeleteQuarantine(id)
}

// Purge deletes a quarantined file permanently and removes the entry.
func (q *Quarantiner) Purge(id int64) error {
	entry, err := q.db.GetQuarantine(id)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("quarantine entry %d not found", id)
	}
	if err := os.Remove(entry.QuarantinePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("purge %s: %w", entry.QuarantinePath, err)
	}
	return q.db.DeleteQuarantine(id)
}

// moveFile renames when possible and falls back to copy-and-delete across
// filesystems.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
