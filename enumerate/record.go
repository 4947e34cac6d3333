package enumerate

import (
	"time"

	"github.com/djherbis/times"
)

// FileRecord describes one enumerated file. It is immutable once emitted;
// downstream stages reference it but never mutate it.
type FileRecord struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"mod_time"`
	CreationTime time.Time `json:"creation_time,omitzero"`
	ChangeTime   time.Time `json:"change_time,omitzero"`
	Source       string    `json:"source"`
	DiscoveredAt time.Time `json:"discovered_at"`

	// Seq is the position in the merged enumeration sequence. Records
	// re-submitted from archive extraction carry the parent's Seq.
	Seq uint64 `json:"seq"`

	// Depth is the archive nesting depth: 0 for on-disk files, 1 for a
	// direct archive entry, and so on.
	Depth int `json:"depth,omitempty"`

	// Parent is the path of the archive this record was extracted from.
	Parent string `json:"parent,omitempty"`
}

// fillTimes populates creation/change time where the platform exposes them.
func fillTimes(rec *FileRecord) {
	ts, err := times.Stat(rec.Path)
	if err != nil {
		return
	}
	if ts.HasBirthTime() {
		rec.CreationTime = ts.BirthTime()
	}
	if ts.HasChangeTime() {
		rec.ChangeTime = ts.ChangeTime()
	}
}
