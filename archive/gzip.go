package archive

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"shieldscan/logger"
)

// analyzeGzip handles single-member gzip streams. The member's uncompressed
// size is declared in the ISIZE trailer (modulo 2^32), which lets the bomb
// screen run without inflating anything.
func (a *Analyzer) analyzeGzip(ctx context.Context, path, scratchDir string, res *Result) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	compressed := info.Size()
	if compressed < 18 {
		res.Anomalies = append(res.Anomalies, Anomaly{Kind: AnomalyTruncated, Detail: "shorter than gzip minimum"})
		return nil
	}

	var trailer [4]byte
	if _, err := f.ReadAt(trailer[:], compressed-4); err != nil {
		return err
	}
	declared := int64(binary.LittleEndian.Uint32(trailer[:]))

	// ISIZE wraps at 4 GiB. Incompressible payloads come out slightly
	// larger than they went in (stored-block framing plus header and
	// name), so a wrap is only inferred when the declared size falls
	// short of the compressed size by more than that worst-case
	// overhead.
	if declared+compressed/1024+64 < compressed {
		declared = a.cfg.MaxTotalBytes + 1
	}

	if anomaly, bombed := a.screen(1, compressed, declared); bombed {
		res.Anomalies = append(res.Anomalies, anomaly)
		return nil
	}
	if declared > a.cfg.MaxEntryBytes {
		res.Anomalies = append(res.Anomalies, Anomaly{
			Kind:   AnomalyBomb,
			Detail: fmt.Sprintf("member declares %d bytes, cap %d", declared, a.cfg.MaxEntryBytes),
		})
		return nil
	}
	if err := ensureScratchSpace(scratchDir, declared); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	gr, err := gzip.NewReader(f)
	if err != nil {
		res.Anomalies = append(res.Anomalies, Anomaly{Kind: AnomalyTruncated, Detail: err.Error()})
		return nil
	}
	defer gr.Close()

	name := gr.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), ".gz")
	}
	dest, err := entryScratchDir(scratchDir, path)
	if err != nil {
		return err
	}
	target := filepath.Join(dest, filepath.Base(name))
	written, err := writeEntry(target, gr, a.cfg.MaxEntryBytes)
	if err != nil {
		logger.Debugf("Failed to extract gzip member from %s: %v", path, err)
		res.Anomalies = append(res.Anomalies, Anomaly{Kind: AnomalyBomb, Detail: err.Error()})
		return nil
	}
	res.Entries = append(res.Entries, Entry{Name: name, Path: target, Size: written})
	return nil
}
