package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"

	"shieldscan/logger"
	"shieldscan/utils"
)

func (a *Analyzer) analyzeZip(ctx context.Context, path, scratchDir string, res *Result) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		// ErrInsecurePath still yields a usable reader; the per-entry
		// traversal check below records the offending names.
		if !errors.Is(err, zip.ErrInsecurePath) {
			res.Anomalies = append(res.Anomalies, Anomaly{Kind: AnomalyTruncated, Detail: err.Error()})
			return nil
		}
	}
	defer zr.Close()
	zr.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})

	// The central directory declares every entry's compressed and
	// uncompressed size. The bomb screen runs on those declarations
	// before any entry is opened.
	var declaredCompressed, declaredUncompressed int64
	fileEntries := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		fileEntries++
		declaredCompressed += int64(f.CompressedSize64)
		declaredUncompressed += int64(f.UncompressedSize64)
	}

	if anomaly, bombed := a.screen(fileEntries, declaredCompressed, declaredUncompressed); bombed {
		res.Anomalies = append(res.Anomalies, anomaly)
		return nil
	}
	if err := ensureScratchSpace(scratchDir, declaredUncompressed); err != nil {
		return err
	}

	dest, err := entryScratchDir(scratchDir, path)
	if err != nil {
		return err
	}

	for _, f := range zr.File {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if f.FileInfo().IsDir() {
			continue
		}
		if int64(f.UncompressedSize64) > a.cfg.MaxEntryBytes {
			res.Anomalies = append(res.Anomalies, Anomaly{
				Kind:   AnomalyBomb,
				Detail: fmt.Sprintf("entry %s declares %d bytes, cap %d", f.Name, f.UncompressedSize64, a.cfg.MaxEntryBytes),
			})
			continue
		}
		target, err := utils.JoinWithin(dest, f.Name)
		if err != nil {
			res.Anomalies = append(res.Anomalies, Anomaly{Kind: AnomalyTraversal, Detail: err.Error()})
			continue
		}
		rc, err := f.Open()
		if err != nil {
			logger.Debugf("Skipping unreadable zip entry %s in %s: %v", f.Name, path, err)
			continue
		}
		written, err := writeEntry(target, rc, a.cfg.MaxEntryBytes)
		rc.Close()
		if err != nil {
			logger.Debugf("Failed to extract %s from %s: %v", f.Name, path, err)
			continue
		}
		res.Entries = append(res.Entries, Entry{Name: f.Name, Path: target, Size: written})
	}
	return nil
}

// screen applies the metadata-only bomb checks. Ratio strictly greater than
// the threshold trips; exactly at the threshold passes.
func (a *Analyzer) screen(entries int, compressed, uncompressed int64) (Anomaly, bool) {
	if entries > a.cfg.MaxEntries {
		return Anomaly{
			Kind:   AnomalyBomb,
			Detail: fmt.Sprintf("declares %d entries, cap %d", entries, a.cfg.MaxEntries),
		}, true
	}
	if uncompressed > a.cfg.MaxTotalBytes {
		return Anomaly{
			Kind:   AnomalyBomb,
			Detail: fmt.Sprintf("declares %d uncompressed bytes, cap %d", uncompressed, a.cfg.MaxTotalBytes),
		}, true
	}
	if compressed > 0 {
		ratio := float64(uncompressed) / float64(compressed)
		if ratio > a.cfg.RatioThreshold {
			return Anomaly{
				Kind:   AnomalyBomb,
				Detail: fmt.Sprintf("declared ratio %.1f exceeds threshold %.1f", ratio, a.cfg.RatioThreshold),
			}, true
		}
	}
	return Anomaly{}, false
}

// entryScratchDir allocates a per-archive directory under the session
// scratch root, so entries from different archives cannot collide.
func entryScratchDir(scratchDir, archivePath string) (string, error) {
	base := strings.ReplaceAll(filepath.Base(archivePath), string(filepath.Separator), "_")
	dir, err := os.MkdirTemp(scratchDir, base+"-*")
	if err != nil {
		return "", fmt.Errorf("scratch dir: %w", err)
	}
	return dir, nil
}

// writeEntry streams src to target, failing if it exceeds limit. A declared
// size can lie; the cap is enforced on actual bytes too.
func writeEntry(target string, src io.Reader, limit int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	written, err := io.Copy(out, io.LimitReader(src, limit+1))
	if err != nil {
		os.Remove(target)
		return 0, err
	}
	if written > limit {
		os.Remove(target)
		return 0, fmt.Errorf("entry exceeded %d byte cap during extraction", limit)
	}
	return written, nil
}
