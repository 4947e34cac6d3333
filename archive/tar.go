package archive

import (
	"archive/tar"
	"context"
	"io"
	"os"

	"shieldscan/logger"
	"shieldscan/utils"
)

// analyzeTar walks the header chain to gather declared sizes before
// extracting. Tar is uncompressed, so the expansion ratio is irrelevant;
// the entry-count and total-size caps are what bound it.
func (a *Analyzer) analyzeTar(ctx context.Context, path, scratchDir string, res *Result) error {
	entries, declared, err := tarDeclaredSizes(path)
	if err != nil {
		res.Anomalies = append(res.Anomalies, Anomaly{Kind: AnomalyTruncated, Detail: err.Error()})
		return nil
	}

	if anomaly, bombed := a.screen(entries, declared, declared); bombed {
		res.Anomalies = append(res.Anomalies, anomaly)
		return nil
	}
	if err := ensureScratchSpace(scratchDir, declared); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dest, err := entryScratchDir(scratchDir, path)
	if err != nil {
		return err
	}

	tr := tar.NewReader(f)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			res.Anomalies = append(res.Anomalies, Anomaly{Kind: AnomalyTruncated, Detail: err.Error()})
			return nil
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		target, err := utils.JoinWithin(dest, hdr.Name)
		if err != nil {
			res.Anomalies = append(res.Anomalies, Anomaly{Kind: AnomalyTraversal, Detail: err.Error()})
			continue
		}
		written, err := writeEntry(target, tr, a.cfg.MaxEntryBytes)
		if err != nil {
			logger.Debugf("Failed to extract %s from %s: %v", hdr.Name, path, err)
			continue
		}
		res.Entries = append(res.Entries, Entry{Name: hdr.Name, Path: target, Size: written})
	}
}

// tarDeclaredSizes reads only headers, skipping content, to total the
// declared entry sizes.
func tarDeclaredSizes(path string) (int, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	var entries int
	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return entries, total, nil
		}
		if err != nil {
			return 0, 0, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		entries++
		total += hdr.Size
	}
}
