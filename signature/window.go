package signature

import (
	"io"
	"os"
	"strings"

	"golang.org/x/exp/mmap"
)

var openMmapReader = mmap.Open

// ReadWindow reads up to windowSize bytes from the head of path. Mode is
// "stream", "mmap", or "auto"; auto prefers mmap for files at or above
// mmapMinSize and falls back to streaming when mapping fails.
func ReadWindow(path string, windowSize int, mode string, mmapMinSize int64) ([]byte, error) {
	if windowSize <= 0 {
		windowSize = 1024 * 1024
	}
	if mmapMinSize <= 0 {
		mmapMinSize = 128 * 1024
	}
	mode = strings.ToLower(strings.TrimSpace(mode))

	switch mode {
	case "mmap":
		return readWindowMmap(path, windowSize)
	case "stream", "":
		return readWindowStream(path, windowSize)
	default: // auto
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.Size() >= mmapMinSize {
			if window, err := readWindowMmap(path, windowSize); err == nil {
				return window, nil
			}
		}
		return readWindowStream(path, windowSize)
	}
}

func readWindowMmap(path string, windowSize int) ([]byte, error) {
	r, err := openMmapReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	size := r.Len()
	if size > windowSize {
		size = windowSize
	}
	if size <= 0 {
		return []byte{}, nil
	}
	buf := make([]byte, size)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

func readWindowStream(path string, windowSize int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, windowSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return buf[:n], nil
}
