package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// maxBackups caps the number of rotated files kept next to the live log.
const maxBackups = 10

// RotatingWriter appends to a log file and shifts it to numbered backups
// (relay.log.1 is the newest) once it grows past maxSize.
type RotatingWriter struct {
	mu       sync.Mutex
	path     string
	maxSize  int64
	maxAge   time.Duration
	compress bool
	file     *os.File
	size     int64
	now      func() time.Time
}

// NewRotatingWriter opens path for appending. maxSizeMB <= 0 rotates on
// every write that would grow a non-empty file; maxAgeDays <= 0 keeps
// backups until maxBackups is reached.
func NewRotatingWriter(path string, maxSizeMB, maxAgeDays int, compress bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	w := &RotatingWriter{
		path:     path,
		maxSize:  int64(maxSizeMB) << 20,
		maxAge:   time.Duration(maxAgeDays) * 24 * time.Hour,
		compress: compress,
		now:      time.Now,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	w.prune()
	return w, nil
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first when p does not fit.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log file: %w", err)
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close flushes and closes the live file. Later writes fail.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	// Shift .N to .N+1 from the oldest down so nothing is overwritten.
	backups := w.backups()
	for i := len(backups) - 1; i >= 0; i-- {
		b := backups[i]
		next := w.backupName(b.index+1, b.gzipped)
		if err := os.Rename(b.path, next); err != nil {
			return err
		}
	}

	first := w.backupName(1, false)
	if err := os.Rename(w.path, first); err != nil {
		return err
	}
	if w.compress {
		if err := gzipFile(first); err != nil {
			return err
		}
	}
	if err := w.open(); err != nil {
		return err
	}
	w.prune()
	return nil
}

type backup struct {
	path    string
	index   int
	gzipped bool
	modTime time.Time
}

func (w *RotatingWriter) backupName(index int, gzipped bool) string {
	name := w.path + "." + strconv.Itoa(index)
	if gzipped {
		name += ".gz"
	}
	return name
}

// backups lists rotated files ordered newest first.
func (w *RotatingWriter) backups() []backup {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return nil
	}
	byIndex := make(map[int]backup, len(matches))
	maxIndex := 0
	for _, m := range matches {
		suffix := strings.TrimPrefix(m, w.path+".")
		gz := strings.HasSuffix(suffix, ".gz")
		idx, err := strconv.Atoi(strings.TrimSuffix(suffix, ".gz"))
		if err != nil || idx < 1 {
			continue
		}
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		byIndex[idx] = backup{path: m, index: idx, gzipped: gz, modTime: info.ModTime()}
		if idx > maxIndex {
			maxIndex = idx
		}
	}
	out := make([]backup, 0, len(byIndex))
	for i := 1; i <= maxIndex; i++ {
		if b, ok := byIndex[i]; ok {
			out = append(out, b)
		}
	}
	return out
}

// prune drops backups beyond maxBackups or older than maxAge.
func (w *RotatingWriter) prune() {
	cutoff := time.Time{}
	if w.maxAge > 0 {
		cutoff = w.now().Add(-w.maxAge)
	}
	for i, b := range w.backups() {
		if i >= maxBackups || (!cutoff.IsZero() && b.modTime.Before(cutoff)) {
			_ = os.Remove(b.path)
		}
	}
}

// gzipFile replaces path with path.gz.
func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	src.Close()
	return os.Remove(path)
}
