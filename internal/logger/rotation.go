package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const rotatedStamp = "20060102-150405.000"

// RotateOptions control when and how a log file is rotated.
type RotateOptions struct {
	MaxSizeMB  int // 0 rotates on every write that would grow the file
	MaxAgeDays int // rotated files older than this are removed, 0 keeps all
	Compress   bool
}

// RotatingWriter is an io.WriteCloser over a size-rotated log file. It is
// safe for concurrent use. Compression and pruning of rotated files run in
// the background and are awaited by Close.
type RotatingWriter struct {
	path string
	opts RotateOptions

	mu   sync.Mutex
	file *os.File
	size int64

	background sync.WaitGroup
}

// NewRotatingWriter opens (or creates) path for appending.
func NewRotatingWriter(path string, opts RotateOptions) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	w := &RotatingWriter{path: path, opts: opts}
	if err := w.open(); err != nil {
		return nil, err
	}

	w.background.Add(1)
	go func() {
		defer w.background.Done()
		w.prune()
	}()
	return w, nil
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
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

func (w *RotatingWriter) limit() int64 {
	return int64(w.opts.MaxSizeMB) * 1024 * 1024
}

// Write appends p, rotating first when p would push the file past the limit.
// An empty file is never rotated, so one oversized line still lands.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return 0, os.ErrClosed
	}

	if w.size > 0 && w.size+int64(len(p)) > w.limit() {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the file and waits for background compression and pruning.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.background.Wait()
	return err
}

// rotate moves the current file aside and reopens path. Caller holds mu.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	rotated := w.rotatedName()
	if err := os.Rename(w.path, rotated); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	if err := w.open(); err != nil {
		return err
	}

	w.background.Add(1)
	go func() {
		defer w.background.Done()
		if w.opts.Compress {
			_ = compressFile(rotated)
		}
		w.prune()
	}()
	return nil
}

// rotatedName stamps path with the current time, adding a counter when a
// rotation in the same millisecond already took the name.
func (w *RotatingWriter) rotatedName() string {
	base := w.path + "." + time.Now().Format(rotatedStamp)
	name := base
	for i := 1; exists(name) || exists(name+".gz"); i++ {
		name = fmt.Sprintf("%s-%d", base, i)
	}
	return name
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// compressFile gzips path to path.gz and removes path.
func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// prune removes rotated files last modified before the max age.
func (w *RotatingWriter) prune() {
	if w.opts.MaxAgeDays <= 0 {
		return
	}
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -w.opts.MaxAgeDays)
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(m)
		}
	}
}
