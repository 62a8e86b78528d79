package logger

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rotated(t *testing.T, path string) []string {
	t.Helper()
	matches, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	return matches
}

func TestNewRotatingWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "onebot.log")

	w, err := NewRotatingWriter(path, RotateOptions{MaxSizeMB: 1})
	require.NoError(t, err)
	defer w.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "file and parent directory are created")
}

func TestRotatingWriterAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "onebot.log")
	require.NoError(t, os.WriteFile(path, []byte("earlier\n"), 0o644))

	w, err := NewRotatingWriter(path, RotateOptions{MaxSizeMB: 1})
	require.NoError(t, err)
	n, err := w.Write([]byte("bot connected\n"))
	require.NoError(t, err)
	assert.Equal(t, len("bot connected\n"), n)
	require.NoError(t, w.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "earlier\nbot connected\n", string(content))
	assert.Empty(t, rotated(t, path))
}

func TestRotatingWriterRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "onebot.log")

	// A zero limit rotates before every write into a non-empty file.
	w, err := NewRotatingWriter(path, RotateOptions{})
	require.NoError(t, err)

	for _, line := range []string{"one\n", "two\n", "three\n"} {
		_, err := w.Write([]byte(line))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "three\n", string(current))

	files := rotated(t, path)
	require.Len(t, files, 2, "same-millisecond rotations must not overwrite each other")
	var contents []string
	for _, f := range files {
		b, err := os.ReadFile(f)
		require.NoError(t, err)
		contents = append(contents, string(b))
	}
	assert.ElementsMatch(t, []string{"one\n", "two\n"}, contents)
}

func TestRotatingWriterCompress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "onebot.log")

	w, err := NewRotatingWriter(path, RotateOptions{Compress: true})
	require.NoError(t, err)
	_, err = w.Write([]byte("first\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("second\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close(), "close waits for compression")

	files := rotated(t, path)
	require.Len(t, files, 1)
	require.True(t, strings.HasSuffix(files[0], ".gz"))

	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	b, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "first\n", string(b))
}

func TestRotatingWriterPrunesOldFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "onebot.log")
	stale := path + ".20200101-120000.000.gz"
	fresh := path + ".20990101-120000.000"
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("new"), 0o644))
	old := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(stale, old, old))

	w, err := NewRotatingWriter(path, RotateOptions{MaxSizeMB: 1, MaxAgeDays: 7})
	require.NoError(t, err)
	require.NoError(t, w.Close(), "close waits for the startup prune")

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestRotatingWriterConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "onebot.log")
	w, err := NewRotatingWriter(path, RotateOptions{MaxSizeMB: 1})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = w.Write([]byte("event\n"))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, w.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 400, strings.Count(string(content), "event\n"))
}

func TestRotatingWriterClosed(t *testing.T) {
	w, err := NewRotatingWriter(filepath.Join(t.TempDir(), "onebot.log"), RotateOptions{MaxSizeMB: 1})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}
