// Package logtail reads the end of a service log file and follows appends.
package logtail

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

const chunkSize = 64 * 1024

// Last returns up to n trailing lines of path without their newlines, and
// the file size they were read at. A missing file yields no lines.
func Last(path string, n int) ([]string, int64, error) {
	f, err := os.Open(filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to open log")
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	size := fi.Size()
	if n <= 0 || size == 0 {
		return nil, size, nil
	}

	// Read backwards until n+1 newlines are seen or the start is reached.
	var buf []byte
	pos := size
	for pos > 0 && bytes.Count(buf, []byte{'\n'}) <= n {
		step := int64(chunkSize)
		if pos < step {
			step = pos
		}
		pos -= step
		chunk := make([]byte, step)
		if _, err := f.ReadAt(chunk, pos); err != nil && !errors.Is(err, io.EOF) {
			return nil, 0, errors.Wrap(err, "failed to read log")
		}
		buf = append(chunk, buf...)
	}

	lines := bytes.Split(bytes.TrimSuffix(buf, []byte{'\n'}), []byte{'\n'})
	if pos > 0 {
		lines = lines[1:] // first line is partial
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l)
	}
	return out, size, nil
}

// Follow copies everything appended to path after offset into w until ctx is
// cancelled. A truncated or recreated file is read again from the start.
func Follow(ctx context.Context, path string, offset int64, w io.Writer) error {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create watcher")
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory so a file created after we start is seen too.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return errors.Wrapf(err, "failed to watch %s", filepath.Dir(path))
	}

	// Catch up on anything written between the caller's read and Add.
	if offset, err = copyFrom(path, offset, w); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return errors.Wrap(err, "watch error")
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != path {
				continue
			}
			if evt.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				offset = 0
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if offset, err = copyFrom(path, offset, w); err != nil {
				return err
			}
		}
	}
}

// copyFrom writes path[offset:] to w and returns the new offset.
func copyFrom(path string, offset int64, w io.Writer) (int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return offset, err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return offset, err
	}
	if fi.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}
	n, err := io.Copy(w, f)
	return offset + n, err
}
