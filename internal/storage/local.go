package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

const lockFileName = ".modelcall.lock"

// Local stores streams as files in one directory. A flock on the directory
// keeps two runs from appending to the same streams.
type Local struct {
	dir  string
	lock *flock.Flock

	mu    sync.Mutex
	files map[string]*os.File
}

// OpenLocal creates dir if needed and takes its lock.
func OpenLocal(dir string) (*Local, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("local storage: directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("local storage: create %s: %w", dir, err)
	}
	lock := flock.New(filepath.Join(dir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("local storage: lock %s: %w", dir, err)
	}
	if !ok {
		return nil, fmt.Errorf("local storage: %s: %w", dir, ErrLocked)
	}
	return &Local{dir: dir, lock: lock, files: make(map[string]*os.File)}, nil
}

// Location returns the directory.
func (l *Local) Location() string {
	return l.dir
}

func (l *Local) path(stream string) (string, error) {
	if stream == "" || stream != filepath.Base(stream) || stream == lockFileName {
		return "", fmt.Errorf("local storage: invalid stream name %q", stream)
	}
	return filepath.Join(l.dir, stream), nil
}

// Append writes data with one write call and syncs it to disk. The first
// append to a stream whose last line was torn by a crash terminates that line
// so the new batch starts on a line of its own.
func (l *Local) Append(_ context.Context, stream string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	file, ok := l.files[stream]
	if !ok {
		path, err := l.path(stream)
		if err != nil {
			return err
		}
		file, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("local storage: open %s: %w", stream, err)
		}
		torn, err := endsWithoutNewline(path)
		if err != nil {
			file.Close()
			return err
		}
		if torn {
			data = append([]byte{'\n'}, data...)
		}
		l.files[stream] = file
	}

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("local storage: append %s: %w", stream, err)
	}
	if err := syncData(file); err != nil {
		return fmt.Errorf("local storage: sync %s: %w", stream, err)
	}
	return nil
}

func endsWithoutNewline(path string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("local storage: inspect %s: %w", path, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return false, fmt.Errorf("local storage: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := file.ReadAt(last, info.Size()-1); err != nil {
		return false, fmt.Errorf("local storage: read tail %s: %w", path, err)
	}
	return last[0] != '\n', nil
}

// Open returns the stream file for reading.
func (l *Local) Open(_ context.Context, stream string) (io.ReadCloser, error) {
	path, err := l.path(stream)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("local storage: %s: %w", stream, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("local storage: open %s: %w", stream, err)
	}
	return file, nil
}

// Exists reports whether the stream file exists.
func (l *Local) Exists(_ context.Context, stream string) (bool, error) {
	path, err := l.path(stream)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("local storage: stat %s: %w", stream, err)
	}
	return true, nil
}

// Rename moves a stream file aside.
func (l *Local) Rename(_ context.Context, from, to string) error {
	src, err := l.path(from)
	if err != nil {
		return err
	}
	dst, err := l.path(to)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("local storage: rename %s: %s: %w", from, to, fs.ErrExist)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if file, ok := l.files[from]; ok {
		file.Close()
		delete(l.files, from)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("local storage: rename %s to %s: %w", from, to, err)
	}
	return nil
}

// Probe creates and removes a scratch file in the directory.
func (l *Local) Probe(_ context.Context) error {
	probe, err := os.CreateTemp(l.dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("local storage: %s not writable: %w", l.dir, err)
	}
	name := probe.Name()
	probe.Close()
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("local storage: remove probe: %w", err)
	}
	return nil
}

// Close closes open stream files and releases the directory lock.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for name, file := range l.files {
		if err := file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(l.files, name)
	}
	if l.lock != nil {
		if err := l.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("unlock: %w", err))
		}
	}
	return errors.Join(errs...)
}
