// Package vfs abstracts the directory in which an index lives, so that the
// engine can run against a real filesystem or an in-memory directory in tests.
// File creation is atomic: content written through FileWriter only becomes
// visible after Commit.
package vfs

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dchest/safefile"
	"github.com/pkg/errors"
)

type FileReader interface {
	io.Reader
	io.ReaderAt
	io.Seeker
	io.Closer
}

type FileWriter interface {
	io.Writer
	io.Closer

	// Commit atomically publishes everything written so far.
	Commit() error
}

type Dir interface {
	Path() string
	OpenFile(name string) (FileReader, error)
	CreateFile(name string) (FileWriter, error)
	RemoveFile(name string) error
	ListFiles() ([]string, error)
}

var ErrNotDirectory = errors.New("not a directory")

func IsNotExist(err error) bool {
	return os.IsNotExist(errors.Cause(err))
}

type fsDir struct {
	path string
}

// OpenDir opens a directory on the filesystem, optionally creating it if it
// does not exist.
func OpenDir(path string, create bool) (Dir, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	if stat, err := os.Stat(path); err != nil {
		if create && os.IsNotExist(err) {
			err = os.MkdirAll(path, 0750)
			if err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	} else if !stat.IsDir() {
		return nil, ErrNotDirectory
	}

	return &fsDir{path: path}, nil
}

func (d *fsDir) Path() string { return d.path }

func (d *fsDir) OpenFile(name string) (FileReader, error) {
	return os.Open(filepath.Join(d.path, name))
}

func (d *fsDir) CreateFile(name string) (FileWriter, error) {
	return safefile.Create(filepath.Join(d.path, name), 0644)
}

func (d *fsDir) RemoveFile(name string) error {
	err := os.Remove(filepath.Join(d.path, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (d *fsDir) ListFiles() ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// memDir must match the real directory's concurrency contract: the index
// commits from a writer goroutine while background merges and readers open
// files on the same Dir, so the entry map is guarded by a lock.
type memDir struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemDir creates a directory that only lives in memory.
func NewMemDir() Dir {
	return &memDir{entries: make(map[string][]byte)}
}

func (d *memDir) Path() string { return "" }

func (d *memDir) OpenFile(name string) (FileReader, error) {
	d.mu.RLock()
	entry, ok := d.entries[name]
	d.mu.RUnlock()
	if !ok {
		return nil, os.ErrNotExist
	}
	return &memFileReader{Reader: bytes.NewReader(entry)}, nil
}

func (d *memDir) CreateFile(name string) (FileWriter, error) {
	return &memFileWriter{dir: d, name: name}, nil
}

func (d *memDir) RemoveFile(name string) error {
	d.mu.Lock()
	delete(d.entries, name)
	d.mu.Unlock()
	return nil
}

func (d *memDir) ListFiles() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.entries))
	for name := range d.entries {
		names = append(names, name)
	}
	return names, nil
}

type memFileReader struct {
	*bytes.Reader
}

func (f *memFileReader) Close() error { return nil }

type memFileWriter struct {
	bytes.Buffer
	dir  *memDir
	name string
}

func (f *memFileWriter) Commit() error {
	f.dir.mu.Lock()
	f.dir.entries[f.name] = append([]byte(nil), f.Bytes()...)
	f.dir.mu.Unlock()
	return nil
}

func (f *memFileWriter) Close() error { return nil }

// WriteFile atomically writes one file, delegating content generation to the
// given callback.
func WriteFile(d Dir, name string, write func(w io.Writer) error) error {
	file, err := d.CreateFile(name)
	if err != nil {
		return errors.Wrap(err, "create failed")
	}
	defer file.Close()

	err = write(file)
	if err != nil {
		return errors.Wrap(err, "write failed")
	}

	err = file.Commit()
	if err != nil {
		return errors.Wrap(err, "commit failed")
	}

	return nil
}
