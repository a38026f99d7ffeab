// Package storage persists verified pieces onto the torrent's file
// layout and reads them back for seeding.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"marlin/metainfo"
)

// Storage is the adapter contract consumed by the download core.
type Storage interface {
	WritePiece(index, begin int, data []byte) error
	ReadPiece(index int) ([]byte, error)
	Close() error
}

// FileStorage maps the concatenated piece space onto one or more files
// under a base directory. Files are created sparse up front so writes
// can land at any offset in any order.
type FileStorage struct {
	info *metainfo.Info
	base string

	mu    sync.Mutex
	files []*os.File
}

// NewFileStorage opens (creating if needed) every file of the torrent
// under dir.
func NewFileStorage(info *metainfo.Info, dir string) (*FileStorage, error) {
	fs := &FileStorage{
		info:  info,
		base:  dir,
		files: make([]*os.File, len(info.Files)),
	}
	for i, entry := range info.Files {
		path := filepath.Join(dir, entry.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			fs.Close()
			return nil, fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			fs.Close()
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		if err := f.Truncate(int64(entry.Length)); err != nil {
			f.Close()
			fs.Close()
			return nil, fmt.Errorf("sizing %s: %w", path, err)
		}
		fs.files[i] = f
	}
	return fs, nil
}

// WritePiece writes data at the given offset within piece index,
// splitting across file boundaries as needed.
func (fs *FileStorage) WritePiece(index, begin int, data []byte) error {
	pieceStart, pieceEnd := fs.info.PieceBounds(index)
	start := pieceStart + begin
	if start+len(data) > pieceEnd {
		return fmt.Errorf("write of %d bytes at %d:%d overruns piece", len(data), index, begin)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.each(start, len(data), func(f *os.File, fileOff int64, lo, hi int) error {
		_, err := f.WriteAt(data[lo:hi], fileOff)
		return err
	})
}

// ReadPiece reads a whole piece back.
func (fs *FileStorage) ReadPiece(index int) ([]byte, error) {
	start, end := fs.info.PieceBounds(index)
	buf := make([]byte, end-start)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	err := fs.each(start, len(buf), func(f *os.File, fileOff int64, lo, hi int) error {
		_, err := f.ReadAt(buf[lo:hi], fileOff)
		return err
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// each walks the files overlapping [start, start+length) in the
// concatenated piece space. lo/hi index into the caller's buffer.
func (fs *FileStorage) each(start, length int, fn func(f *os.File, fileOff int64, lo, hi int) error) error {
	done := 0
	for i, entry := range fs.info.Files {
		fileStart := entry.Offset
		fileEnd := entry.Offset + entry.Length
		cur := start + done
		if cur >= fileEnd || cur+length-done <= fileStart {
			continue
		}

		n := fileEnd - cur
		if remaining := length - done; n > remaining {
			n = remaining
		}
		if err := fn(fs.files[i], int64(cur-fileStart), done, done+n); err != nil {
			return fmt.Errorf("%s: %w", entry.Path, err)
		}
		done += n
		if done == length {
			return nil
		}
	}
	if done != length {
		return fmt.Errorf("range [%d, %d) extends past the file layout", start, start+length)
	}
	return nil
}

// Close closes every backing file.
func (fs *FileStorage) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var first error
	for _, f := range fs.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	fs.files = nil
	return first
}
