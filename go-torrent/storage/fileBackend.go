package storage

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Fjnieve/torrent-streamer/go-torrent/torrent"
	"github.com/spf13/afero"
)

type fileBackend struct {
	fs        afero.Fs
	entries   []torrent.FileEntry
	files     []afero.File
	fileLocks []*sync.Mutex
}

// NewFileBackend lays the torrent's files out under dir, creating
// directories and sizing files as needed. Existing content is kept so it
// can be verified on resume.
func NewFileBackend(fs afero.Fs, dir string, tor *torrent.Manifest) (Backend, error) {
	b := &fileBackend{
		fs:      fs,
		entries: tor.Files,
	}
	for _, entry := range tor.Files {
		p := path.Join(dir, entry.Path)
		if !within(dir, p) {
			b.Close()
			return nil, fmt.Errorf("file %q escapes %s", entry.Path, dir)
		}
		if err := fs.MkdirAll(path.Dir(p), 0755); err != nil {
			b.Close()
			return nil, err
		}
		file, err := openFile(fs, p, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.files = append(b.files, file)
		b.fileLocks = append(b.fileLocks, &sync.Mutex{})

		if info, err := file.Stat(); err == nil && info.Size() != entry.Length {
			if err := file.Truncate(entry.Length); err != nil {
				b.Close()
				return nil, err
			}
		}
	}
	return b, nil
}

func within(dir, p string) bool {
	rel, err := filepath.Rel(path.Clean(dir), p)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	return rel != ".." && !strings.HasPrefix(rel, "../")
}

// NewMemoryBackend keeps everything in memory and loses it on Close.
func NewMemoryBackend(tor *torrent.Manifest) (Backend, error) {
	return NewFileBackend(afero.NewMemMapFs(), "/", tor)
}

// NewDefaultBackend writes under dir on the local filesystem.
func NewDefaultBackend(dir string, tor *torrent.Manifest) (Backend, error) {
	return NewFileBackend(appFS, dir, tor)
}

// span walks the files overlapping [off, off+n) and calls fn with the file
// index, the offset inside that file and the slice of p it maps to.
func (b *fileBackend) span(p []byte, off int64, fn func(fileIndex int, fileOffset int64, chunk []byte) error) (int, error) {
	done := 0
	for fileIndex, entry := range b.entries {
		if done == len(p) {
			break
		}
		cur := off + int64(done)
		if entry.Length == 0 || cur >= entry.Offset+entry.Length || cur < entry.Offset {
			continue
		}
		fileOffset := cur - entry.Offset
		n := entry.Length - fileOffset
		if n > int64(len(p)-done) {
			n = int64(len(p) - done)
		}
		if err := fn(fileIndex, fileOffset, p[done:done+int(n)]); err != nil {
			return done, err
		}
		done += int(n)
	}
	if done < len(p) {
		return done, io.ErrUnexpectedEOF
	}
	return done, nil
}

func (b *fileBackend) ReadAt(p []byte, off int64) (int, error) {
	return b.span(p, off, func(fileIndex int, fileOffset int64, chunk []byte) error {
		b.fileLocks[fileIndex].Lock()
		defer b.fileLocks[fileIndex].Unlock()

		_, err := b.files[fileIndex].ReadAt(chunk, fileOffset)
		if err == io.EOF {
			return fmt.Errorf("read %s: %w", b.entries[fileIndex].Path, io.ErrUnexpectedEOF)
		}
		return err
	})
}

func (b *fileBackend) WriteAt(p []byte, off int64) (int, error) {
	return b.span(p, off, func(fileIndex int, fileOffset int64, chunk []byte) error {
		b.fileLocks[fileIndex].Lock()
		defer b.fileLocks[fileIndex].Unlock()

		_, err := b.files[fileIndex].WriteAt(chunk, fileOffset)
		return err
	})
}

func (b *fileBackend) Close() error {
	var first error
	for _, f := range b.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	b.files = nil
	return first
}
