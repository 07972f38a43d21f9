package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Fjnieve/torrent-streamer/go-torrent/storage"
	"github.com/Fjnieve/torrent-streamer/go-torrent/torrent"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "stream")

var ErrNoSuchFile = errors.New("no such file")

// Cursor receives the piece a reader is about to consume so that the
// download can prioritize it.
type Cursor interface {
	SetCursor(readerID string, pieceIndex int)
	ClearCursor(readerID string)
}

// Reader is a seekable view of one file of a torrent. Reads block until the
// pieces under them are verified, and never return unverified bytes.
type Reader struct {
	sync.Mutex
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	tor    *torrent.Manifest
	file   torrent.FileEntry
	store  storage.PieceStore
	cursor Cursor
	nudge  func()
	pos    int64
	closed bool
}

// NewReader opens file fileIndex of tor. nudge, if set, is called whenever
// the reader moves to a piece it still has to wait for.
func NewReader(
	ctx context.Context,
	tor *torrent.Manifest,
	fileIndex int,
	store storage.PieceStore,
	cursor Cursor,
	nudge func()) (*Reader, error) {

	if fileIndex < 0 || fileIndex >= len(tor.Files) {
		return nil, fmt.Errorf("file %d of %d: %w", fileIndex, len(tor.Files), ErrNoSuchFile)
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Reader{
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		tor:    tor,
		file:   tor.Files[fileIndex],
		store:  store,
		cursor: cursor,
		nudge:  nudge,
	}, nil
}

func (r *Reader) Name() string {
	return r.file.Path
}

func (r *Reader) Size() int64 {
	return r.file.Length
}

// ReadRange returns n bytes at file offset off once every piece under them
// is verified. It fails with ErrSessionDestroyed if the session goes away
// while waiting.
func (r *Reader) ReadRange(ctx context.Context, off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off+n > r.file.Length {
		return nil, fmt.Errorf("range %d+%d outside file of %d bytes", off, n, r.file.Length)
	}
	if n == 0 {
		return []byte{}, nil
	}
	abs := r.file.Offset + off
	r.point(abs)
	if err := r.wait(ctx, abs, n); err != nil {
		return nil, err
	}
	return r.store.ReadRange(abs, n)
}

func (r *Reader) wait(ctx context.Context, abs, n int64) error {
	for i := r.tor.PieceAt(abs); i <= r.tor.PieceAt(abs+n-1); i++ {
		if r.store.State(i) == storage.PieceVerified {
			continue
		}
		if r.nudge != nil {
			r.nudge()
		}
		log.WithFields(logrus.Fields{
			"reader": r.id,
			"piece":  i,
		}).Debug("waiting for pieces")
		break
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	err := r.store.WaitRange(ctx, abs, n)
	if err != nil && r.ctx.Err() != nil {
		// the reader or its session went away, not the caller
		return torrent.ErrSessionDestroyed
	}
	return err
}

func (r *Reader) point(abs int64) {
	if r.cursor != nil {
		r.cursor.SetCursor(r.id, r.tor.PieceAt(abs))
	}
}

// Read fills p up to the end of the current piece.
func (r *Reader) Read(p []byte) (int, error) {
	r.Lock()
	defer r.Unlock()

	if r.closed {
		return 0, torrent.ErrSessionDestroyed
	}
	if r.pos >= r.file.Length {
		return 0, io.EOF
	}
	abs := r.file.Offset + r.pos
	pieceIndex := r.tor.PieceAt(abs)
	pieceEnd := r.tor.PieceOffset(pieceIndex) + r.tor.PieceSize(pieceIndex)
	n := int64(len(p))
	if left := r.file.Length - r.pos; n > left {
		n = left
	}
	if left := pieceEnd - abs; n > left {
		n = left
	}
	if n == 0 {
		return 0, nil
	}

	data, err := r.ReadRange(r.ctx, r.pos, n)
	if err != nil {
		return 0, err
	}
	copy(p, data)
	r.pos += n
	return int(n), nil
}

func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	r.Lock()
	defer r.Unlock()

	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = r.pos + offset
	case io.SeekEnd:
		pos = r.file.Length + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("negative position %d", pos)
	}
	r.pos = pos
	if pos < r.file.Length {
		r.point(r.file.Offset + pos)
	}
	return pos, nil
}

// Close releases the stream priority and wakes a pending read with
// ErrSessionDestroyed.
func (r *Reader) Close() error {
	r.cancel()

	r.Lock()
	defer r.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.cursor != nil {
		r.cursor.ClearCursor(r.id)
	}
	return nil
}
