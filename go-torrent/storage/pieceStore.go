package storage

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"sync"

	"github.com/Fjnieve/torrent-streamer/go-torrent/torrent"
	bitmap "github.com/boljen/go-bitmap"
	"github.com/sirupsen/logrus"
)

type WriteResult int

const (
	Pending WriteResult = iota
	Verified
	// Duplicate means the block was already held, typically an end-game
	// duplicate arriving after the first copy.
	Duplicate
)

func (r WriteResult) String() string {
	switch r {
	case Pending:
		return "pending"
	case Verified:
		return "verified"
	case Duplicate:
		return "duplicate"
	}
	return fmt.Sprintf("WriteResult(%d)", int(r))
}

type PieceState int

const (
	PieceMissing PieceState = iota
	PiecePartial
	PieceVerified
)

// PieceStore assembles blocks into pieces, checks each completed piece
// against its manifest hash and persists it through a Backend. Only
// verified bytes are ever handed to readers.
type PieceStore interface {
	WriteBlock(pieceIndex, begin int, data []byte) (WriteResult, error)
	ReadBlock(pieceIndex, begin, length int) ([]byte, error)
	ReadRange(offset, length int64) ([]byte, error)
	// WaitRange blocks until every piece overlapping the range is verified.
	WaitRange(ctx context.Context, offset, length int64) error

	State(pieceIndex int) PieceState
	Bitfield() bitmap.Bitmap
	NumVerified() int
	BytesVerified() int64
	Complete() bool

	// Verify hashes content already in the backend and marks matching
	// pieces verified. It returns the verified indices.
	Verify() ([]int, error)
	Close() error
}

type partialPiece struct {
	data  []byte
	have  []bool
	count int
}

type pieceStore struct {
	sync.Mutex
	tor           *torrent.Manifest
	backend       Backend
	partial       map[int]*partialPiece
	verifying     map[int]bool
	verified      bitmap.Bitmap
	numVerified   int
	bytesVerified int64
	changed       chan struct{}
	closed        bool
}

func NewPieceStore(tor *torrent.Manifest, backend Backend) PieceStore {
	return &pieceStore{
		tor:       tor,
		backend:   backend,
		partial:   make(map[int]*partialPiece),
		verifying: make(map[int]bool),
		verified:  bitmap.New(tor.NumPieces()),
		changed:   make(chan struct{}),
	}
}

func (ps *pieceStore) checkBlock(pieceIndex, begin, length int) error {
	if pieceIndex < 0 || pieceIndex >= ps.tor.NumPieces() {
		return fmt.Errorf("piece %d out of range: %w", pieceIndex, torrent.ErrProtocolViolation)
	}
	if begin < 0 || begin%torrent.BlockSize != 0 || begin/torrent.BlockSize >= ps.tor.NumBlocks(pieceIndex) {
		return fmt.Errorf("block offset %d in piece %d: %w", begin, pieceIndex, torrent.ErrProtocolViolation)
	}
	if want := ps.tor.BlockLength(pieceIndex, begin/torrent.BlockSize); length != want {
		return fmt.Errorf("block %d:%d has %d bytes, want %d: %w", pieceIndex, begin, length, want, torrent.ErrProtocolViolation)
	}
	return nil
}

func (ps *pieceStore) WriteBlock(pieceIndex, begin int, data []byte) (WriteResult, error) {
	ps.Lock()
	if ps.closed {
		ps.Unlock()
		return Pending, torrent.ErrSessionDestroyed
	}
	if err := ps.checkBlock(pieceIndex, begin, len(data)); err != nil {
		ps.Unlock()
		return Pending, err
	}
	if ps.verified.Get(pieceIndex) || ps.verifying[pieceIndex] {
		ps.Unlock()
		return Duplicate, nil
	}

	pp, ok := ps.partial[pieceIndex]
	if !ok {
		pp = &partialPiece{
			data: make([]byte, ps.tor.PieceSize(pieceIndex)),
			have: make([]bool, ps.tor.NumBlocks(pieceIndex)),
		}
		ps.partial[pieceIndex] = pp
	}
	blockIndex := begin / torrent.BlockSize
	if pp.have[blockIndex] {
		ps.Unlock()
		return Duplicate, nil
	}
	copy(pp.data[begin:], data)
	pp.have[blockIndex] = true
	pp.count++
	if pp.count < len(pp.have) {
		ps.Unlock()
		return Pending, nil
	}

	// Hash and persist outside the lock; later writes for this piece are
	// duplicates until the outcome is known.
	delete(ps.partial, pieceIndex)
	ps.verifying[pieceIndex] = true
	ps.Unlock()

	sum := sha1.Sum(pp.data)
	if !bytes.Equal(sum[:], ps.tor.Hashes[pieceIndex][:]) {
		ps.Lock()
		delete(ps.verifying, pieceIndex)
		ps.Unlock()
		log.WithField("piece", pieceIndex).Warn("piece failed hash check, blocks discarded")
		return Pending, fmt.Errorf("piece %d: %w", pieceIndex, torrent.ErrHashMismatch)
	}
	_, err := ps.backend.WriteAt(pp.data, ps.tor.PieceOffset(pieceIndex))

	ps.Lock()
	defer ps.Unlock()
	delete(ps.verifying, pieceIndex)
	if ps.closed {
		return Pending, torrent.ErrSessionDestroyed
	}
	if err != nil {
		return Pending, fmt.Errorf("persist piece %d: %v", pieceIndex, err)
	}
	ps.markVerified(pieceIndex)
	log.WithFields(logrus.Fields{
		"piece":    pieceIndex,
		"verified": ps.numVerified,
	}).Debug("piece verified")
	return Verified, nil
}

func (ps *pieceStore) markVerified(pieceIndex int) {
	ps.verified.Set(pieceIndex, true)
	ps.numVerified++
	ps.bytesVerified += ps.tor.PieceSize(pieceIndex)
	close(ps.changed)
	ps.changed = make(chan struct{})
}

func (ps *pieceStore) ReadBlock(pieceIndex, begin, length int) ([]byte, error) {
	ps.Lock()
	defer ps.Unlock()

	if ps.closed {
		return nil, torrent.ErrSessionDestroyed
	}
	if pieceIndex < 0 || pieceIndex >= ps.tor.NumPieces() || begin < 0 || length <= 0 ||
		int64(begin+length) > ps.tor.PieceSize(pieceIndex) {
		return nil, fmt.Errorf("request %d:%d+%d: %w", pieceIndex, begin, length, torrent.ErrProtocolViolation)
	}
	if !ps.verified.Get(pieceIndex) {
		return nil, fmt.Errorf("piece %d: %w", pieceIndex, torrent.ErrNotYetAvailable)
	}
	data := make([]byte, length)
	if _, err := ps.backend.ReadAt(data, ps.tor.PieceOffset(pieceIndex)+int64(begin)); err != nil {
		return nil, err
	}
	return data, nil
}

// available reports whether every piece overlapping the range is verified.
func (ps *pieceStore) available(offset, length int64) (bool, error) {
	if offset < 0 || length < 0 || offset+length > ps.tor.Length {
		return false, fmt.Errorf("range %d+%d outside torrent of %d bytes", offset, length, ps.tor.Length)
	}
	if length == 0 {
		return true, nil
	}
	first, last := ps.tor.PieceAt(offset), ps.tor.PieceAt(offset+length-1)
	for pieceIndex := first; pieceIndex <= last; pieceIndex++ {
		if !ps.verified.Get(pieceIndex) {
			return false, nil
		}
	}
	return true, nil
}

func (ps *pieceStore) ReadRange(offset, length int64) ([]byte, error) {
	ps.Lock()
	defer ps.Unlock()

	if ps.closed {
		return nil, torrent.ErrSessionDestroyed
	}
	ok, err := ps.available(offset, length)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, torrent.ErrNotYetAvailable
	}
	data := make([]byte, length)
	if length == 0 {
		return data, nil
	}
	if _, err := ps.backend.ReadAt(data, offset); err != nil {
		return nil, err
	}
	return data, nil
}

func (ps *pieceStore) WaitRange(ctx context.Context, offset, length int64) error {
	for {
		ps.Lock()
		if ps.closed {
			ps.Unlock()
			return torrent.ErrSessionDestroyed
		}
		ok, err := ps.available(offset, length)
		changed := ps.changed
		ps.Unlock()
		if err != nil || ok {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (ps *pieceStore) State(pieceIndex int) PieceState {
	ps.Lock()
	defer ps.Unlock()

	if pieceIndex < 0 || pieceIndex >= ps.tor.NumPieces() {
		return PieceMissing
	}
	if ps.verified.Get(pieceIndex) {
		return PieceVerified
	}
	if _, ok := ps.partial[pieceIndex]; ok || ps.verifying[pieceIndex] {
		return PiecePartial
	}
	return PieceMissing
}

func (ps *pieceStore) Bitfield() bitmap.Bitmap {
	ps.Lock()
	defer ps.Unlock()

	return bitmap.Bitmap(ps.verified.Data(true))
}

func (ps *pieceStore) NumVerified() int {
	ps.Lock()
	defer ps.Unlock()

	return ps.numVerified
}

func (ps *pieceStore) BytesVerified() int64 {
	ps.Lock()
	defer ps.Unlock()

	return ps.bytesVerified
}

func (ps *pieceStore) Complete() bool {
	ps.Lock()
	defer ps.Unlock()

	return ps.numVerified == ps.tor.NumPieces()
}

func (ps *pieceStore) Verify() ([]int, error) {
	ps.Lock()
	defer ps.Unlock()

	if ps.closed {
		return nil, torrent.ErrSessionDestroyed
	}
	found := []int{}
	for pieceIndex := 0; pieceIndex < ps.tor.NumPieces(); pieceIndex++ {
		if ps.verified.Get(pieceIndex) {
			continue
		}
		data := make([]byte, ps.tor.PieceSize(pieceIndex))
		if _, err := ps.backend.ReadAt(data, ps.tor.PieceOffset(pieceIndex)); err != nil {
			continue
		}
		if sha1.Sum(data) == ps.tor.Hashes[pieceIndex] {
			ps.markVerified(pieceIndex)
			found = append(found, pieceIndex)
		}
	}
	if len(found) > 0 {
		log.WithField("pieces", len(found)).Info("resumed verified pieces from storage")
	}
	return found, nil
}

func (ps *pieceStore) Close() error {
	ps.Lock()
	defer ps.Unlock()

	if ps.closed {
		return nil
	}
	ps.closed = true
	ps.partial = nil
	close(ps.changed)
	return ps.backend.Close()
}
