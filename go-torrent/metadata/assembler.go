package metadata

import (
	"fmt"

	"github.com/Fjnieve/torrent-streamer/go-torrent/torrent"
	"github.com/Fjnieve/torrent-streamer/go-torrent/wire"
)

const (
	// Info dictionaries above this size are refused outright.
	MAX_METADATA_SIZE = 16 << 20
)

// Assembler reassembles an info dictionary from ut_metadata pieces.
type Assembler struct {
	metadata         []byte
	downloaded       []bool
	numMetaPieces    int
	piecesDownloaded int
}

func NewAssembler(metadataSize int) (*Assembler, error) {
	if metadataSize <= 0 || metadataSize > MAX_METADATA_SIZE {
		return nil, fmt.Errorf("metadata size %d: %w", metadataSize, torrent.ErrProtocolViolation)
	}
	numMetaPieces := (metadataSize + wire.METADATA_PIECE - 1) / wire.METADATA_PIECE
	return &Assembler{
		metadata:      make([]byte, metadataSize),
		downloaded:    make([]bool, numMetaPieces),
		numMetaPieces: numMetaPieces,
	}, nil
}

func (a *Assembler) NumPieces() int {
	return a.numMetaPieces
}

func (a *Assembler) pieceLength(pieceIndex int) int {
	if pieceIndex == a.numMetaPieces-1 {
		return len(a.metadata) - pieceIndex*wire.METADATA_PIECE
	}
	return wire.METADATA_PIECE
}

// Write stores one piece and reports whether every piece has arrived.
func (a *Assembler) Write(pieceIndex int, piece []byte) (bool, error) {
	if pieceIndex < 0 || pieceIndex >= a.numMetaPieces {
		return false, fmt.Errorf("metadata piece %d of %d: %w", pieceIndex, a.numMetaPieces, torrent.ErrProtocolViolation)
	}
	if len(piece) != a.pieceLength(pieceIndex) {
		return false, fmt.Errorf("metadata piece %d has %d bytes: %w", pieceIndex, len(piece), torrent.ErrProtocolViolation)
	}
	if !a.downloaded[pieceIndex] {
		a.downloaded[pieceIndex] = true
		a.piecesDownloaded++
		copy(a.metadata[pieceIndex*wire.METADATA_PIECE:], piece)
	}
	return a.piecesDownloaded == a.numMetaPieces, nil
}

func (a *Assembler) Bytes() []byte {
	return a.metadata
}

// Piece slices raw info bytes for serving a ut_metadata request.
func Piece(infoBytes []byte, pieceIndex int) ([]byte, bool) {
	start := pieceIndex * wire.METADATA_PIECE
	if pieceIndex < 0 || start >= len(infoBytes) {
		return nil, false
	}
	end := start + wire.METADATA_PIECE
	if end > len(infoBytes) {
		end = len(infoBytes)
	}
	return infoBytes[start:end], true
}
