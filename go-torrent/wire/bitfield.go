package wire

import (
	"fmt"

	"github.com/Fjnieve/torrent-streamer/go-torrent/torrent"
	bitmap "github.com/boljen/go-bitmap"
)

// On the wire the high bit of the first byte is piece 0. bitmap.Bitmap keeps
// the low bit first, so every exchange goes through these two functions.

func EncodeBitfield(bf bitmap.Bitmap, numPieces int) []byte {
	out := make([]byte, (numPieces+7)/8)
	for pieceIndex := 0; pieceIndex < numPieces; pieceIndex++ {
		if bf.Get(pieceIndex) {
			out[pieceIndex/8] |= 0x80 >> uint(pieceIndex%8)
		}
	}
	return out
}

// DecodeBitfield rejects payloads of the wrong size and payloads claiming
// pieces past numPieces.
func DecodeBitfield(payload []byte, numPieces int) (bitmap.Bitmap, error) {
	if len(payload) != (numPieces+7)/8 {
		return nil, fmt.Errorf("bitfield of %d bytes for %d pieces: %w", len(payload), numPieces, torrent.ErrProtocolViolation)
	}
	bf := bitmap.New(numPieces)
	for i := 0; i < len(payload)*8; i++ {
		if payload[i/8]&(0x80>>uint(i%8)) == 0 {
			continue
		}
		if i >= numPieces {
			return nil, fmt.Errorf("bitfield claims piece %d of %d: %w", i, numPieces, torrent.ErrProtocolViolation)
		}
		bf.Set(i, true)
	}
	return bf, nil
}
