package client

import (
	"github.com/Fjnieve/torrent-streamer/go-torrent/peer"
	"github.com/Fjnieve/torrent-streamer/go-torrent/storage"
)

// File is one file of a session's torrent.
type File struct {
	Index  int
	Path   string
	Offset int64
	Length int64

	content *peer.Content
}

// BytesVerified counts the bytes of the file covered by verified pieces.
func (f File) BytesVerified() int64 {
	if f.Length == 0 {
		return 0
	}
	m := f.content.Manifest
	end := f.Offset + f.Length
	var n int64
	for i := m.PieceAt(f.Offset); i <= m.PieceAt(end-1); i++ {
		if f.content.Store.State(i) != storage.PieceVerified {
			continue
		}
		lo, hi := m.PieceOffset(i), m.PieceOffset(i)+m.PieceSize(i)
		if lo < f.Offset {
			lo = f.Offset
		}
		if hi > end {
			hi = end
		}
		n += hi - lo
	}
	return n
}

func (f File) PercentageComplete() float32 {
	if f.Length == 0 {
		return 100
	}
	return float32(f.BytesVerified()) / float32(f.Length) * 100
}
