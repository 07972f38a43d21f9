package peer

import (
	"github.com/Fjnieve/torrent-streamer/go-torrent/piece"
	bitmap "github.com/boljen/go-bitmap"
)

type EventType int

const (
	EventActive EventType = iota
	EventBitfield
	EventHave
	EventChoke
	EventUnchoke
	EventInterested
	EventNotInterested
	EventBlock
	EventExtHandshake
	EventMetadata
	EventMetadataReject
	EventClosed
)

func (t EventType) String() string {
	return [...]string{
		"active", "bitfield", "have", "choke", "unchoke", "interested",
		"not-interested", "block", "ext-handshake", "metadata",
		"metadata-reject", "closed",
	}[t]
}

// Event is what a connection reports to its swarm. Only the fields that
// belong to the event type are set.
type Event struct {
	Type     EventType
	Peer     Peer
	Piece    int
	Bitfield bitmap.Bitmap
	Request  piece.Request
	Data     []byte
	Released []piece.Request
	Err      error
}
