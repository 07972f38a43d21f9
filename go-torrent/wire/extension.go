package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/Fjnieve/torrent-streamer/go-torrent/torrent"
	bencode "github.com/jackpal/bencode-go"
)

const (
	EXT_HANDSHAKE = 0
	UT_METADATA   = "ut_metadata"
	// Our local id for ut_metadata messages sent to us.
	LOCAL_METADATA_ID = 1
	METADATA_PIECE    = 16384 // 2^14
)

const (
	METADATA_REQUEST = 0
	METADATA_DATA    = 1
	METADATA_REJECT  = 2
)

// ExtHandshake is the part of the extension handshake we care about.
type ExtHandshake struct {
	// M maps extension names to the ids the sender wants to receive.
	M            map[string]int
	MetadataSize int
	Client       string
}

func EncodeExtHandshake(metadataSize int, client string) []byte {
	msg := map[string]interface{}{
		"m": map[string]interface{}{
			UT_METADATA: int64(LOCAL_METADATA_ID),
		},
		"v": client,
	}
	if metadataSize > 0 {
		msg["metadata_size"] = int64(metadataSize)
	}
	b := &bytes.Buffer{}
	bencode.Marshal(b, msg)
	return b.Bytes()
}

func ParseExtHandshake(payload []byte) (*ExtHandshake, error) {
	decoded, err := bencode.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("extension handshake: %v: %w", err, torrent.ErrProtocolViolation)
	}
	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("extension handshake is not a dictionary: %w", torrent.ErrProtocolViolation)
	}
	h := &ExtHandshake{M: map[string]int{}}
	if m, ok := dict["m"].(map[string]interface{}); ok {
		for name, id := range m {
			if n, ok := id.(int64); ok {
				h.M[name] = int(n)
			}
		}
	}
	if size, ok := dict["metadata_size"].(int64); ok && size > 0 {
		h.MetadataSize = int(size)
	}
	if v, ok := dict["v"].(string); ok {
		h.Client = v
	}
	return h, nil
}

// MetadataMsg is a ut_metadata message. Data is only set for METADATA_DATA.
type MetadataMsg struct {
	Type      int
	Piece     int
	TotalSize int
	Data      []byte
}

func EncodeMetadataMsg(msg *MetadataMsg) []byte {
	dict := map[string]interface{}{
		"msg_type": int64(msg.Type),
		"piece":    int64(msg.Piece),
	}
	if msg.Type == METADATA_DATA {
		dict["total_size"] = int64(msg.TotalSize)
	}
	b := &bytes.Buffer{}
	bencode.Marshal(b, dict)
	b.Write(msg.Data)
	return b.Bytes()
}

func ParseMetadataMsg(payload []byte) (*MetadataMsg, error) {
	r := bufio.NewReader(bytes.NewReader(payload))
	decoded, err := bencode.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("metadata message: %v: %w", err, torrent.ErrProtocolViolation)
	}
	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("metadata message is not a dictionary: %w", torrent.ErrProtocolViolation)
	}
	msgType, ok1 := dict["msg_type"].(int64)
	piece, ok2 := dict["piece"].(int64)
	if !ok1 || !ok2 || piece < 0 {
		return nil, fmt.Errorf("metadata message missing fields: %w", torrent.ErrProtocolViolation)
	}
	msg := &MetadataMsg{Type: int(msgType), Piece: int(piece)}
	if msg.Type == METADATA_DATA {
		total, _ := dict["total_size"].(int64)
		msg.TotalSize = int(total)
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		msg.Data = data
	}
	return msg, nil
}
