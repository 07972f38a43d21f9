package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Fjnieve/torrent-streamer/go-torrent/torrent"
	"go.uber.org/atomic"
)

const (
	CHOKE          = 0
	UNCHOKE        = 1
	INTERESTED     = 2
	NOT_INTERESTED = 3
	HAVE           = 4
	BITFIELD       = 5
	REQUEST        = 6
	BLOCK          = 7
	CANCEL         = 8
	PORT           = 9
	EXTENDED       = 20
)

const (
	PROTOCOL = "BitTorrent protocol"
	// reserved[5] & 0x10 advertises the extension protocol
	extensionByte = 5
	extensionBit  = 0x10
)

type Wire interface {
	// Reading
	ReadHandshake(timeout time.Duration) (*Handshake, error)
	ReadMessage() (length int32, messageID byte, payload []byte, err error)

	// Writing
	SendHandshake(infoHash, peerID [20]byte) error
	SendKeepAlive() error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendUnInterested() error
	SendHave(pieceIndex int) error
	SendBitField(bitfield []byte) error
	SendRequest(pieceIndex, begin, length int) error
	SendBlock(pieceIndex, begin int, block []byte) error
	SendCancel(pieceIndex, begin, length int) error
	SendExtended(extID byte, payload []byte) error

	// Other
	GetLastMessageSent() (lastMessageSent time.Time)
	RemoteAddr() string
	Close() error
}

type wire struct {
	sync.Mutex
	conn            net.Conn
	timeoutDuration time.Duration
	maxLength       int
	lastMessageSent atomic.Int64
}

// NewWire frames BitTorrent messages over conn. Every read must complete
// within timeoutDuration and a declared length above maxLength is a
// protocol violation.
func NewWire(
	conn net.Conn,
	timeoutDuration time.Duration,
	maxLength int) Wire {

	return &wire{
		conn:            conn,
		timeoutDuration: timeoutDuration,
		maxLength:       maxLength,
	}
}

// 1 + 19 + 8 + 20 + 20
type Handshake struct {
	Len      uint8
	Protocol [19]byte
	Reserved [8]uint8
	InfoHash [20]byte
	PeerID   [20]byte
}

func (h *Handshake) SupportsExtensions() bool {
	return h.Reserved[extensionByte]&extensionBit != 0
}

func wrapErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%v: %w", err, torrent.ErrTimeout)
	}
	return err
}

func (w *wire) GetLastMessageSent() time.Time {
	return time.Unix(0, w.lastMessageSent.Load())
}

func (w *wire) RemoteAddr() string {
	if addr := w.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (w *wire) Close() error {
	return w.conn.Close()
}

func (w *wire) SendHandshake(infoHash, peerID [20]byte) error {
	h := &Handshake{
		Len:      uint8(len(PROTOCOL)),
		InfoHash: infoHash,
		PeerID:   peerID,
	}
	copy(h.Protocol[:], PROTOCOL)
	h.Reserved[extensionByte] |= extensionBit

	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, h)
	return w.sendMessage(b.Bytes())
}

func (w *wire) ReadHandshake(timeout time.Duration) (*Handshake, error) {
	w.conn.SetReadDeadline(time.Now().Add(timeout))
	data := make([]byte, 68)
	if _, err := io.ReadFull(w.conn, data); err != nil {
		return nil, wrapErr(err)
	}
	h := &Handshake{}
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, h); err != nil {
		return nil, err
	}
	if h.Len != uint8(len(PROTOCOL)) || string(h.Protocol[:]) != PROTOCOL {
		return nil, fmt.Errorf("unknown protocol %q: %w", h.Protocol[:], torrent.ErrHandshakeMismatch)
	}
	return h, nil
}

// ReadMessage returns a zero length for keep-alives.
func (w *wire) ReadMessage() (int32, byte, []byte, error) {
	w.conn.SetReadDeadline(time.Now().Add(w.timeoutDuration))

	var length int32
	if err := binary.Read(w.conn, binary.BigEndian, &length); err != nil {
		return 0, 0, nil, wrapErr(err)
	}
	if length == 0 {
		return 0, 0, nil, nil
	}
	if length < 0 || int(length) > w.maxLength {
		return 0, 0, nil, fmt.Errorf("message length %d exceeds %d: %w", length, w.maxLength, torrent.ErrProtocolViolation)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(w.conn, data); err != nil {
		return 0, 0, nil, wrapErr(err)
	}
	return length, data[0], data[1:], nil
}

func (w *wire) SendKeepAlive() error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(0))
	return w.sendMessage(b.Bytes())
}

func (w *wire) sendSignal(messageID uint8) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1))
	binary.Write(b, binary.BigEndian, messageID)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendChoke() error {
	return w.sendSignal(CHOKE)
}

func (w *wire) SendUnchoke() error {
	return w.sendSignal(UNCHOKE)
}

func (w *wire) SendInterested() error {
	return w.sendSignal(INTERESTED)
}

func (w *wire) SendUnInterested() error {
	return w.sendSignal(NOT_INTERESTED)
}

func (w *wire) SendHave(pieceIndex int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(5))
	binary.Write(b, binary.BigEndian, uint8(HAVE))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendBitField(bitfield []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1+len(bitfield)))
	binary.Write(b, binary.BigEndian, uint8(BITFIELD))
	b.Write(bitfield)
	return w.sendMessage(b.Bytes())
}

func (w *wire) sendTriple(messageID uint8, pieceIndex, begin, length int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(13))
	binary.Write(b, binary.BigEndian, messageID)
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, int32(length))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendRequest(pieceIndex, begin, length int) error {
	return w.sendTriple(REQUEST, pieceIndex, begin, length)
}

func (w *wire) SendCancel(pieceIndex, begin, length int) error {
	return w.sendTriple(CANCEL, pieceIndex, begin, length)
}

func (w *wire) SendBlock(pieceIndex, begin int, block []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(9+len(block)))
	binary.Write(b, binary.BigEndian, uint8(BLOCK))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	b.Write(block)
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendExtended(extID byte, payload []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(2+len(payload)))
	binary.Write(b, binary.BigEndian, uint8(EXTENDED))
	binary.Write(b, binary.BigEndian, extID)
	b.Write(payload)
	return w.sendMessage(b.Bytes())
}

func (w *wire) sendMessage(msg []byte) error {
	w.Lock()
	defer w.Unlock()

	w.lastMessageSent.Store(time.Now().UnixNano())
	w.conn.SetWriteDeadline(time.Now().Add(w.timeoutDuration))
	if _, err := w.conn.Write(msg); err != nil {
		return wrapErr(err)
	}
	return nil
}

// ParseHave decodes a HAVE payload.
func ParseHave(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("have payload of %d bytes: %w", len(payload), torrent.ErrProtocolViolation)
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}

// ParseRequest decodes a REQUEST or CANCEL payload.
func ParseRequest(payload []byte) (pieceIndex, begin, length int, err error) {
	if len(payload) != 12 {
		return 0, 0, 0, fmt.Errorf("request payload of %d bytes: %w", len(payload), torrent.ErrProtocolViolation)
	}
	pieceIndex = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	length = int(binary.BigEndian.Uint32(payload[8:12]))
	return pieceIndex, begin, length, nil
}

// ParseBlock decodes a BLOCK (piece) payload.
func ParseBlock(payload []byte) (pieceIndex, begin int, block []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("block payload of %d bytes: %w", len(payload), torrent.ErrProtocolViolation)
	}
	pieceIndex = int(binary.BigEndian.Uint32(payload[0:4]))
	begin = int(binary.BigEndian.Uint32(payload[4:8]))
	return pieceIndex, begin, payload[8:], nil
}
