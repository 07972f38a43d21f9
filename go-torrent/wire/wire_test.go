package wire

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/Fjnieve/torrent-streamer/go-torrent/torrent"
	bitmap "github.com/boljen/go-bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipe() (Wire, Wire) {
	c1, c2 := net.Pipe()
	return NewWire(c1, time.Second, 1<<17), NewWire(c2, time.Second, 1<<17)
}

func TestHandshake(t *testing.T) {
	a, b := pipe()
	defer a.Close()
	defer b.Close()

	var infoHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(peerID[:], "-TS0100-bbbbbbbbbbbb")
	go a.SendHandshake(infoHash, peerID)

	h, err := b.ReadHandshake(time.Second)
	require.NoError(t, err)
	assert.Equal(t, infoHash, h.InfoHash)
	assert.Equal(t, peerID, h.PeerID)
	assert.True(t, h.SupportsExtensions())
	assert.False(t, a.GetLastMessageSent().IsZero())
}

func TestHandshakeMismatch(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	w := NewWire(c2, time.Second, 1<<17)
	defer w.Close()

	go c1.Write(append([]byte{19}, bytes.Repeat([]byte{'x'}, 67)...))
	_, err := w.ReadHandshake(time.Second)
	assert.ErrorIs(t, err, torrent.ErrHandshakeMismatch)
}

func TestHandshakeTimeout(t *testing.T) {
	_, b := pipe()
	defer b.Close()

	_, err := b.ReadHandshake(20 * time.Millisecond)
	assert.ErrorIs(t, err, torrent.ErrTimeout)
	assert.True(t, torrent.IsConnectionError(err))
}

func TestMessages(t *testing.T) {
	a, b := pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		a.SendKeepAlive()
		a.SendInterested()
		a.SendRequest(3, 16384, 16384)
		a.SendBlock(3, 0, []byte("data"))
		a.SendCancel(1, 2, 3)
		a.SendHave(7)
		a.SendExtended(LOCAL_METADATA_ID, []byte("ext"))
	}()

	length, _, _, err := b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, int32(0), length)

	_, id, payload, err := b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, byte(INTERESTED), id)
	assert.Empty(t, payload)

	_, id, payload, err = b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, byte(REQUEST), id)
	index, begin, l, err := ParseRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 16384, 16384}, []int{index, begin, l})

	_, id, payload, err = b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, byte(BLOCK), id)
	index, begin, block, err := ParseBlock(payload)
	require.NoError(t, err)
	assert.Equal(t, 3, index)
	assert.Equal(t, 0, begin)
	assert.Equal(t, []byte("data"), block)

	_, id, payload, err = b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, byte(CANCEL), id)
	index, begin, l, err = ParseRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, []int{index, begin, l})

	_, id, payload, err = b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, byte(HAVE), id)
	have, err := ParseHave(payload)
	require.NoError(t, err)
	assert.Equal(t, 7, have)

	_, id, payload, err = b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, byte(EXTENDED), id)
	assert.Equal(t, append([]byte{LOCAL_METADATA_ID}, "ext"...), payload)
}

func TestMessageTooLong(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	w := NewWire(c2, time.Second, 1<<17)
	defer w.Close()

	go binary.Write(c1, binary.BigEndian, int32(1<<20))
	_, _, _, err := w.ReadMessage()
	assert.ErrorIs(t, err, torrent.ErrProtocolViolation)
}

func TestReadIdleTimeout(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	w := NewWire(c2, 20*time.Millisecond, 1<<17)
	defer w.Close()

	_, _, _, err := w.ReadMessage()
	assert.ErrorIs(t, err, torrent.ErrTimeout)
}

func TestParseShortPayloads(t *testing.T) {
	_, err := ParseHave([]byte{1})
	assert.ErrorIs(t, err, torrent.ErrProtocolViolation)
	_, _, _, err = ParseRequest(make([]byte, 11))
	assert.ErrorIs(t, err, torrent.ErrProtocolViolation)
	_, _, _, err = ParseBlock(make([]byte, 7))
	assert.ErrorIs(t, err, torrent.ErrProtocolViolation)
}

func TestBitfield(t *testing.T) {
	bf := bitmap.New(10)
	bf.Set(0, true)
	bf.Set(9, true)
	encoded := EncodeBitfield(bf, 10)
	assert.Equal(t, []byte{0x80, 0x40}, encoded)

	decoded, err := DecodeBitfield(encoded, 10)
	require.NoError(t, err)
	assert.True(t, decoded.Get(0))
	assert.True(t, decoded.Get(9))
	assert.False(t, decoded.Get(1))

	// piece 10 does not exist
	_, err = DecodeBitfield([]byte{0x80, 0x20}, 10)
	assert.ErrorIs(t, err, torrent.ErrProtocolViolation)
	_, err = DecodeBitfield([]byte{0x80}, 10)
	assert.ErrorIs(t, err, torrent.ErrProtocolViolation)
}

func TestExtensionMessages(t *testing.T) {
	h, err := ParseExtHandshake(EncodeExtHandshake(31235, "ts"))
	require.NoError(t, err)
	assert.Equal(t, LOCAL_METADATA_ID, h.M[UT_METADATA])
	assert.Equal(t, 31235, h.MetadataSize)
	assert.Equal(t, "ts", h.Client)

	data := []byte("d4:name1:xe")
	msg, err := ParseMetadataMsg(EncodeMetadataMsg(&MetadataMsg{
		Type:      METADATA_DATA,
		Piece:     1,
		TotalSize: 20000,
		Data:      data,
	}))
	require.NoError(t, err)
	assert.Equal(t, METADATA_DATA, msg.Type)
	assert.Equal(t, 1, msg.Piece)
	assert.Equal(t, 20000, msg.TotalSize)
	assert.Equal(t, data, msg.Data)

	msg, err = ParseMetadataMsg(EncodeMetadataMsg(&MetadataMsg{Type: METADATA_REQUEST, Piece: 2}))
	require.NoError(t, err)
	assert.Equal(t, METADATA_REQUEST, msg.Type)
	assert.Empty(t, msg.Data)

	_, err = ParseMetadataMsg([]byte("le"))
	assert.ErrorIs(t, err, torrent.ErrProtocolViolation)
}
