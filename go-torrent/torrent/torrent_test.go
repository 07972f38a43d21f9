package torrent

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManifestSingleFile(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 5000) // 40000 bytes
	infoBytes, err := BuildInfo("movie.mp4", 32768, []FileData{{Data: data}})
	require.NoError(t, err)

	b := &bytes.Buffer{}
	require.NoError(t, WriteTorrent(b, []string{"udp://tracker.example:1337/announce"}, infoBytes))

	m, err := NewManifest(b)
	require.NoError(t, err)
	assert.Equal(t, sha1.Sum(infoBytes), m.InfoHash)
	assert.Equal(t, "movie.mp4", m.Name)
	assert.Equal(t, int64(40000), m.Length)
	assert.Equal(t, 2, m.NumPieces())
	assert.Equal(t, int64(32768), m.PieceSize(0))
	assert.Equal(t, int64(40000-32768), m.PieceSize(1))
	assert.Equal(t, 2, m.NumBlocks(0))
	assert.Equal(t, 1, m.NumBlocks(1))
	assert.Equal(t, 40000-32768, m.BlockLength(1, 0))
	assert.Equal(t, 3, m.TotalBlocks())
	assert.Equal(t, [][]string{{"udp://tracker.example:1337/announce"}}, m.Announce)
	assert.Equal(t, []FileEntry{{Path: "movie.mp4", Length: 40000}}, m.Files)
	assert.Equal(t, sha1.Sum(data[:32768]), m.Hashes[0])
}

func TestParseInfoMultiFile(t *testing.T) {
	infoBytes, err := BuildInfo("show", 16384, []FileData{
		{Path: []string{"a.txt"}, Data: bytes.Repeat([]byte{1}, 10000)},
		{Path: []string{"sub", "b.txt"}, Data: bytes.Repeat([]byte{2}, 30000)},
	})
	require.NoError(t, err)

	m, err := ParseInfo(infoBytes)
	require.NoError(t, err)
	assert.Equal(t, int64(40000), m.Length)
	assert.Equal(t, 3, m.NumPieces())
	assert.Equal(t, []FileEntry{
		{Path: "show/a.txt", Offset: 0, Length: 10000},
		{Path: "show/sub/b.txt", Offset: 10000, Length: 30000},
	}, m.Files)
	assert.Equal(t, 2, m.PieceAt(32768))
	assert.Equal(t, int64(32768), m.PieceOffset(2))
}

func TestParseInfoRejectsMalformed(t *testing.T) {
	for _, info := range []string{
		"d4:name1:x12:piece lengthi16384e6:pieces3:abc6:lengthi10ee",
		"d4:name1:x12:piece lengthi0e6:pieces20:aaaaaaaaaaaaaaaaaaaa6:lengthi10ee",
		"d4:name1:x12:piece lengthi16384e6:pieces20:aaaaaaaaaaaaaaaaaaaa6:lengthi40000ee",
		"d5:filesld6:lengthi5e4:pathl2:..eee4:name1:x12:piece lengthi16384e6:pieces20:aaaaaaaaaaaaaaaaaaaae",
		"d4:name2:..12:piece lengthi16384e6:pieces20:aaaaaaaaaaaaaaaaaaaa6:lengthi10ee",
		"d4:name4:../x12:piece lengthi16384e6:pieces20:aaaaaaaaaaaaaaaaaaaa6:lengthi10ee",
		"d4:name0:12:piece lengthi16384e6:pieces20:aaaaaaaaaaaaaaaaaaaa6:lengthi10ee",
		"d4:name1:x12:piece lengthi134217728e6:pieces20:aaaaaaaaaaaaaaaaaaaa6:lengthi10ee",
		"not bencode",
	} {
		_, err := ParseInfo([]byte(info))
		assert.Error(t, err, info)
	}
}

func TestParseInfoRejectsEscapingName(t *testing.T) {
	infoBytes, err := BuildInfo("../escaped", 16384, []FileData{{Data: []byte("payload")}})
	require.NoError(t, err)

	_, err = ParseInfo(infoBytes)
	assert.Error(t, err)
}

func TestNewManifestMissingInfo(t *testing.T) {
	_, err := NewManifest(bytes.NewBufferString("d8:announce3:fooe"))
	assert.Error(t, err)
}

func TestParseMagnetURI(t *testing.T) {
	ih := "08ada5a7a6183aae1e09d831df6748d566095a10"
	m, err := ParseMagnetURI(fmt.Sprintf(
		"magnet:?xt=urn:btih:%s&dn=Sintel&tr=udp%%3A%%2F%%2Fexplodie.org%%3A6969&x.pe=10.0.0.1%%3A6881", ih))
	require.NoError(t, err)
	assert.Equal(t, ih, m.InfoHashHex())
	assert.Equal(t, "Sintel", m.Name)
	assert.Equal(t, []string{"udp://explodie.org:6969"}, m.Trackers)
	assert.Equal(t, []string{"10.0.0.1:6881"}, m.Peers)

	bare, err := ParseMagnetURI(ih)
	require.NoError(t, err)
	assert.Equal(t, m.InfoHash, bare.InfoHash)

	_, err = ParseMagnetURI("magnet:?dn=nothing")
	assert.Error(t, err)
}

func TestIsConnectionError(t *testing.T) {
	assert.True(t, IsConnectionError(fmt.Errorf("read: %w", ErrTimeout)))
	assert.True(t, IsConnectionError(ErrHandshakeMismatch))
	assert.False(t, IsConnectionError(ErrHashMismatch))
	assert.False(t, IsConnectionError(errors.New("boom")))
}
