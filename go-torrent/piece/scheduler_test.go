package piece

import (
	"fmt"
	"testing"
	"time"

	"github.com/Fjnieve/torrent-streamer/go-torrent/config"
	"github.com/Fjnieve/torrent-streamer/go-torrent/torrent"
	bitmap "github.com/boljen/go-bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 8 pieces of 2 blocks, the last piece one short block.
func newTestManifest() *torrent.Manifest {
	pieceLength := int64(2 * torrent.BlockSize)
	return &torrent.Manifest{
		Name:        "test",
		PieceLength: pieceLength,
		Length:      7*pieceLength + 100,
		Hashes:      make([][torrent.HashSize]byte, 8),
	}
}

func testConfig(endGame int) config.Config {
	cfg := config.Default()
	cfg.EndGameThreshold = endGame
	cfg.RequestTimeout = time.Minute
	return cfg
}

func bitfieldOf(numPieces int, pieces ...int) bitmap.Bitmap {
	bf := bitmap.New(numPieces)
	for _, p := range pieces {
		bf.Set(p, true)
	}
	return bf
}

func TestRarestMissing(t *testing.T) {
	bt := NewBitfieldTracker(8)
	bt.AddBitfield(bitfieldOf(8, 3, 5))
	for i := 0; i < 4; i++ {
		bt.AddBitfield(bitfieldOf(8, 5))
	}
	bt.AddHave(6)

	assert.Equal(t, 1, bt.Availability(3))
	assert.Equal(t, 5, bt.Availability(5))
	assert.Equal(t, []int{3, 5}, bt.RarestMissing(bitfieldOf(8, 3, 5)))
	assert.Equal(t, []int{0, 1, 2, 4, 7, 3, 6, 5}, bt.RarestMissing(nil))

	bt.MarkHave(3)
	bt.MarkHave(3)
	assert.False(t, bt.IsMissing(3))
	assert.Equal(t, 1, bt.NumHave())
	assert.Equal(t, []int{5}, bt.RarestMissing(bitfieldOf(8, 3, 5)))
	assert.False(t, bt.HasMissingIn(bitfieldOf(8, 3)))
	assert.True(t, bt.HasMissingIn(bitfieldOf(8, 3, 5)))

	bt.RemoveBitfield(bitfieldOf(8, 3, 5))
	assert.Equal(t, 0, bt.Availability(3))
	assert.Equal(t, 4, bt.Availability(5))
}

func TestSchedulerRarestFirst(t *testing.T) {
	tor := newTestManifest()
	bt := NewBitfieldTracker(tor.NumPieces())
	bt.AddBitfield(bitfieldOf(8, 3, 5))
	for i := 0; i < 4; i++ {
		bt.AddBitfield(bitfieldOf(8, 5))
	}
	s := NewScheduler(tor, bt, testConfig(0))

	reqs := s.NextRequests("a", bitfieldOf(8, 3, 5), 5)
	require.Len(t, reqs, 4)
	assert.Equal(t, Request{Piece: 3, Begin: 0, Length: torrent.BlockSize}, reqs[0])
	assert.Equal(t, Request{Piece: 3, Begin: torrent.BlockSize, Length: torrent.BlockSize}, reqs[1])
	assert.Equal(t, 5, reqs[2].Piece)
	assert.Equal(t, 5, reqs[3].Piece)
}

func TestSchedulerNoDuplicatesOutsideEndGame(t *testing.T) {
	tor := newTestManifest()
	bt := NewBitfieldTracker(tor.NumPieces())
	all := bitfieldOf(8, 0, 1, 2, 3, 4, 5, 6, 7)
	s := NewScheduler(tor, bt, testConfig(0))

	for i := 0; i < 5; i++ {
		bt.AddBitfield(all)
		s.NextRequests(fmt.Sprintf("peer-%d", i), all, 5)
	}
	seen := map[Request]string{}
	for _, a := range s.Log() {
		assert.False(t, a.EndGame)
		if prev, ok := seen[a.Request]; ok {
			t.Fatalf("block %v requested from %s and %s", a.Request, prev, a.PeerID)
		}
		seen[a.Request] = a.PeerID
	}
	// 15 blocks exist, 5 peers asked for 5 each.
	assert.Len(t, seen, 15)
	assert.Equal(t, "peer-0", s.Owners(Request{Piece: 0, Begin: 0, Length: torrent.BlockSize})[0])
	assert.Empty(t, s.NextRequests("peer-5", all, 5))
}

func TestSchedulerEndGame(t *testing.T) {
	tor := newTestManifest()
	bt := NewBitfieldTracker(tor.NumPieces())
	for i := 0; i < 7; i++ {
		bt.MarkHave(i)
	}
	s := NewScheduler(tor, bt, testConfig(20))
	require.Equal(t, 1, s.Remaining())
	require.True(t, s.InEndGame())

	last := bitfieldOf(8, 7)
	a := s.NextRequests("a", last, 5)
	b := s.NextRequests("b", last, 5)
	req := Request{Piece: 7, Begin: 0, Length: 100}
	assert.Equal(t, []Request{req}, a)
	assert.Equal(t, []Request{req}, b)
	assert.Equal(t, []string{"a", "b"}, s.Owners(req))
	// never duplicated to the same peer
	assert.Empty(t, s.NextRequests("a", last, 5))

	cancel, first, err := s.Delivered("b", req)
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, []string{"a"}, cancel)
	assert.Empty(t, s.Owners(req))

	cancel, first, err = s.Delivered("a", req)
	require.NoError(t, err)
	assert.False(t, first)
	assert.Empty(t, cancel)

	s.PieceVerified(7)
	assert.Equal(t, 0, s.Remaining())
	assert.False(t, s.InEndGame())
	assert.True(t, bt.Complete())
}

func TestSchedulerDeliveredRejectsBadBlocks(t *testing.T) {
	tor := newTestManifest()
	s := NewScheduler(tor, NewBitfieldTracker(tor.NumPieces()), testConfig(0))

	for _, req := range []Request{
		{Piece: 8, Begin: 0, Length: torrent.BlockSize},
		{Piece: 0, Begin: 10, Length: torrent.BlockSize},
		{Piece: 0, Begin: 0, Length: 10},
		{Piece: 7, Begin: torrent.BlockSize, Length: 100},
	} {
		_, _, err := s.Delivered("a", req)
		assert.ErrorIs(t, err, torrent.ErrProtocolViolation, req.String())
	}
}

func TestSchedulerExpire(t *testing.T) {
	tor := newTestManifest()
	bt := NewBitfieldTracker(tor.NumPieces())
	s := NewScheduler(tor, bt, testConfig(0)).(*scheduler)
	start := time.Now()
	s.now = func() time.Time { return start }

	only0 := bitfieldOf(8, 0)
	reqs := s.NextRequests("slow", only0, 5)
	require.Len(t, reqs, 2)

	assert.Empty(t, s.Expire(start.Add(30*time.Second)))
	expired := s.Expire(start.Add(time.Minute))
	require.Len(t, expired, 2)
	assert.Equal(t, "slow", expired[0].PeerID)
	assert.Empty(t, s.Owners(reqs[0]))
	assert.Equal(t, 2, s.penalty["slow"])

	// released blocks go to another peer
	again := s.NextRequests("fast", only0, 5)
	assert.Equal(t, reqs, again)

	// the penalized peer gets a shallower pipeline
	s.PeerGone("fast")
	assert.Len(t, s.NextRequests("slow", bitfieldOf(8, 0, 1, 2, 3), 5), 3)
}

func TestSchedulerStreamingCursor(t *testing.T) {
	tor := newTestManifest()
	bt := NewBitfieldTracker(tor.NumPieces())
	all := bitfieldOf(8, 0, 1, 2, 3, 4, 5, 6, 7)
	bt.AddBitfield(all)
	bt.AddBitfield(bitfieldOf(8, 0, 1, 2, 3, 4, 5))
	// pieces 6 and 7 are rarest
	s := NewScheduler(tor, bt, testConfig(0))
	s.SetCursor("reader", 4)

	reqs := s.NextRequests("a", all, 5)
	require.Len(t, reqs, 5)
	assert.Equal(t, 4, reqs[0].Piece)
	assert.Equal(t, 4, reqs[1].Piece)
	assert.Equal(t, 5, reqs[2].Piece)

	s.ClearCursor("reader")
	reqs = s.NextRequests("b", all, 5)
	require.Len(t, reqs, 5)
	assert.Equal(t, Request{Piece: 6, Begin: torrent.BlockSize, Length: torrent.BlockSize}, reqs[0])
	assert.Equal(t, 7, reqs[1].Piece)
}

func TestSchedulerPieceFailed(t *testing.T) {
	tor := newTestManifest()
	bt := NewBitfieldTracker(tor.NumPieces())
	s := NewScheduler(tor, bt, testConfig(0))
	only1 := bitfieldOf(8, 1)

	reqs := s.NextRequests("a", only1, 5)
	require.Len(t, reqs, 2)
	before := s.Remaining()
	for _, req := range reqs {
		_, first, err := s.Delivered("a", req)
		require.NoError(t, err)
		assert.True(t, first)
	}
	assert.Equal(t, before-2, s.Remaining())

	s.PieceFailed(1)
	assert.Equal(t, before, s.Remaining())
	assert.Equal(t, reqs, s.NextRequests("b", only1, 5))

	s.PeerGone("b")
	assert.Equal(t, reqs, s.NextRequests("c", only1, 5))
	s.Release("c", reqs[:1])
	assert.Empty(t, s.Owners(reqs[0]))
	assert.Equal(t, []string{"c"}, s.Owners(reqs[1]))
}
