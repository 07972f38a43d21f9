package peer

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChoke(t *testing.T) {
	peers := []*PeerInfo{
		{ID: "fast", PeerInterested: true, AmChoking: true, Speed: 100},
		{ID: "second", PeerInterested: true, AmChoking: false, Speed: 90},
		{ID: "third", PeerInterested: true, AmChoking: true, Speed: 80},
		{ID: "fourth", PeerInterested: true, AmChoking: true, Speed: 70},
		{ID: "slow", PeerInterested: true, AmChoking: false, Speed: 10},
		// faster than the slowest downloader but not interested
		{ID: "idle-fast", PeerInterested: false, AmChoking: true, Speed: 75},
		{ID: "idle-slow", PeerInterested: false, AmChoking: false, Speed: 1},
	}

	// with one candidate left the optimistic unchoke is deterministic
	unchoke, choke := Choke(peers, rand.New(rand.NewSource(1)))
	assert.ElementsMatch(t, []string{"fast", "third", "fourth", "idle-fast"}, unchoke)
	assert.ElementsMatch(t, []string{"idle-slow"}, choke)
}

func TestChokeOptimisticUnchoke(t *testing.T) {
	peers := []*PeerInfo{}
	for i, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		peers = append(peers, &PeerInfo{ID: id, PeerInterested: true, AmChoking: true, Speed: 100 - i})
	}

	unchoke, choke := Choke(peers, rand.New(rand.NewSource(7)))
	assert.Len(t, unchoke, DOWNLOADERS)
	assert.Empty(t, choke)
	assert.Subset(t, unchoke, []string{"a", "b", "c", "d"})
}

func TestChokeNobodyInterested(t *testing.T) {
	peers := []*PeerInfo{
		{ID: "a", AmChoking: false},
		{ID: "b", AmChoking: true},
	}
	unchoke, choke := Choke(peers, rand.New(rand.NewSource(1)))
	assert.Empty(t, unchoke)
	assert.Equal(t, []string{"a"}, choke)
}
