package peer

import (
	"math/rand"
	"sort"
)

const (
	DOWNLOADERS = 5
)

// PeerInfo is the view of a connection the choker decides on.
type PeerInfo struct {
	ID             string
	PeerInterested bool
	AmChoking      bool
	// Speed is the download rate from the peer while leeching and the
	// upload rate to it while seeding.
	Speed         int
	shouldUnchoke bool
}

func sortBySpeed(peers []*PeerInfo) {
	sort.SliceStable(peers, func(i, j int) bool {
		return peers[i].Speed > peers[j].Speed
	})
}

// Choke picks which peers to serve: the DOWNLOADERS-1 fastest interested
// peers, every uninterested peer faster than them, and one random
// interested peer as an optimistic unchoke. It returns the peers whose
// choke state must flip.
func Choke(peers []*PeerInfo, rnd *rand.Rand) (unchoke, choke []string) {
	interested := make([]*PeerInfo, 0)
	notInterested := make([]*PeerInfo, 0)
	for _, p := range peers {
		p.shouldUnchoke = false
		if p.PeerInterested {
			interested = append(interested, p)
		} else {
			notInterested = append(notInterested, p)
		}
	}

	// Sort in descending order of peer speed
	sortBySpeed(interested)
	sortBySpeed(notInterested)

	// unchoke the fastest interested peers so they keep trading with us
	speedThreshold := 0
	for i := 0; i < len(interested) && i < DOWNLOADERS-1; i++ {
		interested[i].shouldUnchoke = true
		speedThreshold = interested[i].Speed
	}
	// faster uninterested peers are unchoked so they can start at once
	// when they become interested
	for i := 0; i < len(notInterested) && notInterested[i].Speed > speedThreshold; i++ {
		notInterested[i].shouldUnchoke = true
	}

	// optimistic unchoke gives newcomers a chance to prove themselves
	if len(interested) > DOWNLOADERS-1 {
		rest := interested[DOWNLOADERS-1:]
		rest[rnd.Intn(len(rest))].shouldUnchoke = true
	}

	for _, p := range peers {
		if p.shouldUnchoke && p.AmChoking {
			unchoke = append(unchoke, p.ID)
		}
		if !p.shouldUnchoke && !p.AmChoking {
			choke = append(choke, p.ID)
		}
	}
	return unchoke, choke
}
