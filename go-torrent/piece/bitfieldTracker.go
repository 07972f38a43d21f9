package piece

import (
	"sort"
	"sync"

	bitmap "github.com/boljen/go-bitmap"
)

// BitfieldTracker records which pieces the client has verified and how many
// connected peers claim each piece.
type BitfieldTracker interface {
	NumPieces() int
	MarkHave(pieceIndex int)
	IsMissing(pieceIndex int) bool
	NumHave() int
	Complete() bool
	// Bitfield returns a copy of the verified set.
	Bitfield() bitmap.Bitmap

	AddBitfield(peerBitfield bitmap.Bitmap)
	AddHave(pieceIndex int)
	RemoveBitfield(peerBitfield bitmap.Bitmap)
	Availability(pieceIndex int) int
	// RarestMissing lists the missing pieces peerHas claims, by ascending
	// availability and then index. A nil peerHas considers every piece.
	RarestMissing(peerHas bitmap.Bitmap) []int
	HasMissingIn(peerHas bitmap.Bitmap) bool
}

type bitfieldTracker struct {
	sync.RWMutex
	numPieces    int
	have         bitmap.Bitmap
	numHave      int
	availability []int
}

func NewBitfieldTracker(numPieces int) BitfieldTracker {
	return &bitfieldTracker{
		numPieces:    numPieces,
		have:         bitmap.New(numPieces),
		availability: make([]int, numPieces),
	}
}

func (bt *bitfieldTracker) NumPieces() int {
	return bt.numPieces
}

func (bt *bitfieldTracker) MarkHave(pieceIndex int) {
	bt.Lock()
	defer bt.Unlock()

	if pieceIndex < 0 || pieceIndex >= bt.numPieces || bt.have.Get(pieceIndex) {
		return
	}
	bt.have.Set(pieceIndex, true)
	bt.numHave++
}

func (bt *bitfieldTracker) IsMissing(pieceIndex int) bool {
	bt.RLock()
	defer bt.RUnlock()

	return pieceIndex >= 0 && pieceIndex < bt.numPieces && !bt.have.Get(pieceIndex)
}

func (bt *bitfieldTracker) NumHave() int {
	bt.RLock()
	defer bt.RUnlock()

	return bt.numHave
}

func (bt *bitfieldTracker) Complete() bool {
	bt.RLock()
	defer bt.RUnlock()

	return bt.numHave == bt.numPieces
}

func (bt *bitfieldTracker) Bitfield() bitmap.Bitmap {
	bt.RLock()
	defer bt.RUnlock()

	return bitmap.Bitmap(bt.have.Data(true))
}

func (bt *bitfieldTracker) AddBitfield(peerBitfield bitmap.Bitmap) {
	bt.Lock()
	defer bt.Unlock()

	for pieceIndex := 0; pieceIndex < bt.numPieces; pieceIndex++ {
		if peerBitfield.Get(pieceIndex) {
			bt.availability[pieceIndex]++
		}
	}
}

func (bt *bitfieldTracker) AddHave(pieceIndex int) {
	bt.Lock()
	defer bt.Unlock()

	if pieceIndex >= 0 && pieceIndex < bt.numPieces {
		bt.availability[pieceIndex]++
	}
}

func (bt *bitfieldTracker) RemoveBitfield(peerBitfield bitmap.Bitmap) {
	bt.Lock()
	defer bt.Unlock()

	for pieceIndex := 0; pieceIndex < bt.numPieces; pieceIndex++ {
		if peerBitfield.Get(pieceIndex) && bt.availability[pieceIndex] > 0 {
			bt.availability[pieceIndex]--
		}
	}
}

func (bt *bitfieldTracker) Availability(pieceIndex int) int {
	bt.RLock()
	defer bt.RUnlock()

	if pieceIndex < 0 || pieceIndex >= bt.numPieces {
		return 0
	}
	return bt.availability[pieceIndex]
}

func (bt *bitfieldTracker) RarestMissing(peerHas bitmap.Bitmap) []int {
	bt.RLock()
	defer bt.RUnlock()

	pieces := make([]int, 0)
	for pieceIndex := 0; pieceIndex < bt.numPieces; pieceIndex++ {
		if bt.have.Get(pieceIndex) {
			continue
		}
		if peerHas != nil && !peerHas.Get(pieceIndex) {
			continue
		}
		pieces = append(pieces, pieceIndex)
	}
	// sort them by rarity
	sort.SliceStable(pieces, func(i, j int) bool {
		p1, p2 := pieces[i], pieces[j]
		if bt.availability[p1] != bt.availability[p2] {
			return bt.availability[p1] < bt.availability[p2]
		}
		return p1 < p2
	})
	return pieces
}

func (bt *bitfieldTracker) HasMissingIn(peerHas bitmap.Bitmap) bool {
	bt.RLock()
	defer bt.RUnlock()

	for pieceIndex := 0; pieceIndex < bt.numPieces; pieceIndex++ {
		if peerHas.Get(pieceIndex) && !bt.have.Get(pieceIndex) {
			return true
		}
	}
	return false
}
