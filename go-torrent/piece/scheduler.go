package piece

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Fjnieve/torrent-streamer/go-torrent/config"
	"github.com/Fjnieve/torrent-streamer/go-torrent/torrent"
	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "piece")

// Request identifies one block of one piece.
type Request struct {
	Piece  int
	Begin  int
	Length int
}

func (r Request) String() string {
	return fmt.Sprintf("%d:%d+%d", r.Piece, r.Begin, r.Length)
}

// Assignment records a request handed to a peer.
type Assignment struct {
	PeerID  string
	Request Request
	At      time.Time
	EndGame bool
}

type blockState uint8

const (
	blockMissing blockState = iota
	blockRequested
	blockHave
)

// Scheduler decides which block to request from which peer. Pieces near an
// active stream cursor come first, the rest are picked rarest-first. Once
// fewer than the end-game threshold of blocks remain, a requested block may
// be handed to more than one peer.
type Scheduler interface {
	NextRequests(peerID string, peerHas bitmap.Bitmap, slots int) []Request
	// Delivered records a received block. It returns the other peers holding
	// a duplicate request for it and whether this delivery was the first.
	Delivered(peerID string, req Request) (cancel []string, first bool, err error)
	Release(peerID string, reqs []Request)
	PieceFailed(pieceIndex int)
	PieceVerified(pieceIndex int)
	PeerGone(peerID string)
	Expire(now time.Time) []Assignment

	SetCursor(readerID string, pieceIndex int)
	ClearCursor(readerID string)

	InEndGame() bool
	Remaining() int
	Owners(req Request) []string
	Log() []Assignment
}

type scheduler struct {
	sync.Mutex
	tor              *torrent.Manifest
	tracker          BitfieldTracker
	pipelineDepth    int
	endGameThreshold int
	requestTimeout   time.Duration
	readAhead        int
	logSize          int

	blocks    [][]blockState
	remaining int
	owners    map[Request]mapset.Set
	issued    map[string]map[Request]time.Time
	penalty   map[string]int
	cursors   map[string]int
	log       []Assignment
	now       func() time.Time
}

func NewScheduler(tor *torrent.Manifest, tracker BitfieldTracker, cfg config.Config) Scheduler {
	s := &scheduler{
		tor:              tor,
		tracker:          tracker,
		pipelineDepth:    cfg.PipelineDepth,
		endGameThreshold: cfg.EndGameThreshold,
		requestTimeout:   cfg.RequestTimeout,
		readAhead:        cfg.ReadAheadPieces,
		logSize:          cfg.AssignmentLogSize,
		blocks:           make([][]blockState, tor.NumPieces()),
		owners:           make(map[Request]mapset.Set),
		issued:           make(map[string]map[Request]time.Time),
		penalty:          make(map[string]int),
		cursors:          make(map[string]int),
		now:              time.Now,
	}
	for pieceIndex := range s.blocks {
		s.blocks[pieceIndex] = make([]blockState, tor.NumBlocks(pieceIndex))
		if !tracker.IsMissing(pieceIndex) {
			for b := range s.blocks[pieceIndex] {
				s.blocks[pieceIndex][b] = blockHave
			}
			continue
		}
		s.remaining += len(s.blocks[pieceIndex])
	}
	return s
}

func (s *scheduler) request(pieceIndex, blockIndex int) Request {
	return Request{
		Piece:  pieceIndex,
		Begin:  blockIndex * torrent.BlockSize,
		Length: s.tor.BlockLength(pieceIndex, blockIndex),
	}
}

func (s *scheduler) valid(req Request) bool {
	if req.Piece < 0 || req.Piece >= len(s.blocks) || req.Begin < 0 || req.Begin%torrent.BlockSize != 0 {
		return false
	}
	blockIndex := req.Begin / torrent.BlockSize
	return blockIndex < len(s.blocks[req.Piece]) && req.Length == s.tor.BlockLength(req.Piece, blockIndex)
}

func (s *scheduler) inEndGame() bool {
	return s.remaining > 0 && s.remaining < s.endGameThreshold
}

func (s *scheduler) InEndGame() bool {
	s.Lock()
	defer s.Unlock()

	return s.inEndGame()
}

func (s *scheduler) Remaining() int {
	s.Lock()
	defer s.Unlock()

	return s.remaining
}

// candidates orders the pieces worth looking at for a peer: pieces inside a
// stream cursor's read-ahead window by distance to the cursor, then the rest
// rarest-first.
func (s *scheduler) candidates(peerHas bitmap.Bitmap) []int {
	rarest := s.tracker.RarestMissing(peerHas)
	if len(s.cursors) == 0 {
		return rarest
	}

	type prioritized struct {
		piece    int
		distance int
	}
	wanted := map[int]int{}
	for _, cursor := range s.cursors {
		for d := 0; d <= s.readAhead; d++ {
			pieceIndex := cursor + d
			if pieceIndex >= len(s.blocks) {
				break
			}
			if prev, ok := wanted[pieceIndex]; !ok || d < prev {
				wanted[pieceIndex] = d
			}
		}
	}
	urgent := []prioritized{}
	rest := make([]int, 0, len(rarest))
	for _, pieceIndex := range rarest {
		if d, ok := wanted[pieceIndex]; ok {
			urgent = append(urgent, prioritized{pieceIndex, d})
		} else {
			rest = append(rest, pieceIndex)
		}
	}
	sort.Slice(urgent, func(i, j int) bool {
		if urgent[i].distance != urgent[j].distance {
			return urgent[i].distance < urgent[j].distance
		}
		return urgent[i].piece < urgent[j].piece
	})
	out := make([]int, 0, len(rarest))
	for _, u := range urgent {
		out = append(out, u.piece)
	}
	return append(out, rest...)
}

func (s *scheduler) assign(peerID string, req Request, endGame bool) {
	now := s.now()
	if _, ok := s.owners[req]; !ok {
		s.owners[req] = mapset.NewSet()
	}
	s.owners[req].Add(peerID)
	if _, ok := s.issued[peerID]; !ok {
		s.issued[peerID] = make(map[Request]time.Time)
	}
	s.issued[peerID][req] = now
	s.blocks[req.Piece][req.Begin/torrent.BlockSize] = blockRequested

	s.log = append(s.log, Assignment{PeerID: peerID, Request: req, At: now, EndGame: endGame})
	if s.logSize > 0 && len(s.log) > s.logSize {
		s.log = s.log[len(s.log)-s.logSize:]
	}
}

func (s *scheduler) NextRequests(peerID string, peerHas bitmap.Bitmap, slots int) []Request {
	s.Lock()
	defer s.Unlock()

	if slots <= 0 || s.remaining == 0 {
		return nil
	}
	// A penalized peer gets a shallower pipeline, but never an empty one.
	limit := s.pipelineDepth - s.penalty[peerID] - len(s.issued[peerID])
	if limit > slots {
		limit = slots
	}
	if limit < 1 {
		if len(s.issued[peerID]) > 0 {
			return nil
		}
		limit = 1
	}

	pieces := s.candidates(peerHas)
	reqs := []Request{}
	for _, pieceIndex := range pieces {
		for blockIndex, state := range s.blocks[pieceIndex] {
			if state != blockMissing {
				continue
			}
			req := s.request(pieceIndex, blockIndex)
			s.assign(peerID, req, false)
			reqs = append(reqs, req)
			if len(reqs) == limit {
				return reqs
			}
		}
	}
	if !s.inEndGame() {
		return reqs
	}

	// End-game: duplicate blocks other peers are already fetching.
	for _, pieceIndex := range pieces {
		for blockIndex, state := range s.blocks[pieceIndex] {
			if state != blockRequested {
				continue
			}
			req := s.request(pieceIndex, blockIndex)
			if owners, ok := s.owners[req]; ok && owners.Contains(peerID) {
				continue
			}
			s.assign(peerID, req, true)
			reqs = append(reqs, req)
			if len(reqs) == limit {
				return reqs
			}
		}
	}
	return reqs
}

func (s *scheduler) unassign(peerID string, req Request) {
	if reqs, ok := s.issued[peerID]; ok {
		delete(reqs, req)
		if len(reqs) == 0 {
			delete(s.issued, peerID)
		}
	}
	owners, ok := s.owners[req]
	if !ok {
		return
	}
	owners.Remove(peerID)
	if owners.Cardinality() > 0 {
		return
	}
	delete(s.owners, req)
	blockIndex := req.Begin / torrent.BlockSize
	if s.blocks[req.Piece][blockIndex] == blockRequested {
		s.blocks[req.Piece][blockIndex] = blockMissing
	}
}

func (s *scheduler) Delivered(peerID string, req Request) ([]string, bool, error) {
	s.Lock()
	defer s.Unlock()

	if !s.valid(req) {
		return nil, false, fmt.Errorf("block %v out of range: %w", req, torrent.ErrProtocolViolation)
	}

	blockIndex := req.Begin / torrent.BlockSize
	if s.blocks[req.Piece][blockIndex] == blockHave {
		s.unassign(peerID, req)
		return nil, false, nil
	}

	cancel := []string{}
	if owners, ok := s.owners[req]; ok {
		owners.Each(func(o interface{}) bool {
			if id := o.(string); id != peerID {
				cancel = append(cancel, id)
			}
			return false
		})
		for _, id := range cancel {
			if reqs, ok := s.issued[id]; ok {
				delete(reqs, req)
				if len(reqs) == 0 {
					delete(s.issued, id)
				}
			}
		}
		delete(s.owners, req)
	}
	if reqs, ok := s.issued[peerID]; ok {
		delete(reqs, req)
		if len(reqs) == 0 {
			delete(s.issued, peerID)
		}
	}
	s.blocks[req.Piece][blockIndex] = blockHave
	s.remaining--
	if s.penalty[peerID] > 0 {
		s.penalty[peerID]--
	}
	sort.Strings(cancel)
	return cancel, true, nil
}

func (s *scheduler) Release(peerID string, reqs []Request) {
	s.Lock()
	defer s.Unlock()

	for _, req := range reqs {
		s.unassign(peerID, req)
	}
}

func (s *scheduler) PieceFailed(pieceIndex int) {
	s.Lock()
	defer s.Unlock()

	if pieceIndex < 0 || pieceIndex >= len(s.blocks) {
		return
	}
	for blockIndex, state := range s.blocks[pieceIndex] {
		req := s.request(pieceIndex, blockIndex)
		if owners, ok := s.owners[req]; ok {
			owners.Each(func(o interface{}) bool {
				if reqs, ok := s.issued[o.(string)]; ok {
					delete(reqs, req)
				}
				return false
			})
			delete(s.owners, req)
		}
		if state == blockHave {
			s.remaining++
		}
		s.blocks[pieceIndex][blockIndex] = blockMissing
	}
	log.WithFields(logrus.Fields{
		"piece":     pieceIndex,
		"remaining": s.remaining,
	}).Debug("piece reset after failed verification")
}

func (s *scheduler) PieceVerified(pieceIndex int) {
	s.Lock()
	defer s.Unlock()

	if pieceIndex < 0 || pieceIndex >= len(s.blocks) {
		return
	}
	for blockIndex, state := range s.blocks[pieceIndex] {
		if state != blockHave {
			s.unassignAll(s.request(pieceIndex, blockIndex))
			s.blocks[pieceIndex][blockIndex] = blockHave
			s.remaining--
		}
	}
	s.tracker.MarkHave(pieceIndex)
}

func (s *scheduler) unassignAll(req Request) {
	owners, ok := s.owners[req]
	if !ok {
		return
	}
	for _, o := range owners.ToSlice() {
		if reqs, ok := s.issued[o.(string)]; ok {
			delete(reqs, req)
		}
	}
	delete(s.owners, req)
}

func (s *scheduler) PeerGone(peerID string) {
	s.Lock()
	defer s.Unlock()

	for req := range s.issued[peerID] {
		s.unassign(peerID, req)
	}
	delete(s.issued, peerID)
	delete(s.penalty, peerID)
}

// Expire releases every assignment older than the request timeout and
// penalizes the peers that held them.
func (s *scheduler) Expire(now time.Time) []Assignment {
	s.Lock()
	defer s.Unlock()

	expired := []Assignment{}
	for peerID, reqs := range s.issued {
		for req, at := range reqs {
			if now.Sub(at) >= s.requestTimeout {
				expired = append(expired, Assignment{PeerID: peerID, Request: req, At: at})
			}
		}
	}
	for _, a := range expired {
		s.unassign(a.PeerID, a.Request)
		if s.penalty[a.PeerID] < s.pipelineDepth-1 {
			s.penalty[a.PeerID]++
		}
	}
	if len(expired) > 0 {
		log.WithField("expired", len(expired)).Debug("request timeouts released")
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].PeerID != expired[j].PeerID {
			return expired[i].PeerID < expired[j].PeerID
		}
		return expired[i].Request.Piece < expired[j].Request.Piece ||
			(expired[i].Request.Piece == expired[j].Request.Piece && expired[i].Request.Begin < expired[j].Request.Begin)
	})
	return expired
}

func (s *scheduler) SetCursor(readerID string, pieceIndex int) {
	s.Lock()
	defer s.Unlock()

	s.cursors[readerID] = pieceIndex
}

func (s *scheduler) ClearCursor(readerID string) {
	s.Lock()
	defer s.Unlock()

	delete(s.cursors, readerID)
}

func (s *scheduler) Owners(req Request) []string {
	s.Lock()
	defer s.Unlock()

	owners, ok := s.owners[req]
	if !ok {
		return nil
	}
	ids := []string{}
	for _, o := range owners.ToSlice() {
		ids = append(ids, o.(string))
	}
	sort.Strings(ids)
	return ids
}

func (s *scheduler) Log() []Assignment {
	s.Lock()
	defer s.Unlock()

	return append([]Assignment(nil), s.log...)
}
