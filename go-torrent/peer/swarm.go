package peer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/Fjnieve/torrent-streamer/go-torrent/config"
	"github.com/Fjnieve/torrent-streamer/go-torrent/metadata"
	"github.com/Fjnieve/torrent-streamer/go-torrent/piece"
	"github.com/Fjnieve/torrent-streamer/go-torrent/stats"
	"github.com/Fjnieve/torrent-streamer/go-torrent/storage"
	"github.com/Fjnieve/torrent-streamer/go-torrent/torrent"
	"github.com/Fjnieve/torrent-streamer/go-torrent/wire"
	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

const (
	EVENT_QUEUE   = 256
	COMMAND_QUEUE = 64
)

// Content is everything the swarm needs once the manifest is known.
type Content struct {
	Manifest  *torrent.Manifest
	Store     storage.PieceStore
	Tracker   piece.BitfieldTracker
	Scheduler piece.Scheduler
}

// MetadataSink receives ut_metadata traffic while the manifest is unknown.
type MetadataSink interface {
	AddCandidate(p metadata.Peer)
	Deliver(peerID string, pieceIndex int, data []byte)
	Reject(peerID string, pieceIndex int)
	PeerGone(peerID string)
}

// Pool caps connections across every swarm of a client.
type Pool interface {
	TryAcquire(n int64) bool
	Release(n int64)
}

type SwarmOptions struct {
	InfoHash [20]byte
	Name     string
	PeerID   [20]byte
	Config   config.Config
	Dialer   Dialer
	Stats    stats.Stats
	Pool     Pool
	Metadata MetadataSink
	Observer stats.Observer
	Limits   *Limits
}

type peerEntry struct {
	peer Peer
	have bitmap.Bitmap
	// pooled is set when the connection holds a pool slot
	pooled bool
}

// Swarm owns the connections of one torrent. Every state change happens on
// the goroutine running Run; peers and callers talk to it through channels.
type Swarm struct {
	opts     SwarmOptions
	cfg      config.Config
	peerOpts *Options
	events   chan Event
	cmds     chan func()
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool
	complete chan struct{}

	ctx context.Context
	wg  sync.WaitGroup

	// owned by the loop
	peers        map[string]*peerEntry
	candidates   []string
	cooldown     map[string]time.Time
	banned       mapset.Set
	strikes      map[string]int
	contributors map[int]mapset.Set
	completed    bool
	rnd          *rand.Rand
	now          func() time.Time

	mu        sync.RWMutex
	content   *Content
	snapshot  stats.Snapshot
	peerCount atomic.Int32
}

func NewSwarm(opts SwarmOptions) *Swarm {
	if opts.Dialer == nil {
		opts.Dialer = TCPDialer(opts.Config.DialTimeout)
	}
	if opts.Stats == nil {
		opts.Stats = stats.NewStats(0, 0, 0, opts.Config.StatsInterval)
	}
	s := &Swarm{
		opts:         opts,
		cfg:          opts.Config,
		events:       make(chan Event, EVENT_QUEUE),
		cmds:         make(chan func(), COMMAND_QUEUE),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		complete:     make(chan struct{}),
		peers:        make(map[string]*peerEntry),
		cooldown:     make(map[string]time.Time),
		banned:       mapset.NewSet(),
		strikes:      make(map[string]int),
		contributors: make(map[int]mapset.Set),
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
		now:          time.Now,
	}
	s.peerOpts = &Options{
		InfoHash: opts.InfoHash,
		PeerID:   opts.PeerID,
		Config:   opts.Config,
		Dialer:   opts.Dialer,
		Stats:    opts.Stats,
		Events:   s.events,
	}
	if opts.Limits != nil {
		s.peerOpts.Download = opts.Limits.Download
		s.peerOpts.Upload = opts.Limits.Upload
	}
	return s
}

func (s *Swarm) logger() *logrus.Entry {
	return log.WithField("torrent", fmt.Sprintf("%x", s.opts.InfoHash[:4]))
}

// do runs f on the loop goroutine. It reports false once the swarm stopped.
func (s *Swarm) do(f func()) bool {
	select {
	case s.cmds <- f:
		return true
	case <-s.stop:
		return false
	case <-s.done:
		return false
	}
}

// AddPeers queues discovered addresses for dialing.
func (s *Swarm) AddPeers(addrs []string) {
	s.do(func() {
		for _, addr := range addrs {
			s.addCandidate(addr)
		}
		s.fill()
	})
}

// AddConn adopts an accepted connection whose handshake was already read.
func (s *Swarm) AddConn(w wire.Wire, hs *wire.Handshake) {
	ok := s.do(func() {
		id := w.RemoteAddr()
		if s.banned.Contains(id) {
			w.Close()
			return
		}
		if _, ok := s.peers[id]; ok {
			w.Close()
			return
		}
		if len(s.peers) >= s.cfg.MaxPeers || !s.acquire() {
			w.Close()
			return
		}
		s.connect(id, w, hs)
	})
	if !ok {
		w.Close()
	}
}

// SetManifest switches the swarm from metadata exchange to piece exchange.
func (s *Swarm) SetManifest(c *Content) {
	s.do(func() {
		s.mu.Lock()
		s.content = c
		s.mu.Unlock()

		for id, e := range s.peers {
			have, err := e.peer.AttachManifest(c.Manifest.NumPieces(), c.Store, c.Manifest.InfoBytes)
			if err != nil {
				e.peer.Close(err)
				continue
			}
			e.have = have
			c.Tracker.AddBitfield(have)
			s.logger().WithField("peer", id).Debug("manifest attached")
		}
		s.opts.Stats.SetLeft(c.Manifest.Length - c.Store.BytesVerified())
		s.checkComplete()
		s.scheduleAll()
	})
}

// Schedule asks for an immediate scheduling pass, for example after a
// stream cursor moved.
func (s *Swarm) Schedule() {
	select {
	case s.cmds <- s.scheduleAll:
	default:
	}
}

func (s *Swarm) PeerCount() int {
	return int(s.peerCount.Load())
}

// Snapshot returns the statistics published on the last interval.
func (s *Swarm) Snapshot() stats.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshot
}

// Peers lists the connections the swarm currently owns.
func (s *Swarm) Peers() []Peer {
	res := make(chan []Peer, 1)
	if !s.do(func() {
		res <- lo.MapToSlice(s.peers, func(_ string, e *peerEntry) Peer {
			return e.peer
		})
	}) {
		return nil
	}
	select {
	case peers := <-res:
		return peers
	case <-s.done:
		return nil
	}
}

// Completed is closed once every piece is verified.
func (s *Swarm) Completed() <-chan struct{} {
	return s.complete
}

func (s *Swarm) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	if s.started.Load() {
		<-s.done
	}
}

// Run drives the swarm until ctx is cancelled or Stop is called. Every
// connection is closed with ErrSessionDestroyed before it returns.
func (s *Swarm) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("swarm already running")
	}
	defer close(s.done)

	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx

	scheduleTicker := time.NewTicker(s.cfg.ScheduleInterval)
	defer scheduleTicker.Stop()
	statsTicker := time.NewTicker(s.cfg.StatsInterval)
	defer statsTicker.Stop()
	chokeTicker := time.NewTicker(s.cfg.ChokeInterval)
	defer chokeTicker.Stop()

	s.fill()
	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case <-s.stop:
			break loop
		case ev := <-s.events:
			s.handleEvent(ev)
		case f := <-s.cmds:
			f()
		case now := <-scheduleTicker.C:
			s.expire(now)
			s.fill()
			s.scheduleAll()
		case <-statsTicker.C:
			s.publish()
		case <-chokeTicker.C:
			s.choke()
		}
	}

	cancel()
	for _, e := range s.peers {
		e.peer.Close(torrent.ErrSessionDestroyed)
	}
	s.wg.Wait()
	for id, e := range s.peers {
		s.release(e)
		delete(s.peers, id)
	}
	s.peerCount.Store(0)
	s.logger().Debug("swarm stopped")
	return err
}

func (s *Swarm) addCandidate(addr string) {
	if s.banned.Contains(addr) {
		return
	}
	if _, ok := s.peers[addr]; ok {
		return
	}
	if until, ok := s.cooldown[addr]; ok {
		if s.now().Before(until) {
			return
		}
		delete(s.cooldown, addr)
	}
	if lo.Contains(s.candidates, addr) {
		return
	}
	s.candidates = append(s.candidates, addr)
}

func (s *Swarm) acquire() bool {
	return s.opts.Pool == nil || s.opts.Pool.TryAcquire(1)
}

func (s *Swarm) release(e *peerEntry) {
	if e.pooled && s.opts.Pool != nil {
		s.opts.Pool.Release(1)
		e.pooled = false
	}
}

// fill dials queued candidates while there is room.
func (s *Swarm) fill() {
	for len(s.candidates) > 0 {
		if len(s.peers) >= s.cfg.MaxPeers && !s.evict() {
			return
		}
		if len(s.peers) >= s.cfg.MaxPeers {
			// the evicted peer frees its slot when its close is reported
			return
		}
		if !s.acquire() {
			return
		}
		addr := s.candidates[0]
		s.candidates = s.candidates[1:]
		s.connect(addr, nil, nil)
	}
}

// evict closes the slowest established peer when it lags behind the rest of
// the swarm. It reports whether a peer was closed.
func (s *Swarm) evict() bool {
	peerStats := s.opts.Stats.GetPeerStats()
	now := s.now()
	var worst *peerEntry
	worstRate := 0
	rates := []int{}
	for _, e := range s.peers {
		if e.peer.State() >= Closing {
			// already on its way out
			return true
		}
		rate := peerStats[e.peer.ID()].DownloadRate
		rates = append(rates, rate)
		connectedAt := e.peer.ConnectedAt()
		if e.peer.State() != Active || now.Sub(connectedAt) < s.cfg.EvictionGrace {
			continue
		}
		if worst == nil || rate < worstRate {
			worst, worstRate = e, rate
		}
	}
	if worst == nil || len(rates) < 2 {
		return false
	}
	mean := float64(lo.Sum(rates)-worstRate) / float64(len(rates)-1)
	if float64(worstRate) >= mean {
		return false
	}
	s.logger().WithFields(logrus.Fields{
		"peer": worst.peer.ID(),
		"rate": worstRate,
		"mean": int(mean),
	}).Debug("evicting slow peer")
	worst.peer.Close(fmt.Errorf("evicted for a better candidate"))
	return true
}

func (s *Swarm) connect(id string, w wire.Wire, hs *wire.Handshake) {
	p := NewPeer(id, w, hs, s.peerOpts)
	e := &peerEntry{peer: p, pooled: s.opts.Pool != nil}
	if c := s.content; c != nil {
		// nothing is pending yet, so this cannot fail
		e.have, _ = p.AttachManifest(c.Manifest.NumPieces(), c.Store, c.Manifest.InfoBytes)
	}
	s.peers[id] = e
	s.peerCount.Store(int32(len(s.peers)))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		p.Start(s.ctx)
	}()
}

func (s *Swarm) handleEvent(ev Event) {
	id := ev.Peer.ID()
	e, ok := s.peers[id]
	if !ok || e.peer != ev.Peer {
		return
	}
	c := s.content

	switch ev.Type {
	case EventActive:
		s.logger().WithField("peer", id).Debug("peer active")
		if c != nil {
			s.updateInterest(e)
		}
	case EventBitfield:
		if c == nil {
			return
		}
		if e.have != nil {
			c.Tracker.RemoveBitfield(e.have)
		}
		e.have = ev.Bitfield
		c.Tracker.AddBitfield(e.have)
		s.updateInterest(e)
		s.schedule(e)
	case EventHave:
		if c == nil || e.have == nil || e.have.Get(ev.Piece) {
			return
		}
		e.have.Set(ev.Piece, true)
		c.Tracker.AddHave(ev.Piece)
		s.updateInterest(e)
		s.schedule(e)
	case EventChoke:
		if c != nil {
			c.Scheduler.Release(id, ev.Released)
		}
	case EventUnchoke:
		s.schedule(e)
	case EventInterested, EventNotInterested:
		// the choker reacts on its next round
	case EventBlock:
		s.handleBlock(e, ev)
	case EventExtHandshake:
		if c == nil && s.opts.Metadata != nil && e.peer.SupportsMetadata() {
			s.opts.Metadata.AddCandidate(e.peer)
		}
	case EventMetadata:
		if s.opts.Metadata != nil {
			s.opts.Metadata.Deliver(id, ev.Piece, ev.Data)
		}
	case EventMetadataReject:
		if s.opts.Metadata != nil {
			s.opts.Metadata.Reject(id, ev.Piece)
		}
	case EventClosed:
		s.removePeer(e, ev)
	}
}

func (s *Swarm) removePeer(e *peerEntry, ev Event) {
	id := e.peer.ID()
	delete(s.peers, id)
	s.peerCount.Store(int32(len(s.peers)))
	s.release(e)

	if c := s.content; c != nil {
		if e.have != nil {
			c.Tracker.RemoveBitfield(e.have)
		}
		c.Scheduler.PeerGone(id)
	}
	if s.opts.Metadata != nil {
		s.opts.Metadata.PeerGone(id)
	}
	s.opts.Stats.RemovePeer(id)

	entry := s.logger().WithField("peer", id).WithError(ev.Err)
	switch {
	case IsClosedErr(ev.Err):
		entry.Debug("peer closed")
	case torrent.IsConnectionError(ev.Err):
		// not retried on the same address for a while
		s.cooldown[id] = s.now().Add(s.cfg.RedialCooldown)
		entry.Info("connection failed")
	default:
		s.cooldown[id] = s.now().Add(s.cfg.RedialCooldown)
		entry.Debug("peer closed")
	}
	s.fill()
}

func (s *Swarm) handleBlock(e *peerEntry, ev Event) {
	c := s.content
	if c == nil {
		return
	}
	id := e.peer.ID()
	req := ev.Request

	cancel, first, err := c.Scheduler.Delivered(id, req)
	if err != nil {
		e.peer.Close(err)
		return
	}
	for _, other := range cancel {
		if o, ok := s.peers[other]; ok {
			o.peer.Cancel(req)
		}
	}
	if !first {
		s.opts.Stats.AddWasted(len(ev.Data))
		s.schedule(e)
		return
	}

	contributors, ok := s.contributors[req.Piece]
	if !ok {
		contributors = mapset.NewSet()
		s.contributors[req.Piece] = contributors
	}
	contributors.Add(id)

	res, err := c.Store.WriteBlock(req.Piece, req.Begin, ev.Data)
	switch {
	case errors.Is(err, torrent.ErrHashMismatch):
		s.pieceFailed(c, req.Piece)
	case err != nil:
		s.logger().WithError(err).WithField("piece", req.Piece).Warn("cannot store block")
		c.Scheduler.PieceFailed(req.Piece)
		delete(s.contributors, req.Piece)
	case res == storage.Verified:
		s.pieceVerified(c, req.Piece)
	case res == storage.Duplicate:
		s.opts.Stats.AddWasted(len(ev.Data))
	}
	s.schedule(e)
}

// pieceFailed gives every contributor of a corrupt piece a strike and bans
// the ones that reached the limit.
func (s *Swarm) pieceFailed(c *Content, pieceIndex int) {
	c.Scheduler.PieceFailed(pieceIndex)
	s.opts.Stats.AddWasted(int(c.Manifest.PieceSize(pieceIndex)))

	contributors := s.contributors[pieceIndex]
	delete(s.contributors, pieceIndex)
	if contributors == nil {
		return
	}
	contributors.Each(func(o interface{}) bool {
		id := o.(string)
		s.strikes[id]++
		s.logger().WithFields(logrus.Fields{
			"peer":    id,
			"piece":   pieceIndex,
			"strikes": s.strikes[id],
		}).Warn("piece failed verification")
		if s.strikes[id] >= s.cfg.MaxHashFailures {
			s.ban(id)
		}
		return false
	})
}

func (s *Swarm) ban(id string) {
	s.banned.Add(id)
	s.candidates = lo.Without(s.candidates, id)
	if e, ok := s.peers[id]; ok {
		e.peer.Close(fmt.Errorf("%d corrupt pieces: %w", s.strikes[id], torrent.ErrHashMismatch))
	}
}

func (s *Swarm) pieceVerified(c *Content, pieceIndex int) {
	c.Scheduler.PieceVerified(pieceIndex)
	delete(s.contributors, pieceIndex)
	for _, e := range s.peers {
		e.peer.Have(pieceIndex)
		s.updateInterest(e)
	}
	s.opts.Stats.SetLeft(c.Manifest.Length - c.Store.BytesVerified())
	s.checkComplete()
}

func (s *Swarm) checkComplete() {
	c := s.content
	if s.completed || c == nil || !c.Store.Complete() {
		return
	}
	s.completed = true
	close(s.complete)
	s.logger().WithField("name", c.Manifest.Name).Info("download complete")
	for _, e := range s.peers {
		e.peer.SetInterested(false)
	}
}

func (s *Swarm) updateInterest(e *peerEntry) {
	c := s.content
	if c == nil || e.have == nil {
		return
	}
	e.peer.SetInterested(c.Tracker.HasMissingIn(e.have))
}

func (s *Swarm) expire(now time.Time) {
	c := s.content
	if c == nil {
		return
	}
	for _, a := range c.Scheduler.Expire(now) {
		if e, ok := s.peers[a.PeerID]; ok {
			e.peer.Cancel(a.Request)
		}
	}
}

func (s *Swarm) scheduleAll() {
	for _, e := range s.peers {
		s.schedule(e)
	}
}

// schedule fills the free pipeline slots of one peer.
func (s *Swarm) schedule(e *peerEntry) {
	c := s.content
	if c == nil || e.have == nil || s.completed {
		return
	}
	if e.peer.PeerChoking() || !e.peer.AmInterested() {
		return
	}
	slots := e.peer.Slots()
	if slots <= 0 {
		return
	}
	id := e.peer.ID()
	reqs := c.Scheduler.NextRequests(id, e.have, slots)
	for i, req := range reqs {
		if err := e.peer.SendRequest(req); err != nil {
			c.Scheduler.Release(id, reqs[i:])
			if !errors.Is(err, torrent.ErrThrottleViolation) {
				s.logger().WithField("peer", id).WithError(err).Debug("request not sent")
			}
			return
		}
	}
}

func (s *Swarm) choke() {
	c := s.content
	if c == nil {
		return
	}
	peerStats := s.opts.Stats.GetPeerStats()
	infos := []*PeerInfo{}
	for id, e := range s.peers {
		if e.peer.State() != Active {
			continue
		}
		speed := peerStats[id].DownloadRate
		if s.completed {
			speed = peerStats[id].UploadRate
		}
		infos = append(infos, &PeerInfo{
			ID:             id,
			PeerInterested: e.peer.PeerInterested(),
			AmChoking:      e.peer.AmChoking(),
			Speed:          speed,
		})
	}
	unchoke, choke := Choke(infos, s.rnd)
	for _, id := range unchoke {
		s.peers[id].peer.SetChoked(false)
	}
	for _, id := range choke {
		s.peers[id].peer.SetChoked(true)
	}
}

func (s *Swarm) publish() {
	_, client := s.opts.Stats.Tick()
	snap := stats.Snapshot{
		InfoHash:        fmt.Sprintf("%x", s.opts.InfoHash),
		Name:            s.opts.Name,
		DownloadSpeed:   client.DownloadRate,
		UploadSpeed:     client.UploadRate,
		PeerCount:       len(s.peers),
		BytesDownloaded: client.Downloaded,
		BytesUploaded:   client.Uploaded,
		BytesWasted:     client.Wasted,
	}
	if c := s.content; c != nil {
		snap.Name = c.Manifest.Name
		snap.NumPieces = c.Manifest.NumPieces()
		snap.PiecesVerified = c.Store.NumVerified()
		snap.Progress = float64(c.Store.BytesVerified()) / float64(c.Manifest.Length)
		snap.Done = s.completed
	}

	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()

	if s.opts.Observer != nil {
		s.opts.Observer.Observe(snap)
	}
}
