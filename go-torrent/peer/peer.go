package peer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Fjnieve/torrent-streamer/go-torrent/config"
	"github.com/Fjnieve/torrent-streamer/go-torrent/metadata"
	"github.com/Fjnieve/torrent-streamer/go-torrent/piece"
	"github.com/Fjnieve/torrent-streamer/go-torrent/stats"
	"github.com/Fjnieve/torrent-streamer/go-torrent/torrent"
	"github.com/Fjnieve/torrent-streamer/go-torrent/wire"
	bitmap "github.com/boljen/go-bitmap"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

var log = logrus.WithField("component", "peer")

const (
	UPLOAD_QUEUE = 64
	// SEND_QUEUE bounds the control messages waiting for a peer that does
	// not read. Overflowing it closes the connection.
	SEND_QUEUE = 256
	CLIENT_NAME  = "torrent-streamer 0.1"
)

type ConnState int32

const (
	Connecting ConnState = iota
	Handshaking
	Active
	Closing
	Closed
)

func (s ConnState) String() string {
	return [...]string{"connecting", "handshaking", "active", "closing", "closed"}[s]
}

// Dialer opens the byte stream to a peer address.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

func TCPDialer(timeout time.Duration) Dialer {
	d := &net.Dialer{Timeout: timeout}
	return func(ctx context.Context, addr string) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}
}

// BlockSource serves verified blocks to remote peers.
type BlockSource interface {
	ReadBlock(pieceIndex, begin, length int) ([]byte, error)
	Bitfield() bitmap.Bitmap
}

type Peer interface {
	metadata.Peer

	Start(ctx context.Context)
	Close(err error)
	State() ConnState
	Err() error
	ConnectedAt() time.Time

	// AttachManifest hands the peer the torrent layout once it is known and
	// returns the pieces the remote has announced so far.
	AttachManifest(numPieces int, source BlockSource, infoBytes []byte) (bitmap.Bitmap, error)

	SendRequest(req piece.Request) error
	Cancel(req piece.Request)
	Outstanding() []piece.Request
	Slots() int
	Have(pieceIndex int)

	SetChoked(choked bool)
	SetInterested(interested bool)
	AmChoking() bool
	AmInterested() bool
	PeerChoking() bool
	PeerInterested() bool
	SupportsMetadata() bool
}

var newWire = wire.NewWire

// Options are shared by every peer of one swarm.
type Options struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Config   config.Config
	Dialer   Dialer
	Stats    stats.Stats
	Download *rate.Limiter
	Upload   *rate.Limiter
	Events   chan<- Event
}

type peer struct {
	sync.Mutex
	id          string
	opts        *Options
	wire        wire.Wire
	handshake   *wire.Handshake
	state       atomic.Int32
	err         error
	ctx         context.Context
	cancel      context.CancelFunc
	parent      context.Context
	connectedAt time.Time
	greeted     bool
	greetDone   chan struct{}

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	numPieces      int
	source         BlockSource
	infoBytes      []byte
	remoteHave     bitmap.Bitmap
	pendingField   []byte
	pendingHaves   []int
	gotFirst       bool
	outstanding    map[piece.Request]time.Time
	uploads        chan piece.Request
	pendingUploads map[piece.Request]bool
	outbox         chan func(w wire.Wire) error

	extIDs       map[string]int
	metadataSize int
}

// NewPeer creates an outgoing connection to id when w is nil, or wraps an
// accepted connection whose handshake hs was already read.
func NewPeer(
	id string,
	w wire.Wire,
	hs *wire.Handshake,
	opts *Options) Peer {

	p := &peer{
		id:             id,
		opts:           opts,
		wire:           w,
		handshake:      hs,
		greetDone:      make(chan struct{}),
		amChoking:      true,
		peerChoking:    true,
		outstanding:    make(map[piece.Request]time.Time),
		uploads:        make(chan piece.Request, UPLOAD_QUEUE),
		pendingUploads: make(map[piece.Request]bool),
		outbox:         make(chan func(w wire.Wire) error, SEND_QUEUE),
		extIDs:         make(map[string]int),
	}
	p.state.Store(int32(Connecting))
	return p
}

func (p *peer) ID() string {
	return p.id
}

func (p *peer) State() ConnState {
	return ConnState(p.state.Load())
}

func (p *peer) Err() error {
	p.Lock()
	defer p.Unlock()

	return p.err
}

func (p *peer) ConnectedAt() time.Time {
	p.Lock()
	defer p.Unlock()

	return p.connectedAt
}

func (p *peer) logger() *logrus.Entry {
	return log.WithField("peer", p.id)
}

// sendEvent blocks until the swarm takes the event or stops.
func (p *peer) sendEvent(ev Event) {
	ev.Peer = p
	select {
	case p.opts.Events <- ev:
	case <-p.parent.Done():
	}
}

func (p *peer) Close(err error) {
	for {
		s := p.state.Load()
		if s >= int32(Closing) {
			return
		}
		if p.state.CompareAndSwap(s, int32(Closing)) {
			break
		}
	}
	p.Lock()
	p.err = err
	w := p.wire
	cancel := p.cancel
	p.Unlock()

	if cancel != nil {
		cancel()
	}
	if w != nil {
		w.Close()
	}
	p.logger().WithError(err).Debug("closing connection")
}

// Start runs the connection until it closes. It always ends in Closed and
// reports an EventClosed carrying the requests that were still in flight.
func (p *peer) Start(ctx context.Context) {
	p.Lock()
	p.parent = ctx
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.Unlock()

	err := p.run()
	p.Close(err)
	p.state.Store(int32(Closed))

	p.Lock()
	released := p.releaseOutstanding()
	err = p.err
	p.Unlock()
	p.sendEvent(Event{Type: EventClosed, Released: released, Err: err})
}

func (p *peer) run() error {
	cfg := p.opts.Config
	if p.wire == nil {
		conn, err := p.opts.Dialer(p.ctx, p.id)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		w := newWire(conn, cfg.IdleTimeout, cfg.MaxMessageLength)
		p.Lock()
		p.wire = w
		p.Unlock()
		if p.State() >= Closing {
			w.Close()
			return p.Err()
		}
	}
	if !p.state.CompareAndSwap(int32(Connecting), int32(Handshaking)) {
		return p.Err()
	}

	if err := p.wire.SendHandshake(p.opts.InfoHash, p.opts.PeerID); err != nil {
		return err
	}
	if p.handshake == nil {
		hs, err := p.wire.ReadHandshake(cfg.HandshakeTimeout)
		if err != nil {
			return err
		}
		p.handshake = hs
	}
	if p.handshake.InfoHash != p.opts.InfoHash {
		return fmt.Errorf("info hash %x: %w", p.handshake.InfoHash, torrent.ErrHandshakeMismatch)
	}
	if p.handshake.PeerID == p.opts.PeerID {
		return fmt.Errorf("connected to ourselves: %w", torrent.ErrHandshakeMismatch)
	}

	p.Lock()
	if !p.state.CompareAndSwap(int32(Handshaking), int32(Active)) {
		p.Unlock()
		return p.err
	}
	p.connectedAt = time.Now()
	bitfield, ext := p.greetingLocked()
	p.greeted = true
	p.Unlock()

	// The read loop starts before the greeting so that both ends can write
	// at once on an unbuffered transport.
	readErr := make(chan error, 1)
	go func() {
		err := p.readLoop()
		// unblocks a greeting stuck on a peer that stopped reading
		p.Close(err)
		readErr <- err
	}()

	if bitfield != nil {
		if err := p.wire.SendBitField(bitfield); err != nil {
			return err
		}
	}
	if ext != nil {
		if err := p.wire.SendExtended(wire.EXT_HANDSHAKE, ext); err != nil {
			return err
		}
	}
	close(p.greetDone)

	p.logger().Debug("connection active")
	p.sendEvent(Event{Type: EventActive})

	go p.keepAlive()
	go p.upload()
	go p.writer()

	return <-readErr
}

func (p *peer) readLoop() error {
	for {
		length, messageID, payload, err := p.wire.ReadMessage()
		if err != nil {
			if p.State() >= Closing {
				return p.Err()
			}
			return err
		}
		if length == 0 {
			// keep-alive message
			continue
		}
		if err := p.decodeMessage(messageID, payload); err != nil {
			return err
		}
	}
}

// greetingLocked builds the bitfield and the extension handshake sent right
// after the BitTorrent handshake. The bitfield always goes first.
func (p *peer) greetingLocked() ([]byte, []byte) {
	var bitfield, ext []byte
	if p.source != nil {
		if bf := p.source.Bitfield(); hasAny(bf, p.numPieces) {
			bitfield = wire.EncodeBitfield(bf, p.numPieces)
		}
	}
	if p.handshake.SupportsExtensions() {
		ext = wire.EncodeExtHandshake(len(p.infoBytes), CLIENT_NAME)
	}
	return bitfield, ext
}

func hasAny(bf bitmap.Bitmap, numPieces int) bool {
	for i := 0; i < numPieces; i++ {
		if bf.Get(i) {
			return true
		}
	}
	return false
}

func (p *peer) keepAlive() {
	interval := p.opts.Config.KeepAliveInterval
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-ticker.C:
			// Send a keep alive if we haven't sent a message in a while
			if p.wire.GetLastMessageSent().Before(now.Add(-interval)) {
				if err := p.wire.SendKeepAlive(); err != nil {
					p.Close(err)
					return
				}
			}
		}
	}
}

// send queues a message for the writer goroutine and never blocks the
// caller.
func (p *peer) send(msg func(w wire.Wire) error) bool {
	select {
	case p.outbox <- msg:
		return true
	default:
		p.Close(fmt.Errorf("%d messages not sent: %w", SEND_QUEUE, torrent.ErrTimeout))
		return false
	}
}

func (p *peer) closedErr() error {
	if err := p.Err(); err != nil {
		return err
	}
	return net.ErrClosed
}

func (p *peer) writer() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.outbox:
			if err := msg(p.wire); err != nil {
				p.Close(err)
				return
			}
		}
	}
}

func (p *peer) upload() {
	for {
		var req piece.Request
		select {
		case <-p.ctx.Done():
			return
		case req = <-p.uploads:
		}

		p.Lock()
		wanted := p.pendingUploads[req] && !p.amChoking
		delete(p.pendingUploads, req)
		source := p.source
		p.Unlock()
		if !wanted || source == nil {
			continue
		}

		block, err := source.ReadBlock(req.Piece, req.Begin, req.Length)
		if err != nil {
			p.logger().WithError(err).Debug("cannot serve request")
			continue
		}
		if p.opts.Upload != nil {
			if err := p.opts.Upload.WaitN(p.ctx, len(block)); err != nil {
				return
			}
		}
		if err := p.wire.SendBlock(req.Piece, req.Begin, block); err != nil {
			p.Close(err)
			return
		}
		p.opts.Stats.UpdatePeer(p.id, len(block), 0)
	}
}

func (p *peer) AttachManifest(numPieces int, source BlockSource, infoBytes []byte) (bitmap.Bitmap, error) {
	p.Lock()
	defer p.Unlock()

	p.numPieces = numPieces
	p.source = source
	p.infoBytes = infoBytes

	have := bitmap.New(numPieces)
	if p.pendingField != nil {
		bf, err := wire.DecodeBitfield(p.pendingField, numPieces)
		if err != nil {
			return nil, err
		}
		have = bf
		p.pendingField = nil
	}
	for _, pieceIndex := range p.pendingHaves {
		if pieceIndex >= numPieces {
			return nil, fmt.Errorf("have for piece %d of %d: %w", pieceIndex, numPieces, torrent.ErrProtocolViolation)
		}
		have.Set(pieceIndex, true)
	}
	p.pendingHaves = nil
	p.remoteHave = have

	if p.greeted {
		// Too late for a bitfield; announce what we have piece by piece.
		go p.announce(source.Bitfield(), numPieces, len(infoBytes))
	}
	return bitmap.Bitmap(have.Data(true)), nil
}

func (p *peer) announce(bf bitmap.Bitmap, numPieces, metadataSize int) {
	select {
	case <-p.greetDone:
	case <-p.ctx.Done():
		return
	}
	for i := 0; i < numPieces; i++ {
		if bf.Get(i) {
			if err := p.wire.SendHave(i); err != nil {
				p.Close(err)
				return
			}
		}
	}
	if p.handshake.SupportsExtensions() {
		if err := p.wire.SendExtended(wire.EXT_HANDSHAKE, wire.EncodeExtHandshake(metadataSize, CLIENT_NAME)); err != nil {
			p.Close(err)
		}
	}
}

func (p *peer) SendRequest(req piece.Request) error {
	p.Lock()
	if p.State() != Active {
		p.Unlock()
		return fmt.Errorf("request on %s connection", p.State())
	}
	if p.peerChoking {
		p.Unlock()
		return fmt.Errorf("request while choked: %w", torrent.ErrThrottleViolation)
	}
	if _, ok := p.outstanding[req]; ok {
		p.Unlock()
		return nil
	}
	if len(p.outstanding) >= p.opts.Config.PipelineDepth {
		p.Unlock()
		return fmt.Errorf("%d requests in flight: %w", len(p.outstanding), torrent.ErrThrottleViolation)
	}
	p.outstanding[req] = time.Now()
	p.Unlock()

	if !p.send(func(w wire.Wire) error {
		return w.SendRequest(req.Piece, req.Begin, req.Length)
	}) {
		p.Lock()
		delete(p.outstanding, req)
		p.Unlock()
		return p.closedErr()
	}
	return nil
}

func (p *peer) Cancel(req piece.Request) {
	p.Lock()
	if _, ok := p.outstanding[req]; !ok {
		p.Unlock()
		return
	}
	delete(p.outstanding, req)
	p.Unlock()

	if p.State() == Active {
		p.send(func(w wire.Wire) error {
			return w.SendCancel(req.Piece, req.Begin, req.Length)
		})
	}
}

func (p *peer) Outstanding() []piece.Request {
	p.Lock()
	defer p.Unlock()

	reqs := make([]piece.Request, 0, len(p.outstanding))
	for req := range p.outstanding {
		reqs = append(reqs, req)
	}
	return reqs
}

func (p *peer) Slots() int {
	p.Lock()
	defer p.Unlock()

	if p.State() != Active || p.peerChoking {
		return 0
	}
	return p.opts.Config.PipelineDepth - len(p.outstanding)
}

func (p *peer) releaseOutstanding() []piece.Request {
	released := make([]piece.Request, 0, len(p.outstanding))
	for req := range p.outstanding {
		released = append(released, req)
	}
	p.outstanding = make(map[piece.Request]time.Time)
	return released
}

func (p *peer) Have(pieceIndex int) {
	if p.State() != Active {
		return
	}
	p.send(func(w wire.Wire) error {
		return w.SendHave(pieceIndex)
	})
}

func (p *peer) SetChoked(choked bool) {
	p.Lock()
	if p.State() != Active || p.amChoking == choked {
		p.Unlock()
		return
	}
	p.amChoking = choked
	if choked {
		p.pendingUploads = make(map[piece.Request]bool)
	}
	p.Unlock()

	p.send(func(w wire.Wire) error {
		if choked {
			return w.SendChoke()
		}
		return w.SendUnchoke()
	})
}

func (p *peer) SetInterested(interested bool) {
	p.Lock()
	if p.State() != Active || p.amInterested == interested {
		p.Unlock()
		return
	}
	p.amInterested = interested
	p.Unlock()

	p.send(func(w wire.Wire) error {
		if interested {
			return w.SendInterested()
		}
		return w.SendUnInterested()
	})
}

func (p *peer) AmChoking() bool {
	p.Lock()
	defer p.Unlock()

	return p.amChoking
}

func (p *peer) AmInterested() bool {
	p.Lock()
	defer p.Unlock()

	return p.amInterested
}

func (p *peer) PeerChoking() bool {
	p.Lock()
	defer p.Unlock()

	return p.peerChoking
}

func (p *peer) PeerInterested() bool {
	p.Lock()
	defer p.Unlock()

	return p.peerInterested
}

func (p *peer) SupportsMetadata() bool {
	p.Lock()
	defer p.Unlock()

	_, ok := p.extIDs[wire.UT_METADATA]
	return ok && p.metadataSize > 0
}

func (p *peer) MetadataSize() int {
	p.Lock()
	defer p.Unlock()

	return p.metadataSize
}

func (p *peer) RequestMetadataPiece(pieceIndex int) error {
	p.Lock()
	id, ok := p.extIDs[wire.UT_METADATA]
	p.Unlock()
	if !ok || p.State() != Active {
		return fmt.Errorf("peer %s cannot serve metadata", p.id)
	}
	msg := wire.EncodeMetadataMsg(&wire.MetadataMsg{
		Type:  wire.METADATA_REQUEST,
		Piece: pieceIndex,
	})
	if !p.send(func(w wire.Wire) error {
		return w.SendExtended(byte(id), msg)
	}) {
		return p.closedErr()
	}
	return nil
}

func (p *peer) decodeMessage(messageID uint8, payload []byte) error {
	p.Lock()
	first := !p.gotFirst
	p.gotFirst = true
	p.Unlock()

	switch messageID {
	case wire.CHOKE:
		p.Lock()
		p.peerChoking = true
		released := p.releaseOutstanding()
		p.Unlock()
		p.sendEvent(Event{Type: EventChoke, Released: released})
	case wire.UNCHOKE:
		p.Lock()
		p.peerChoking = false
		p.Unlock()
		p.sendEvent(Event{Type: EventUnchoke})
	case wire.INTERESTED:
		p.Lock()
		p.peerInterested = true
		p.Unlock()
		p.sendEvent(Event{Type: EventInterested})
	case wire.NOT_INTERESTED:
		p.Lock()
		p.peerInterested = false
		p.Unlock()
		p.sendEvent(Event{Type: EventNotInterested})
	case wire.HAVE:
		pieceIndex, err := wire.ParseHave(payload)
		if err != nil {
			return err
		}
		p.Lock()
		if p.remoteHave == nil {
			p.pendingHaves = append(p.pendingHaves, pieceIndex)
			p.Unlock()
			return nil
		}
		if pieceIndex >= p.numPieces {
			p.Unlock()
			return fmt.Errorf("have for piece %d of %d: %w", pieceIndex, p.numPieces, torrent.ErrProtocolViolation)
		}
		p.remoteHave.Set(pieceIndex, true)
		p.Unlock()
		p.sendEvent(Event{Type: EventHave, Piece: pieceIndex})
	case wire.BITFIELD:
		if !first {
			return fmt.Errorf("bitfield after first message: %w", torrent.ErrProtocolViolation)
		}
		p.Lock()
		if p.remoteHave == nil {
			p.pendingField = append([]byte(nil), payload...)
			p.Unlock()
			return nil
		}
		bf, err := wire.DecodeBitfield(payload, p.numPieces)
		if err != nil {
			p.Unlock()
			return err
		}
		p.remoteHave = bf
		p.Unlock()
		p.sendEvent(Event{Type: EventBitfield, Bitfield: bitmap.Bitmap(bf.Data(true))})
	case wire.REQUEST:
		pieceIndex, begin, length, err := wire.ParseRequest(payload)
		if err != nil {
			return err
		}
		if length > 2*torrent.BlockSize {
			return fmt.Errorf("request for %d bytes: %w", length, torrent.ErrProtocolViolation)
		}
		req := piece.Request{Piece: pieceIndex, Begin: begin, Length: length}
		p.Lock()
		// Requests while we choke the peer are ignored.
		if p.amChoking || p.source == nil || p.pendingUploads[req] {
			p.Unlock()
			return nil
		}
		select {
		case p.uploads <- req:
			p.pendingUploads[req] = true
		default:
			p.logger().Debug("upload queue full, request dropped")
		}
		p.Unlock()
	case wire.BLOCK:
		pieceIndex, begin, block, err := wire.ParseBlock(payload)
		if err != nil {
			return err
		}
		req := piece.Request{Piece: pieceIndex, Begin: begin, Length: len(block)}
		if p.opts.Download != nil {
			if err := p.opts.Download.WaitN(p.ctx, len(block)); err != nil {
				return p.Err()
			}
		}
		p.Lock()
		delete(p.outstanding, req)
		p.Unlock()
		p.opts.Stats.UpdatePeer(p.id, 0, len(block))
		p.sendEvent(Event{Type: EventBlock, Request: req, Data: bytes.Clone(block)})
	case wire.CANCEL:
		pieceIndex, begin, length, err := wire.ParseRequest(payload)
		if err != nil {
			return err
		}
		p.Lock()
		delete(p.pendingUploads, piece.Request{Piece: pieceIndex, Begin: begin, Length: length})
		p.Unlock()
	case wire.PORT:
		// DHT port announcements are not used
	case wire.EXTENDED:
		return p.decodeExtended(payload)
	default:
		p.logger().WithField("id", messageID).Debug("unknown message ignored")
	}
	return nil
}

func (p *peer) decodeExtended(payload []byte) error {
	if len(payload) < 1 {
		return fmt.Errorf("empty extended message: %w", torrent.ErrProtocolViolation)
	}
	switch payload[0] {
	case wire.EXT_HANDSHAKE:
		h, err := wire.ParseExtHandshake(payload[1:])
		if err != nil {
			return err
		}
		p.Lock()
		p.extIDs = h.M
		p.metadataSize = h.MetadataSize
		p.Unlock()
		p.sendEvent(Event{Type: EventExtHandshake})
	case wire.LOCAL_METADATA_ID:
		msg, err := wire.ParseMetadataMsg(payload[1:])
		if err != nil {
			return err
		}
		switch msg.Type {
		case wire.METADATA_REQUEST:
			go p.serveMetadata(msg.Piece)
		case wire.METADATA_DATA:
			p.sendEvent(Event{Type: EventMetadata, Piece: msg.Piece, Data: msg.Data})
		case wire.METADATA_REJECT:
			p.sendEvent(Event{Type: EventMetadataReject, Piece: msg.Piece})
		}
	}
	return nil
}

func (p *peer) serveMetadata(pieceIndex int) {
	p.Lock()
	id, ok := p.extIDs[wire.UT_METADATA]
	infoBytes := p.infoBytes
	p.Unlock()
	if !ok {
		return
	}
	reply := &wire.MetadataMsg{Type: wire.METADATA_REJECT, Piece: pieceIndex}
	if data, ok := metadata.Piece(infoBytes, pieceIndex); ok {
		reply = &wire.MetadataMsg{
			Type:      wire.METADATA_DATA,
			Piece:     pieceIndex,
			TotalSize: len(infoBytes),
			Data:      data,
		}
	}
	if err := p.wire.SendExtended(byte(id), wire.EncodeMetadataMsg(reply)); err != nil {
		p.Close(err)
	}
}

// IsClosedErr reports errors that only mean the connection went away.
func IsClosedErr(err error) bool {
	return err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, torrent.ErrSessionDestroyed)
}
