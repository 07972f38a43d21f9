package metadata

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"time"

	"github.com/Fjnieve/torrent-streamer/go-torrent/config"
	"github.com/Fjnieve/torrent-streamer/go-torrent/torrent"
	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "metadata")

// Peer is a connection able to serve ut_metadata.
type Peer interface {
	ID() string
	MetadataSize() int
	RequestMetadataPiece(pieceIndex int) error
}

type delivery struct {
	peerID   string
	piece    int
	data     []byte
	rejected bool
	gone     bool
}

// Resolver fetches the info dictionary of a magnet link from peers. It
// tries one peer at a time and moves on after a corrupt result, a reject,
// a disconnect or a timeout.
type Resolver struct {
	infoHash       [20]byte
	maxAttempts    int
	attemptTimeout time.Duration
	candidates     chan Peer
	deliveries     chan delivery
}

func NewResolver(infoHash [20]byte, cfg config.Config) *Resolver {
	return &Resolver{
		infoHash:       infoHash,
		maxAttempts:    cfg.MetadataAttempts,
		attemptTimeout: cfg.MetadataAttemptTimeout,
		candidates:     make(chan Peer, 64),
		deliveries:     make(chan delivery, 256),
	}
}

// Local parses a torrent descriptor; no peers are involved.
func Local(r io.Reader) (*torrent.Manifest, error) {
	return torrent.NewManifest(r)
}

// The notification methods never block the caller; when the resolver is
// not listening the notification is dropped.

func (r *Resolver) AddCandidate(p Peer) {
	select {
	case r.candidates <- p:
	default:
	}
}

func (r *Resolver) Deliver(peerID string, pieceIndex int, data []byte) {
	select {
	case r.deliveries <- delivery{peerID: peerID, piece: pieceIndex, data: data}:
	default:
	}
}

func (r *Resolver) Reject(peerID string, pieceIndex int) {
	select {
	case r.deliveries <- delivery{peerID: peerID, piece: pieceIndex, rejected: true}:
	default:
	}
}

func (r *Resolver) PeerGone(peerID string) {
	select {
	case r.deliveries <- delivery{peerID: peerID, gone: true}:
	default:
	}
}

func (r *Resolver) Resolve(ctx context.Context) (*torrent.Manifest, error) {
	tried := mapset.NewSet()
	attempts := 0
	for attempts < r.maxAttempts {
		var p Peer
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case p = <-r.candidates:
		}
		if tried.Contains(p.ID()) {
			continue
		}
		tried.Add(p.ID())
		attempts++

		m, err := r.attempt(ctx, p)
		if err == nil {
			log.WithFields(logrus.Fields{
				"peer":     p.ID(),
				"name":     m.Name,
				"attempts": attempts,
			}).Info("metadata resolved")
			return m, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.WithFields(logrus.Fields{
			"peer":    p.ID(),
			"attempt": attempts,
		}).WithError(err).Warn("metadata attempt failed")
	}
	return nil, fmt.Errorf("no valid metadata after %d attempts: %w", attempts, torrent.ErrMetadataCorrupt)
}

func (r *Resolver) attempt(ctx context.Context, p Peer) (*torrent.Manifest, error) {
	a, err := NewAssembler(p.MetadataSize())
	if err != nil {
		return nil, err
	}
	for i := 0; i < a.NumPieces(); i++ {
		if err := p.RequestMetadataPiece(i); err != nil {
			return nil, err
		}
	}

	timer := time.NewTimer(r.attemptTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("metadata from %s: %w", p.ID(), torrent.ErrTimeout)
		case d := <-r.deliveries:
			if d.peerID != p.ID() {
				continue
			}
			if d.gone {
				return nil, fmt.Errorf("peer %s disconnected", p.ID())
			}
			if d.rejected {
				return nil, fmt.Errorf("peer %s rejected metadata piece %d", p.ID(), d.piece)
			}
			complete, err := a.Write(d.piece, d.data)
			if err != nil {
				return nil, err
			}
			if !complete {
				continue
			}
			if sha1.Sum(a.Bytes()) != r.infoHash {
				return nil, fmt.Errorf("metadata from %s does not match info hash: %w", p.ID(), torrent.ErrMetadataCorrupt)
			}
			m, err := torrent.ParseInfo(a.Bytes())
			if err != nil {
				return nil, fmt.Errorf("%v: %w", err, torrent.ErrMetadataCorrupt)
			}
			return m, nil
		}
	}
}
