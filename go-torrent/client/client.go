package client

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/Fjnieve/torrent-streamer/go-torrent/config"
	"github.com/Fjnieve/torrent-streamer/go-torrent/metadata"
	"github.com/Fjnieve/torrent-streamer/go-torrent/peer"
	"github.com/Fjnieve/torrent-streamer/go-torrent/server"
	"github.com/Fjnieve/torrent-streamer/go-torrent/torrent"
	"github.com/Fjnieve/torrent-streamer/go-torrent/tracker"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

var log = logrus.WithField("component", "client")

type Options struct {
	Config config.Config
	// PeerID defaults to torrent.PEER_ID.
	PeerID *[20]byte
	// Fs holds downloaded data. Nil means the local filesystem.
	Fs afero.Fs
	// Dialer defaults to TCP.
	Dialer peer.Dialer
	// Listen starts the inbound peer server on Config.ListenPort.
	Listen bool
}

// Client is a registry of independent sessions. The connection pool is the
// only state they share.
type Client struct {
	cfg      config.Config
	peerID   [20]byte
	fs       afero.Fs
	dialer   peer.Dialer
	pool     *semaphore.Weighted
	sessions *xsync.Map[string, *Session]
	server   server.Server
	port     int
	dht      *tracker.DHT
	ctx      context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool
}

func NewClient(opts Options) (*Client, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      opts.Config,
		peerID:   torrent.PEER_ID,
		fs:       opts.Fs,
		dialer:   opts.Dialer,
		pool:     semaphore.NewWeighted(int64(opts.Config.MaxConnections)),
		sessions: xsync.NewMap[string, *Session](),
		ctx:      ctx,
		cancel:   cancel,
	}
	if opts.PeerID != nil {
		c.peerID = *opts.PeerID
	}
	if c.dialer == nil {
		c.dialer = peer.TCPDialer(c.cfg.DialTimeout)
	}

	if opts.Listen {
		sv, err := server.NewServer(
			c.cfg.ListenPort,
			c,
			c.cfg.HandshakeTimeout,
			c.cfg.IdleTimeout,
			c.cfg.MaxMessageLength)
		if err != nil {
			cancel()
			return nil, err
		}
		c.server = sv
		c.port = sv.GetServerPort()
		go func() {
			if err := sv.Serve(ctx); err != nil {
				log.WithError(err).Error("peer listener failed")
			}
		}()
	}

	if c.cfg.UseDHT {
		// one node serves every session; it binds the peer port only when
		// there is a listener behind it
		c.dht = tracker.NewDHT(c.port, c.port > 0)
		go func() {
			if err := c.dht.Run(ctx); err != nil {
				log.WithError(err).Error("dht node failed")
			}
		}()
	}
	return c, nil
}

// Route hands inbound connections to the session of their info hash.
func (c *Client) Route(infoHash [20]byte) (server.Acceptor, bool) {
	s, ok := c.sessions.Load(hex.EncodeToString(infoHash[:]))
	if !ok {
		return nil, false
	}
	return s.swarm, true
}

// AddTorrent starts a session for a torrent descriptor. Adding a torrent
// that is already registered returns the existing session.
func (c *Client) AddTorrent(r io.Reader) (*Session, error) {
	m, err := metadata.Local(r)
	if err != nil {
		return nil, err
	}
	return c.add(newSession(c, m.InfoHash, m.Name, m.Announce, nil, m))
}

// AddMagnet starts a session whose manifest is fetched from peers.
func (c *Client) AddMagnet(uri string) (*Session, error) {
	mu, err := torrent.ParseMagnetURI(uri)
	if err != nil {
		return nil, err
	}
	tiers := lo.Map(mu.Trackers, func(tr string, _ int) []string {
		return []string{tr}
	})
	return c.add(newSession(c, mu.InfoHash, mu.Name, tiers, mu.Peers, nil))
}

func (c *Client) add(s *Session) (*Session, error) {
	if c.closed.Load() {
		return nil, torrent.ErrSessionDestroyed
	}
	existing, loaded := c.sessions.LoadOrStore(s.ID(), s)
	if loaded {
		// s never started; release its context
		s.cancel()
		return existing, nil
	}
	log.WithFields(logrus.Fields{
		"session": s.ID(),
		"name":    s.name,
	}).Info("session added")
	s.start()
	return s, nil
}

func (c *Client) Session(id string) (*Session, bool) {
	return c.sessions.Load(id)
}

func (c *Client) Sessions() []*Session {
	sessions := make([]*Session, 0, c.sessions.Size())
	c.sessions.Range(func(_ string, s *Session) bool {
		sessions = append(sessions, s)
		return true
	})
	return sessions
}

// Remove destroys one session. The other sessions are not affected.
func (c *Client) Remove(id string) error {
	s, ok := c.sessions.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("no session %s", id)
	}
	s.Destroy()
	return nil
}

// ListenPort is the port announced to trackers, or 0 without a listener.
func (c *Client) ListenPort() int {
	return c.port
}

// Close destroys every session and stops the listener.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, s := range c.Sessions() {
		c.sessions.Delete(s.ID())
		s.Destroy()
	}
	c.cancel()
	if c.server != nil {
		return c.server.Close()
	}
	return nil
}
