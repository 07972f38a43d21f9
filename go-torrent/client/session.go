package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Fjnieve/torrent-streamer/go-torrent/metadata"
	"github.com/Fjnieve/torrent-streamer/go-torrent/peer"
	"github.com/Fjnieve/torrent-streamer/go-torrent/piece"
	"github.com/Fjnieve/torrent-streamer/go-torrent/stats"
	"github.com/Fjnieve/torrent-streamer/go-torrent/storage"
	"github.com/Fjnieve/torrent-streamer/go-torrent/stream"
	"github.com/Fjnieve/torrent-streamer/go-torrent/torrent"
	"github.com/Fjnieve/torrent-streamer/go-torrent/tracker"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Session downloads, verifies and seeds one torrent. Sessions are
// independent: destroying one never touches another.
type Session struct {
	client   *Client
	id       string
	infoHash [20]byte
	tiers    [][]string
	hints    []string
	local    *torrent.Manifest

	stats       stats.Stats
	broadcaster *stats.Broadcaster
	resolver    *metadata.Resolver
	swarm       *peer.Swarm
	tracker     *tracker.Tracker

	ctx         context.Context
	cancel      context.CancelFunc
	gotInfo     chan struct{}
	done        chan struct{}
	startOnce   sync.Once
	destroyOnce sync.Once

	mu        sync.RWMutex
	name      string
	content   *peer.Content
	err       error
	destroyed bool
}

func newSession(
	c *Client,
	infoHash [20]byte,
	name string,
	tiers [][]string,
	hints []string,
	local *torrent.Manifest) *Session {

	ctx, cancel := context.WithCancel(c.ctx)
	s := &Session{
		client:      c,
		id:          hex.EncodeToString(infoHash[:]),
		infoHash:    infoHash,
		name:        name,
		tiers:       tiers,
		hints:       hints,
		local:       local,
		stats:       stats.NewStats(0, 0, 0, c.cfg.StatsInterval),
		broadcaster: stats.NewBroadcaster(),
		resolver:    metadata.NewResolver(infoHash, c.cfg),
		ctx:         ctx,
		cancel:      cancel,
		gotInfo:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	opts := peer.SwarmOptions{
		InfoHash: infoHash,
		Name:     name,
		PeerID:   c.peerID,
		Config:   c.cfg,
		Dialer:   c.dialer,
		Stats:    s.stats,
		Pool:     c.pool,
		Observer: s.broadcaster,
		Limits:   peer.NewLimits(c.cfg.DownloadLimit, c.cfg.UploadLimit, c.cfg.MaxMessageLength),
	}
	if local == nil {
		opts.Metadata = s.resolver
	}
	s.swarm = peer.NewSwarm(opts)
	if c.cfg.UseTrackers {
		s.tracker = tracker.NewTracker(
			infoHash,
			c.peerID,
			c.port,
			c.cfg.AnnounceList(tiers),
			s.swarm,
			s.stats)
	}
	return s
}

func (s *Session) logger() *logrus.Entry {
	return log.WithField("session", s.id[:8])
}

func (s *Session) sources() []tracker.Source {
	sources := []tracker.Source{}
	if s.tracker != nil {
		sources = append(sources, s.tracker)
	}
	if s.client.dht != nil {
		sources = append(sources, s.client.dht.Lookup(s.infoHash, s.swarm))
	}
	return sources
}

func (s *Session) start() {
	s.startOnce.Do(func() {
		g, ctx := errgroup.WithContext(s.ctx)
		g.Go(func() error {
			return s.swarm.Run(ctx)
		})
		g.Go(func() error {
			return s.load(ctx)
		})
		for _, src := range s.sources() {
			src := src
			g.Go(func() error {
				// losing a peer source is not fatal to the session
				if err := src.Run(ctx); err != nil {
					s.logger().WithError(err).Warn("peer source stopped")
				}
				return nil
			})
		}
		if len(s.hints) > 0 {
			s.swarm.AddPeers(s.hints)
		}
		go func() {
			s.finish(g.Wait())
		}()
	})
}

// load resolves the manifest if needed, attaches storage and waits for the
// download to complete.
func (s *Session) load(ctx context.Context) error {
	m := s.local
	if m == nil {
		var err error
		m, err = s.resolver.Resolve(ctx)
		if err != nil {
			return err
		}
	}
	if err := s.attach(m); err != nil {
		return err
	}

	select {
	case <-s.swarm.Completed():
		s.logger().WithField("name", m.Name).Info("download complete, seeding")
		if s.tracker != nil {
			s.tracker.Completed()
		}
	case <-ctx.Done():
	}
	return nil
}

func (s *Session) backend(m *torrent.Manifest) (storage.Backend, error) {
	if s.client.fs != nil {
		return storage.NewFileBackend(s.client.fs, s.client.cfg.DataDir, m)
	}
	return storage.NewDefaultBackend(s.client.cfg.DataDir, m)
}

func (s *Session) attach(m *torrent.Manifest) error {
	backend, err := s.backend(m)
	if err != nil {
		return err
	}
	store := storage.NewPieceStore(m, backend)
	verified, err := store.Verify()
	if err != nil {
		store.Close()
		return fmt.Errorf("resume check: %v", err)
	}
	bt := piece.NewBitfieldTracker(m.NumPieces())
	for _, pieceIndex := range verified {
		bt.MarkHave(pieceIndex)
	}
	content := &peer.Content{
		Manifest:  m,
		Store:     store,
		Tracker:   bt,
		Scheduler: piece.NewScheduler(m, bt, s.client.cfg),
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		store.Close()
		return torrent.ErrSessionDestroyed
	}
	s.content = content
	s.name = m.Name
	s.mu.Unlock()
	close(s.gotInfo)

	s.logger().WithFields(logrus.Fields{
		"name":     m.Name,
		"pieces":   m.NumPieces(),
		"resumed":  len(verified),
		"length":   m.Length,
		"numFiles": len(m.Files),
	}).Info("manifest attached")
	s.swarm.SetManifest(content)
	return nil
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	if s.destroyed || errors.Is(err, context.Canceled) {
		err = torrent.ErrSessionDestroyed
	}
	s.err = err
	s.destroyed = true
	content := s.content
	s.mu.Unlock()

	if content != nil {
		// wakes pending readers
		content.Store.Close()
	}
	if !errors.Is(err, torrent.ErrSessionDestroyed) {
		s.logger().WithError(err).Error("session failed")
	}
	s.cancel()
	close(s.done)
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) InfoHash() [20]byte {
	return s.infoHash
}

func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.name
}

// GotInfo is closed once the manifest is known and storage is attached.
func (s *Session) GotInfo() <-chan struct{} {
	return s.gotInfo
}

// Manifest is nil until GotInfo is closed.
func (s *Session) Manifest() *torrent.Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.content == nil {
		return nil
	}
	return s.content.Manifest
}

func (s *Session) loaded() (*peer.Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.destroyed {
		return nil, torrent.ErrSessionDestroyed
	}
	if s.content == nil {
		return nil, torrent.ErrNotYetAvailable
	}
	return s.content, nil
}

// Files lists the files of the torrent. It fails with ErrNotYetAvailable
// before the manifest is known.
func (s *Session) Files() ([]File, error) {
	content, err := s.loaded()
	if err != nil {
		return nil, err
	}
	files := make([]File, 0, len(content.Manifest.Files))
	for i, f := range content.Manifest.Files {
		files = append(files, File{
			Index:   i,
			Path:    f.Path,
			Offset:  f.Offset,
			Length:  f.Length,
			content: content,
		})
	}
	return files, nil
}

// NewReader opens a streaming reader on one file. Reading steers the
// download towards the reader's position.
func (s *Session) NewReader(fileIndex int) (*stream.Reader, error) {
	return s.newReader(s.ctx, fileIndex)
}

func (s *Session) newReader(ctx context.Context, fileIndex int) (*stream.Reader, error) {
	content, err := s.loaded()
	if err != nil {
		return nil, err
	}
	if ctx != s.ctx {
		// the reader ends with whichever of ctx and the session ends first
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		stop := context.AfterFunc(s.ctx, cancel)
		context.AfterFunc(ctx, func() {
			stop()
		})
	}
	return stream.NewReader(ctx, content.Manifest, fileIndex, content.Store, content.Scheduler, s.swarm.Schedule)
}

// Handler serves one file over HTTP with Range support.
func (s *Session) Handler(fileIndex int) http.Handler {
	return stream.NewHandler(func(ctx context.Context) (*stream.Reader, error) {
		return s.newReader(ctx, fileIndex)
	})
}

// AddPeers hands addresses straight to the swarm.
func (s *Session) AddPeers(addrs []string) {
	s.swarm.AddPeers(addrs)
}

// Subscribe registers a statistics observer; the returned function removes
// it.
func (s *Session) Subscribe(o stats.Observer) func() {
	return s.broadcaster.Subscribe(o)
}

func (s *Session) Snapshot() stats.Snapshot {
	return s.swarm.Snapshot()
}

func (s *Session) PeerCount() int {
	return s.swarm.PeerCount()
}

// Completed is closed once every piece is verified.
func (s *Session) Completed() <-chan struct{} {
	return s.swarm.Completed()
}

// Done is closed when the session has stopped, after Destroy or a fatal
// error such as exhausted metadata attempts.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.err
}

// Destroy stops the session. Pending reads fail with ErrSessionDestroyed.
func (s *Session) Destroy() {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		s.destroyed = true
		s.mu.Unlock()
		s.cancel()
	})
	s.start()
	<-s.done
}
