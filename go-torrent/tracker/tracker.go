package tracker

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var log = logrus.WithField("component", "tracker")

// Announce events, numbered as in the UDP tracker protocol.
const (
	NONE      = 0
	COMPLETED = 1
	STARTED   = 2
	STOPPED   = 3
)

const (
	NUMWANT          = 50
	DEFAULT_INTERVAL = 30 * time.Minute
	MIN_INTERVAL     = time.Minute
	RETRY_INTERVAL   = 30 * time.Second
	STOP_TIMEOUT     = 5 * time.Second
)

// Sink receives peer addresses found by a Source.
type Sink interface {
	AddPeers(addrs []string)
}

// Counters reports the transfer totals sent with each announce.
type Counters interface {
	GetTrackerStats() (uploaded, downloaded, left int64)
}

// Source discovers peers for one torrent until ctx is cancelled.
type Source interface {
	Run(ctx context.Context) error
}

type Request struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Key        int32
	NumWant    int32
	Event      int
	Uploaded   int64
	Downloaded int64
	Left       int64
}

type Response struct {
	Interval time.Duration
	Leechers int32
	Seeders  int32
	Peers    []string
}

// Announcer performs a single announce against one tracker URL.
type Announcer interface {
	Announce(ctx context.Context, trackerURL string, req *Request) (*Response, error)
}

// Tracker announces to every tier of an announce list. Tiers run side by
// side; inside a tier the first tracker that answers moves to the front.
type Tracker struct {
	infoHash  [20]byte
	peerID    [20]byte
	port      uint16
	key       int32
	tiers     [][]string
	sink      Sink
	counters  Counters
	http      Announcer
	udp       Announcer
	completed chan struct{}
	once      sync.Once
}

func NewTracker(
	infoHash, peerID [20]byte,
	port int,
	tiers [][]string,
	sink Sink,
	counters Counters) *Tracker {

	copied := make([][]string, 0, len(tiers))
	for _, tier := range tiers {
		copied = append(copied, append([]string{}, tier...))
	}
	return &Tracker{
		infoHash:  infoHash,
		peerID:    peerID,
		port:      uint16(port),
		key:       rand.Int31(),
		tiers:     copied,
		sink:      sink,
		counters:  counters,
		http:      NewHTTPAnnouncer(),
		udp:       NewUDPAnnouncer(),
		completed: make(chan struct{}),
	}
}

// Completed sends a completed event to every tier that is connected.
func (tr *Tracker) Completed() {
	tr.once.Do(func() {
		close(tr.completed)
	})
}

func (tr *Tracker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range tr.tiers {
		tier := tr.tiers[i]
		g.Go(func() error {
			tr.runTier(ctx, tier)
			return nil
		})
	}
	return g.Wait()
}

func (tr *Tracker) announcerFor(trackerURL string) (Announcer, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "udp":
		return tr.udp, nil
	case "http", "https":
		return tr.http, nil
	}
	return nil, fmt.Errorf("unsupported tracker scheme %q", u.Scheme)
}

func (tr *Tracker) request(event int) *Request {
	uploaded, downloaded, left := tr.counters.GetTrackerStats()
	return &Request{
		InfoHash:   tr.infoHash,
		PeerID:     tr.peerID,
		Port:       tr.port,
		Key:        tr.key,
		NumWant:    NUMWANT,
		Event:      event,
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
	}
}

// announceTier tries each tracker of the tier in order and promotes the
// first one that answers.
func (tr *Tracker) announceTier(ctx context.Context, tier []string, event int) (*Response, error) {
	var lastErr error
	for i, trackerURL := range tier {
		announcer, err := tr.announcerFor(trackerURL)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := announcer.Announce(ctx, trackerURL, tr.request(event))
		if err != nil {
			log.WithFields(logrus.Fields{
				"tracker": trackerURL,
				"event":   event,
			}).WithError(err).Debug("announce failed")
			lastErr = err
			continue
		}
		copy(tier[1:i+1], tier[:i])
		tier[0] = trackerURL

		log.WithFields(logrus.Fields{
			"tracker":  trackerURL,
			"event":    event,
			"peers":    len(resp.Peers),
			"seeders":  resp.Seeders,
			"leechers": resp.Leechers,
		}).Debug("announced")
		if len(resp.Peers) > 0 && event != STOPPED {
			tr.sink.AddPeers(resp.Peers)
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("empty tier")
	}
	return nil, lastErr
}

func (tr *Tracker) runTier(ctx context.Context, tier []string) {
	event := STARTED
	completed := tr.completed
	wait := time.Duration(0)
	started := false

	for {
		select {
		case <-ctx.Done():
			if started {
				// the session context is gone, so the stop gets its own
				stopCtx, cancel := context.WithTimeout(context.Background(), STOP_TIMEOUT)
				tr.announceTier(stopCtx, tier, STOPPED)
				cancel()
			}
			return
		case <-completed:
			completed = nil
			if !started {
				continue
			}
			event = COMPLETED
		case <-time.After(wait):
		}

		resp, err := tr.announceTier(ctx, tier, event)
		if err != nil {
			if ctx.Err() == nil {
				log.WithField("tier", tier).WithError(err).Info("tier unreachable")
			}
			wait = RETRY_INTERVAL
			continue
		}
		started = true
		event = NONE
		wait = resp.Interval
		if wait < MIN_INTERVAL {
			wait = MIN_INTERVAL
		}
	}
}
