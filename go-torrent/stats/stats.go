package stats

import (
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/atomic"
)

// Stats keeps per-peer transfer counters and turns them into rates over a
// rolling window of PONDERATION_TIME ticks.
type Stats interface {
	UpdatePeer(id string, uploaded int, downloaded int)
	RemovePeer(id string)
	AddWasted(n int)
	// Tick closes the current window slot and recomputes rates.
	Tick() (peerStats map[string]PeerStat, clientStats ClientStats)
	GetPeerStats() (peerStats map[string]PeerStat)
	GetClientStats() ClientStats
	GetTrackerStats() (uploaded int64, downloaded int64, left int64)
	SetLeft(left int64)
}

const (
	PONDERATION_TIME = 10
)

type stats struct {
	sync.Mutex
	interval time.Duration

	uploaded   atomic.Int64
	downloaded atomic.Int64
	wasted     atomic.Int64
	left       atomic.Int64

	clientStats ClientStats
	clientSlots activity
	peerStats   map[string]*peerStat
}

type activity struct {
	upload   [PONDERATION_TIME]int
	download [PONDERATION_TIME]int
	i        int
}

// push stores the slot and returns the window sums.
func (a *activity) push(upload, download int) (int, int) {
	a.upload[a.i] = upload
	a.download[a.i] = download
	a.i = (a.i + 1) % PONDERATION_TIME
	return lo.Sum(a.upload[:]), lo.Sum(a.download[:])
}

// Rates are bytes per second.
type PeerStat struct {
	UploadRate   int
	DownloadRate int
	Uploaded     int64
	Downloaded   int64
}

type peerStat struct {
	PeerStat
	currentUpload   int
	currentDownload int
	slots           activity
}

type ClientStats struct {
	UploadRate   int
	DownloadRate int
	Uploaded     int64
	Downloaded   int64
	Wasted       int64
}

func NewStats(
	uploaded int64, downloaded int64, left int64, interval time.Duration) Stats {

	s := &stats{
		interval:  interval,
		peerStats: make(map[string]*peerStat),
	}
	s.uploaded.Store(uploaded)
	s.downloaded.Store(downloaded)
	s.left.Store(left)
	return s
}

func (s *stats) GetTrackerStats() (int64, int64, int64) {
	return s.uploaded.Load(), s.downloaded.Load(), s.left.Load()
}

func (s *stats) SetLeft(left int64) {
	s.left.Store(left)
}

func (s *stats) AddWasted(n int) {
	s.wasted.Add(int64(n))
}

func (s *stats) UpdatePeer(id string, uploaded int, downloaded int) {
	s.uploaded.Add(int64(uploaded))
	s.downloaded.Add(int64(downloaded))

	s.Lock()
	defer s.Unlock()

	ps, ok := s.peerStats[id]
	if !ok {
		ps = &peerStat{}
		s.peerStats[id] = ps
	}
	ps.currentUpload += uploaded
	ps.currentDownload += downloaded
	ps.Uploaded += int64(uploaded)
	ps.Downloaded += int64(downloaded)
}

func (s *stats) RemovePeer(id string) {
	s.Lock()
	defer s.Unlock()

	delete(s.peerStats, id)
}

func (s *stats) rate(sum int) int {
	window := time.Duration(PONDERATION_TIME) * s.interval
	if window <= 0 {
		return 0
	}
	return int(float64(sum) / window.Seconds())
}

func (s *stats) Tick() (map[string]PeerStat, ClientStats) {
	s.Lock()
	defer s.Unlock()

	clientCurrentUpload := 0
	clientCurrentDownload := 0
	for _, ps := range s.peerStats {
		up, down := ps.slots.push(ps.currentUpload, ps.currentDownload)
		ps.UploadRate = s.rate(up)
		ps.DownloadRate = s.rate(down)

		clientCurrentUpload += ps.currentUpload
		clientCurrentDownload += ps.currentDownload
		ps.currentUpload = 0
		ps.currentDownload = 0
	}

	up, down := s.clientSlots.push(clientCurrentUpload, clientCurrentDownload)
	s.clientStats = ClientStats{
		UploadRate:   s.rate(up),
		DownloadRate: s.rate(down),
		Uploaded:     s.uploaded.Load(),
		Downloaded:   s.downloaded.Load(),
		Wasted:       s.wasted.Load(),
	}
	return s.peerStatsLocked(), s.clientStats
}

func (s *stats) peerStatsLocked() map[string]PeerStat {
	out := make(map[string]PeerStat, len(s.peerStats))
	for id, ps := range s.peerStats {
		out[id] = ps.PeerStat
	}
	return out
}

func (s *stats) GetPeerStats() map[string]PeerStat {
	s.Lock()
	defer s.Unlock()

	return s.peerStatsLocked()
}

func (s *stats) GetClientStats() ClientStats {
	s.Lock()
	defer s.Unlock()

	return s.clientStats
}
