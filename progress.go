package main

import (
	"fmt"
	"sync"

	"github.com/Fjnieve/torrent-streamer/go-torrent/stats"
	"github.com/dustin/go-humanize"
	"github.com/gosuri/uiprogress"
)

const PROGRESS_STEPS = 1000

// progress renders session snapshots as a terminal progress bar.
type progress struct {
	sync.Mutex
	bar  *uiprogress.Bar
	last stats.Snapshot
}

func newProgress(name string) *progress {
	p := &progress{}
	uiprogress.Start()
	p.bar = uiprogress.AddBar(PROGRESS_STEPS)
	p.bar.PrependFunc(func(b *uiprogress.Bar) string {
		if s := p.snapshot(); s.Name != "" {
			return s.Name
		}
		return name
	})
	p.bar.AppendCompleted()
	p.bar.AppendFunc(func(b *uiprogress.Bar) string {
		s := p.snapshot()
		return fmt.Sprintf("pieces: %d/%d", s.PiecesVerified, s.NumPieces)
	})
	p.bar.AppendFunc(func(b *uiprogress.Bar) string {
		s := p.snapshot()
		return fmt.Sprintf("peers: %d down: %s/s up: %s/s",
			s.PeerCount,
			humanize.Bytes(uint64(s.DownloadSpeed)),
			humanize.Bytes(uint64(s.UploadSpeed)))
	})
	p.bar.AppendElapsed()
	return p
}

func (p *progress) snapshot() stats.Snapshot {
	p.Lock()
	defer p.Unlock()
	return p.last
}

func (p *progress) Observe(s stats.Snapshot) {
	p.Lock()
	p.last = s
	p.Unlock()
	p.bar.Set(int(s.Progress * PROGRESS_STEPS))
}

func (p *progress) Stop() {
	uiprogress.Stop()
}
