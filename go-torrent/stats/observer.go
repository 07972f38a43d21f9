package stats

import (
	"sync"
)

// Snapshot is what a session publishes on every stats interval.
type Snapshot struct {
	InfoHash        string
	Name            string
	DownloadSpeed   int
	UploadSpeed     int
	PeerCount       int
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	PiecesVerified  int
	NumPieces       int
	Progress        float64
	Done            bool
}

type Observer interface {
	Observe(s Snapshot)
}

type ObserverFunc func(s Snapshot)

func (f ObserverFunc) Observe(s Snapshot) {
	f(s)
}

// Broadcaster fans snapshots out to subscribed observers.
type Broadcaster struct {
	sync.RWMutex
	next      int
	observers map[int]Observer
	last      Snapshot
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{observers: make(map[int]Observer)}
}

// Subscribe registers o and returns a function that removes it.
func (b *Broadcaster) Subscribe(o Observer) func() {
	b.Lock()
	defer b.Unlock()

	id := b.next
	b.next++
	b.observers[id] = o
	return func() {
		b.Lock()
		defer b.Unlock()
		delete(b.observers, id)
	}
}

func (b *Broadcaster) Observe(s Snapshot) {
	b.Lock()
	b.last = s
	observers := make([]Observer, 0, len(b.observers))
	for _, o := range b.observers {
		observers = append(observers, o)
	}
	b.Unlock()

	for _, o := range observers {
		o.Observe(s)
	}
}

func (b *Broadcaster) Last() Snapshot {
	b.RLock()
	defer b.RUnlock()

	return b.last
}
