package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestRollingRates(t *testing.T) {
	s := NewStats(0, 0, 1000, time.Second)

	s.UpdatePeer("a", 0, 10000)
	s.UpdatePeer("b", 500, 0)
	peers, client := s.Tick()

	// one slot of ten holds data: 10000 bytes over a 10s window
	assert.Equal(t, 1000, peers["a"].DownloadRate)
	assert.Equal(t, 50, peers["b"].UploadRate)
	assert.Equal(t, 1000, client.DownloadRate)
	assert.Equal(t, 50, client.UploadRate)
	assert.Equal(t, int64(10000), client.Downloaded)

	for i := 0; i < PONDERATION_TIME; i++ {
		peers, client = s.Tick()
	}
	assert.Equal(t, 0, peers["a"].DownloadRate)
	assert.Equal(t, 0, client.DownloadRate)
	assert.Equal(t, int64(10000), peers["a"].Downloaded)

	s.RemovePeer("a")
	_, ok := s.GetPeerStats()["a"]
	assert.False(t, ok)

	s.AddWasted(16)
	s.SetLeft(10)
	_, client = s.Tick()
	assert.Equal(t, int64(16), client.Wasted)
	up, down, left := s.GetTrackerStats()
	assert.Equal(t, []int64{500, 10000, 10}, []int64{up, down, left})
	assert.Equal(t, client, s.GetClientStats())
}

type mockObserver struct {
	mock.Mock
}

func (m *mockObserver) Observe(s Snapshot) {
	m.Called(s)
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster()
	o := &mockObserver{}
	snap := Snapshot{PeerCount: 3, Progress: 0.5}
	o.On("Observe", snap).Return().Once()

	seen := 0
	unsubscribe := b.Subscribe(o)
	b.Subscribe(ObserverFunc(func(s Snapshot) { seen++ }))
	b.Observe(snap)
	unsubscribe()
	b.Observe(Snapshot{PeerCount: 4})

	o.AssertExpectations(t)
	assert.Equal(t, 2, seen)
	assert.Equal(t, 4, b.Last().PeerCount)
}
