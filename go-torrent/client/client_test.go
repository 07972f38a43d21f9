package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Fjnieve/torrent-streamer/go-torrent/config"
	"github.com/Fjnieve/torrent-streamer/go-torrent/peer"
	"github.com/Fjnieve/torrent-streamer/go-torrent/stats"
	"github.com/Fjnieve/torrent-streamer/go-torrent/torrent"
	"github.com/Fjnieve/torrent-streamer/go-torrent/wire"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPieceLength = 32768

type fakeAddr string

func (a fakeAddr) Network() string { return "pipe" }
func (a fakeAddr) String() string  { return string(a) }

type addrConn struct {
	net.Conn
	remote fakeAddr
}

func (c *addrConn) RemoteAddr() net.Addr {
	return c.remote
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.DataDir = "/data"
	cfg.UsePublicTrackers = false
	cfg.UseDHT = false
	cfg.ScheduleInterval = 20 * time.Millisecond
	cfg.StatsInterval = 20 * time.Millisecond
	cfg.ChokeInterval = 20 * time.Millisecond
	cfg.MetadataAttemptTimeout = 2 * time.Second
	return cfg
}

type fixture struct {
	data        []byte
	torrentFile []byte
	infoHash    [20]byte
}

func newFixture(t *testing.T, seed int64) *fixture {
	data := make([]byte, 3*testPieceLength+500)
	rand.New(rand.NewSource(seed)).Read(data)
	info, err := torrent.BuildInfo("movie.mp4", testPieceLength, []torrent.FileData{{Data: data}})
	require.NoError(t, err)
	buf := &bytes.Buffer{}
	require.NoError(t, torrent.WriteTorrent(buf, nil, info))
	m, err := torrent.ParseInfo(info)
	require.NoError(t, err)
	return &fixture{data: data, torrentFile: buf.Bytes(), infoHash: m.InfoHash}
}

func (f *fixture) magnet() string {
	return "magnet:?xt=urn:btih:" + hex.EncodeToString(f.infoHash[:]) + "&dn=movie.mp4"
}

// network connects clients over in-memory pipes, routing by address.
type network struct {
	sync.Mutex
	clients map[string]*Client
}

func (n *network) dialer(from string) peer.Dialer {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		n.Lock()
		target := n.clients[addr]
		n.Unlock()

		c1, c2 := net.Pipe()
		go func() {
			w := wire.NewWire(&addrConn{Conn: c2, remote: fakeAddr(from)}, 5*time.Second, 1<<17)
			hs, err := w.ReadHandshake(time.Second)
			if err != nil || target == nil {
				w.Close()
				return
			}
			acceptor, ok := target.Route(hs.InfoHash)
			if !ok {
				w.Close()
				return
			}
			acceptor.AddConn(w, hs)
		}()
		return &addrConn{Conn: c1, remote: fakeAddr(addr)}, nil
	}
}

func newClient(t *testing.T, n *network, addr string, fs afero.Fs) *Client {
	peerID := [20]byte{}
	copy(peerID[:], addr)
	c, err := NewClient(Options{
		Config: testConfig(),
		PeerID: &peerID,
		Fs:     fs,
		Dialer: n.dialer(addr),
	})
	require.NoError(t, err)
	n.Lock()
	n.clients[addr] = c
	n.Unlock()
	t.Cleanup(func() { c.Close() })
	return c
}

// newSeeder starts a client whose storage already holds the content.
func newSeeder(t *testing.T, n *network, f *fixture) *Client {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/movie.mp4", f.data, 0644))
	c := newClient(t, n, "seeder:6881", fs)
	s, err := c.AddTorrent(bytes.NewReader(f.torrentFile))
	require.NoError(t, err)
	wait(t, s.Completed(), "seeder did not resume")
	return c
}

func wait(t *testing.T, ch <-chan struct{}, msg string) {
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		require.FailNow(t, msg)
	}
}

func TestClientDownloadAndStream(t *testing.T) {
	f := newFixture(t, 1)
	n := &network{clients: map[string]*Client{}}
	newSeeder(t, n, f)
	fs := afero.NewMemMapFs()
	leecher := newClient(t, n, "leecher:6881", fs)

	s, err := leecher.AddTorrent(bytes.NewReader(f.torrentFile))
	require.NoError(t, err)
	s.AddPeers([]string{"seeder:6881"})

	r, err := s.NewReader(0)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, f.data, got)

	wait(t, s.Completed(), "download did not complete")
	files, err := s.Files()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "movie.mp4", files[0].Path)
	assert.Equal(t, int64(len(f.data)), files[0].Length)
	assert.Equal(t, float32(100), files[0].PercentageComplete())

	onDisk, err := afero.ReadFile(fs, "/data/movie.mp4")
	require.NoError(t, err)
	assert.Equal(t, f.data, onDisk)
}

func TestClientMagnet(t *testing.T) {
	f := newFixture(t, 2)
	n := &network{clients: map[string]*Client{}}
	newSeeder(t, n, f)
	leecher := newClient(t, n, "leecher:6881", afero.NewMemMapFs())

	s, err := leecher.AddMagnet(f.magnet())
	require.NoError(t, err)
	assert.Nil(t, s.Manifest())
	_, err = s.Files()
	assert.ErrorIs(t, err, torrent.ErrNotYetAvailable)
	_, err = s.NewReader(0)
	assert.ErrorIs(t, err, torrent.ErrNotYetAvailable)

	s.AddPeers([]string{"seeder:6881"})
	wait(t, s.GotInfo(), "metadata was not resolved")
	assert.Equal(t, "movie.mp4", s.Name())
	assert.Equal(t, f.infoHash, s.Manifest().InfoHash)
	wait(t, s.Completed(), "download did not complete")
}

func TestClientRegistry(t *testing.T) {
	f := newFixture(t, 3)
	other := newFixture(t, 4)
	n := &network{clients: map[string]*Client{}}
	c := newClient(t, n, "client:6881", afero.NewMemMapFs())

	s, err := c.AddTorrent(bytes.NewReader(f.torrentFile))
	require.NoError(t, err)
	again, err := c.AddTorrent(bytes.NewReader(f.torrentFile))
	require.NoError(t, err)
	assert.Same(t, s, again)
	byMagnet, err := c.AddMagnet(f.magnet())
	require.NoError(t, err)
	assert.Same(t, s, byMagnet)

	o, err := c.AddTorrent(bytes.NewReader(other.torrentFile))
	require.NoError(t, err)
	assert.Len(t, c.Sessions(), 2)
	found, ok := c.Session(hex.EncodeToString(f.infoHash[:]))
	require.True(t, ok)
	assert.Same(t, s, found)

	require.NoError(t, c.Remove(s.ID()))
	wait(t, s.Done(), "session did not stop")
	assert.ErrorIs(t, s.Err(), torrent.ErrSessionDestroyed)
	assert.Error(t, c.Remove(s.ID()))
	_, ok = c.Session(s.ID())
	assert.False(t, ok)

	// the other session keeps running
	select {
	case <-o.Done():
		assert.Fail(t, "unrelated session stopped")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Len(t, c.Sessions(), 1)

	require.NoError(t, c.Close())
	wait(t, o.Done(), "close did not stop every session")
	_, err = c.AddTorrent(bytes.NewReader(f.torrentFile))
	assert.ErrorIs(t, err, torrent.ErrSessionDestroyed)
}

func TestClientDuplicateReleasesContext(t *testing.T) {
	f := newFixture(t, 6)
	n := &network{clients: map[string]*Client{}}
	c := newClient(t, n, "client:6881", afero.NewMemMapFs())

	s, err := c.AddTorrent(bytes.NewReader(f.torrentFile))
	require.NoError(t, err)

	dup := newSession(c, f.infoHash, "movie.mp4", nil, nil, nil)
	got, err := c.add(dup)
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.ErrorIs(t, dup.ctx.Err(), context.Canceled)
	assert.NoError(t, s.ctx.Err())
}

func TestSessionDestroyWakesReader(t *testing.T) {
	f := newFixture(t, 5)
	n := &network{clients: map[string]*Client{}}
	c := newClient(t, n, "client:6881", afero.NewMemMapFs())
	s, err := c.AddTorrent(bytes.NewReader(f.torrentFile))
	require.NoError(t, err)
	wait(t, s.GotInfo(), "manifest was not attached")

	r, err := s.NewReader(0)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, err := r.Read(make([]byte, 100))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s.Destroy()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, torrent.ErrSessionDestroyed)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "pending read was not woken")
	}
	_, err = s.NewReader(0)
	assert.ErrorIs(t, err, torrent.ErrSessionDestroyed)
	s.Destroy()
}

func TestSessionResumePublishesStats(t *testing.T) {
	f := newFixture(t, 6)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/movie.mp4", f.data, 0644))
	n := &network{clients: map[string]*Client{}}
	c := newClient(t, n, "client:6881", fs)
	s, err := c.AddTorrent(bytes.NewReader(f.torrentFile))
	require.NoError(t, err)

	snapshots := make(chan stats.Snapshot, 16)
	unsubscribe := s.Subscribe(stats.ObserverFunc(func(snap stats.Snapshot) {
		select {
		case snapshots <- snap:
		default:
		}
	}))
	defer unsubscribe()

	wait(t, s.Completed(), "resume did not verify the content")
	assert.Eventually(t, func() bool {
		select {
		case snap := <-snapshots:
			return snap.Done && snap.Progress == 1 && snap.NumPieces == 4
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, s.Snapshot().BytesDownloaded)
}

func TestHTTPServeMux(t *testing.T) {
	f := newFixture(t, 7)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/movie.mp4", f.data, 0644))
	n := &network{clients: map[string]*Client{}}
	c := newClient(t, n, "client:6881", fs)
	server := httptest.NewServer(NewHTTPServeMux(c))
	defer server.Close()

	resp, err := http.Post(server.URL+"/torrents", "application/x-bittorrent", bytes.NewReader(f.torrentFile))
	require.NoError(t, err)
	created := sessionJSON{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, hex.EncodeToString(f.infoHash[:]), created.ID)

	s, ok := c.Session(created.ID)
	require.True(t, ok)
	wait(t, s.Completed(), "resume did not verify the content")

	resp, err = http.Get(server.URL + "/torrents/" + created.ID + "/files")
	require.NoError(t, err)
	files := []fileJSON{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&files))
	resp.Body.Close()
	require.Len(t, files, 1)
	assert.Equal(t, "movie.mp4", files[0].Path)

	req, err := http.NewRequest(http.MethodGet, server.URL+files[0].URL, nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=40000-40099")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, f.data[40000:40100], body)

	resp, err = http.Get(server.URL + "/torrents/nope/files")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err = http.NewRequest(http.MethodDelete, server.URL+"/torrents/"+created.ID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, c.Sessions())
}
