package server

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/Fjnieve/torrent-streamer/go-torrent/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	knownHash   = [20]byte{1}
	unknownHash = [20]byte{2}
)

type accepted struct {
	w  wire.Wire
	hs *wire.Handshake
}

type acceptor struct {
	conns chan accepted
}

func (a *acceptor) AddConn(w wire.Wire, hs *wire.Handshake) {
	a.conns <- accepted{w, hs}
}

type mockRouter struct {
	mock.Mock
}

func (m *mockRouter) Route(infoHash [20]byte) (Acceptor, bool) {
	args := m.Called(infoHash)
	a, _ := args.Get(0).(Acceptor)
	return a, args.Bool(1)
}

func startServer(t *testing.T, router Router) (Server, chan error) {
	old := listen
	listen = func(network, address string) (net.Listener, error) {
		return net.Listen("tcp4", "127.0.0.1:0")
	}
	t.Cleanup(func() { listen = old })

	sv, err := NewServer(0, router, time.Second, time.Second, 1<<17)
	require.NoError(t, err)
	require.NotZero(t, sv.GetServerPort())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sv.Serve(ctx)
	}()
	t.Cleanup(cancel)
	return sv, done
}

func dial(t *testing.T, sv Server, infoHash [20]byte) wire.Wire {
	conn, err := net.Dial("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(sv.GetServerPort())))
	require.NoError(t, err)
	w := wire.NewWire(conn, time.Second, 1<<17)
	require.NoError(t, w.SendHandshake(infoHash, [20]byte{'r'}))
	return w
}

func TestServerRoutesByInfoHash(t *testing.T) {
	a := &acceptor{conns: make(chan accepted, 1)}
	router := &mockRouter{}
	router.On("Route", knownHash).Return(a, true)
	router.On("Route", unknownHash).Return(nil, false)
	sv, _ := startServer(t, router)

	remote := dial(t, sv, knownHash)
	defer remote.Close()
	select {
	case c := <-a.conns:
		assert.Equal(t, knownHash, c.hs.InfoHash)
		assert.Equal(t, [20]byte{'r'}, c.hs.PeerID)
		assert.True(t, c.hs.SupportsExtensions())
		c.w.Close()
	case <-time.After(2 * time.Second):
		require.FailNow(t, "connection was not routed")
	}

	stranger := dial(t, sv, unknownHash)
	defer stranger.Close()
	_, _, _, err := stranger.ReadMessage()
	assert.Error(t, err, "unknown torrents are hung up on")
	router.AssertExpectations(t)
}

func TestServerStopsOnClose(t *testing.T) {
	router := &mockRouter{}
	sv, done := startServer(t, router)
	require.NoError(t, sv.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "server did not stop")
	}
	assert.NoError(t, sv.Close())
}

func TestServerListenError(t *testing.T) {
	old := listen
	listen = func(network, address string) (net.Listener, error) {
		assert.Equal(t, ":6881", address)
		return nil, errors.New("address in use")
	}
	defer func() { listen = old }()

	_, err := NewServer(6881, &mockRouter{}, time.Second, time.Second, 1<<17)
	assert.Error(t, err)
}
