package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Fjnieve/torrent-streamer/go-torrent/wire"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "server")

// Acceptor takes over an inbound connection whose handshake was read.
type Acceptor interface {
	AddConn(w wire.Wire, hs *wire.Handshake)
}

// Router finds the session serving an info hash.
type Router interface {
	Route(infoHash [20]byte) (Acceptor, bool)
}

type Server interface {
	Serve(ctx context.Context) error
	GetServerPort() int
	Close() error
}

type server struct {
	port             int
	listener         net.Listener
	router           Router
	handshakeTimeout time.Duration
	idleTimeout      time.Duration
	maxMessageLength int
	wg               sync.WaitGroup
	closeOnce        sync.Once
}

var (
	listen = net.Listen
)

func NewServer(
	port int,
	router Router,
	handshakeTimeout time.Duration,
	idleTimeout time.Duration,
	maxMessageLength int) (Server, error) {

	listener, err := listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	sv := &server{
		listener:         listener,
		router:           router,
		handshakeTimeout: handshakeTimeout,
		idleTimeout:      idleTimeout,
		maxMessageLength: maxMessageLength,
	}
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		sv.port = addr.Port
	}
	log.WithField("port", sv.port).Info("listening for peers")
	return sv, nil
}

// Serve accepts connections until ctx is cancelled or the listener closes.
func (sv *server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		sv.Close()
	})
	defer stop()
	defer sv.wg.Wait()

	for {
		conn, err := sv.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				log.Debug("peer listener stopped")
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}
		sv.wg.Add(1)
		go func() {
			defer sv.wg.Done()
			sv.handle(conn)
		}()
	}
}

func (sv *server) handle(conn net.Conn) {
	w := wire.NewWire(conn, sv.idleTimeout, sv.maxMessageLength)
	hs, err := w.ReadHandshake(sv.handshakeTimeout)
	if err != nil {
		log.WithField("remote", conn.RemoteAddr().String()).WithError(err).Debug("bad inbound handshake")
		w.Close()
		return
	}
	acceptor, ok := sv.router.Route(hs.InfoHash)
	if !ok {
		log.WithFields(logrus.Fields{
			"remote":   conn.RemoteAddr().String(),
			"infoHash": fmt.Sprintf("%x", hs.InfoHash),
		}).Debug("inbound peer for unknown torrent")
		w.Close()
		return
	}
	acceptor.AddConn(w, hs)
}

func (sv *server) GetServerPort() int {
	return sv.port
}

func (sv *server) Close() error {
	var err error
	sv.closeOnce.Do(func() {
		err = sv.listener.Close()
	})
	return err
}
