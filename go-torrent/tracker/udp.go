package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"
)

const (
	UDP_PROTOCOL_ID = 0x41727101980 // magic constant
	UDP_TIMEOUT     = 15 * time.Second

	actionConnect  = 0
	actionAnnounce = 1
	actionError    = 3
)

// BEP 0015 - UDP Tracker Protocol for BitTorrent
type udpAnnouncer struct {
	dialer net.Dialer
}

func NewUDPAnnouncer() Announcer {
	return &udpAnnouncer{}
}

func (a *udpAnnouncer) Announce(ctx context.Context, trackerURL string, req *Request) (*Response, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, err
	}
	conn, err := a.dialer.DialContext(ctx, "udp", u.Host)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(UDP_TIMEOUT)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	connectionID, err := connectUDP(conn)
	if err != nil {
		return nil, err
	}
	return announceUDP(conn, connectionID, req)
}

// roundTrip sends packet and returns the reply once its action and
// transaction id check out.
func roundTrip(conn net.Conn, packet []byte, action, transactionID int32) (*bytes.Buffer, error) {
	if _, err := conn.Write(packet); err != nil {
		return nil, err
	}
	data := make([]byte, 2048)
	n, err := conn.Read(data)
	if err != nil {
		return nil, err
	}
	if n < 8 {
		return nil, fmt.Errorf("malformed udp tracker response of %d bytes", n)
	}
	resp := bytes.NewBuffer(data[:n])

	var actionResp, transactionIDResp int32
	binary.Read(resp, binary.BigEndian, &actionResp)
	binary.Read(resp, binary.BigEndian, &transactionIDResp)
	if transactionIDResp != transactionID {
		return nil, fmt.Errorf("transaction id %d, expected %d", transactionIDResp, transactionID)
	}
	if actionResp == actionError {
		return nil, fmt.Errorf("tracker failure: %s", resp.String())
	}
	if actionResp != action {
		return nil, fmt.Errorf("action %d, expected %d", actionResp, action)
	}
	return resp, nil
}

func connectUDP(conn net.Conn) (int64, error) {
	connectRequest := &bytes.Buffer{}
	binary.Write(connectRequest, binary.BigEndian, int64(UDP_PROTOCOL_ID))
	binary.Write(connectRequest, binary.BigEndian, int32(actionConnect))
	transactionID := rand.Int31()
	binary.Write(connectRequest, binary.BigEndian, transactionID)

	resp, err := roundTrip(conn, connectRequest.Bytes(), actionConnect, transactionID)
	if err != nil {
		return 0, err
	}
	if resp.Len() < 8 {
		return 0, fmt.Errorf("malformed connect response")
	}
	var connectionID int64
	binary.Read(resp, binary.BigEndian, &connectionID)
	return connectionID, nil
}

func announceUDP(conn net.Conn, connectionID int64, req *Request) (*Response, error) {
	announceRequest := &bytes.Buffer{}
	binary.Write(announceRequest, binary.BigEndian, connectionID)
	binary.Write(announceRequest, binary.BigEndian, int32(actionAnnounce))
	transactionID := rand.Int31()
	binary.Write(announceRequest, binary.BigEndian, transactionID)
	binary.Write(announceRequest, binary.BigEndian, req.InfoHash)
	binary.Write(announceRequest, binary.BigEndian, req.PeerID)
	binary.Write(announceRequest, binary.BigEndian, req.Downloaded)
	binary.Write(announceRequest, binary.BigEndian, req.Left)
	binary.Write(announceRequest, binary.BigEndian, req.Uploaded)
	binary.Write(announceRequest, binary.BigEndian, int32(req.Event))
	binary.Write(announceRequest, binary.BigEndian, int32(0)) // default ip
	binary.Write(announceRequest, binary.BigEndian, req.Key)
	binary.Write(announceRequest, binary.BigEndian, req.NumWant)
	binary.Write(announceRequest, binary.BigEndian, req.Port)

	resp, err := roundTrip(conn, announceRequest.Bytes(), actionAnnounce, transactionID)
	if err != nil {
		return nil, err
	}
	if resp.Len() < 12 {
		return nil, fmt.Errorf("malformed announce response")
	}
	var interval, leechers, seeders int32
	binary.Read(resp, binary.BigEndian, &interval)
	binary.Read(resp, binary.BigEndian, &leechers)
	binary.Read(resp, binary.BigEndian, &seeders)

	peers, err := parseCompact(resp.Bytes())
	if err != nil {
		return nil, err
	}
	result := &Response{
		Interval: DEFAULT_INTERVAL,
		Leechers: leechers,
		Seeders:  seeders,
		Peers:    peers,
	}
	if interval > 0 {
		result.Interval = time.Duration(interval) * time.Second
	}
	return result, nil
}
