package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"
)

const HTTP_TIMEOUT = 15 * time.Second

type httpAnnouncer struct {
	client *http.Client
}

func NewHTTPAnnouncer() Announcer {
	return &httpAnnouncer{client: &http.Client{Timeout: HTTP_TIMEOUT}}
}

func (a *httpAnnouncer) Announce(ctx context.Context, trackerURL string, req *Request) (*Response, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("tracker url %q is not absolute", trackerURL)
	}

	q := u.Query()
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("key", strconv.FormatInt(int64(uint32(req.Key)), 16))
	switch req.Event {
	case COMPLETED:
		q.Set("event", "completed")
	case STARTED:
		q.Set("event", "started")
	case STOPPED:
		q.Set("event", "stopped")
	}
	q.Set("numwant", strconv.Itoa(int(req.NumWant)))
	q.Set("port", strconv.Itoa(int(req.Port)))
	q.Set("compact", "1")
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker answered %s", resp.Status)
	}

	raw, err := bencode.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("malformed tracker response: %v", err)
	}
	return parseHTTPResponse(raw)
}

func parseHTTPResponse(raw interface{}) (*Response, error) {
	dict, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("malformed tracker response: not a dictionary")
	}
	if reason, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker failure: %s", reason)
	}

	resp := &Response{Interval: DEFAULT_INTERVAL}
	if interval, ok := dict["interval"].(int64); ok && interval > 0 {
		resp.Interval = time.Duration(interval) * time.Second
	}
	if n, ok := dict["complete"].(int64); ok {
		resp.Seeders = int32(n)
	}
	if n, ok := dict["incomplete"].(int64); ok {
		resp.Leechers = int32(n)
	}

	switch peers := dict["peers"].(type) {
	case string:
		addrs, err := parseCompact([]byte(peers))
		if err != nil {
			return nil, err
		}
		resp.Peers = addrs
	case []interface{}:
		// dictionary model
		for _, p := range peers {
			entry, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			ip, _ := entry["ip"].(string)
			port, _ := entry["port"].(int64)
			if ip == "" || port <= 0 || port > 65535 {
				continue
			}
			resp.Peers = append(resp.Peers, net.JoinHostPort(ip, strconv.Itoa(int(port))))
		}
	}
	return resp, nil
}

// parseCompact decodes 6-byte IPv4 address and port entries.
func parseCompact(b []byte) ([]string, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("compact peer list of %d bytes", len(b))
	}
	addrs := make([]string, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := net.IPv4(b[i+0], b[i+1], b[i+2], b[i+3])
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		addrs = append(addrs, net.JoinHostPort(ip.String(), strconv.Itoa(int(port))))
	}
	return addrs, nil
}
