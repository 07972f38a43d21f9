package torrent

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
)

// MagnetURI is what a magnet link tells us before metadata is resolved.
type MagnetURI struct {
	InfoHash [20]byte
	Name     string
	Trackers []string
	// Peers are "x.pe" direct peer hints (host:port).
	Peers []string
}

// ParseMagnetURI accepts a magnet link or a bare 40 character hex info hash.
func ParseMagnetURI(uri string) (*MagnetURI, error) {
	uri = strings.TrimSpace(uri)
	if len(uri) == 40 && !strings.HasPrefix(uri, "magnet:") {
		ih, err := hex.DecodeString(uri)
		if err != nil {
			return nil, fmt.Errorf("invalid info hash %q: %v", uri, err)
		}
		m := &MagnetURI{}
		copy(m.InfoHash[:], ih)
		return m, nil
	}

	magnet, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid magnet uri: %v", err)
	}
	m := &MagnetURI{
		InfoHash: [20]byte(magnet.InfoHash),
		Name:     magnet.DisplayName,
		Trackers: magnet.Trackers,
	}
	if magnet.Params != nil {
		m.Peers = magnet.Params["x.pe"]
	}
	return m, nil
}

func (m *MagnetURI) InfoHashHex() string {
	return hex.EncodeToString(m.InfoHash[:])
}
