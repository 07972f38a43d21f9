package config

import (
	"fmt"
	"time"

	"github.com/Fjnieve/torrent-streamer/go-torrent/torrent"
)

// Public trackers added to every session when UsePublicTrackers is set.
var PublicTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://open.demonii.com:1337/announce",
	"udp://tracker.openbittorrent.com:6969/announce",
	"udp://exodus.desync.com:6969/announce",
	"udp://explodie.org:6969/announce",
	"http://tracker.opentrackr.org:1337/announce",
}

type Config struct {
	DataDir    string
	ListenPort int

	UseTrackers       bool
	UsePublicTrackers bool
	UseDHT            bool
	Trackers          []string

	PipelineDepth     int
	EndGameThreshold  int
	MaxMessageLength  int
	MaxPeers          int
	MaxConnections    int
	MaxHashFailures   int
	ReadAheadPieces   int
	MetadataAttempts  int
	AssignmentLogSize int

	HandshakeTimeout       time.Duration
	IdleTimeout            time.Duration
	RequestTimeout         time.Duration
	KeepAliveInterval      time.Duration
	DialTimeout            time.Duration
	RedialCooldown         time.Duration
	EvictionGrace          time.Duration
	ChokeInterval          time.Duration
	StatsInterval          time.Duration
	ScheduleInterval       time.Duration
	MetadataAttemptTimeout time.Duration

	// Bytes per second, 0 means unlimited.
	DownloadLimit int
	UploadLimit   int
}

func Default() Config {
	return Config{
		DataDir:           ".",
		ListenPort:        6881,
		UseTrackers:       true,
		UsePublicTrackers: true,
		UseDHT:            true,

		PipelineDepth:     5,
		EndGameThreshold:  20,
		MaxMessageLength:  1 << 17,
		MaxPeers:          50,
		MaxConnections:    200,
		MaxHashFailures:   3,
		ReadAheadPieces:   4,
		MetadataAttempts:  5,
		AssignmentLogSize: 1024,

		HandshakeTimeout:       10 * time.Second,
		IdleTimeout:            2 * time.Minute,
		RequestTimeout:         60 * time.Second,
		KeepAliveInterval:      time.Minute,
		DialTimeout:            5 * time.Second,
		RedialCooldown:         5 * time.Minute,
		EvictionGrace:          30 * time.Second,
		ChokeInterval:          10 * time.Second,
		StatsInterval:          time.Second,
		ScheduleInterval:       time.Second,
		MetadataAttemptTimeout: 30 * time.Second,
	}
}

func (c Config) Validate() error {
	if !c.UseTrackers && !c.UseDHT && len(c.Trackers) == 0 {
		return fmt.Errorf("enable tracker or dht peer discovery")
	}
	if c.PipelineDepth < 1 {
		return fmt.Errorf("pipeline depth must be at least 1, got %d", c.PipelineDepth)
	}
	if c.EndGameThreshold < 0 {
		return fmt.Errorf("end-game threshold must not be negative, got %d", c.EndGameThreshold)
	}
	if c.MaxMessageLength < torrent.BlockSize+13 {
		return fmt.Errorf("max message length %d cannot carry a block", c.MaxMessageLength)
	}
	if c.MaxPeers < 1 || c.MaxConnections < 1 {
		return fmt.Errorf("peer limits must be positive")
	}
	if c.MaxHashFailures < 1 {
		return fmt.Errorf("max hash failures must be at least 1")
	}
	if c.MetadataAttempts < 1 {
		return fmt.Errorf("metadata attempts must be at least 1")
	}
	if c.ReadAheadPieces < 0 {
		return fmt.Errorf("read-ahead must not be negative")
	}
	if c.DownloadLimit < 0 || c.UploadLimit < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port %d", c.ListenPort)
	}
	for name, d := range map[string]time.Duration{
		"handshake timeout":        c.HandshakeTimeout,
		"idle timeout":             c.IdleTimeout,
		"request timeout":          c.RequestTimeout,
		"keep-alive interval":      c.KeepAliveInterval,
		"dial timeout":             c.DialTimeout,
		"choke interval":           c.ChokeInterval,
		"stats interval":           c.StatsInterval,
		"schedule interval":        c.ScheduleInterval,
		"metadata attempt timeout": c.MetadataAttemptTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// AnnounceList merges the torrent's own tiers with configured and public
// trackers. Extra trackers go into a trailing tier.
func (c Config) AnnounceList(own [][]string) [][]string {
	tiers := [][]string{}
	seen := map[string]bool{}
	for _, tier := range own {
		t := []string{}
		for _, u := range tier {
			if !seen[u] {
				seen[u] = true
				t = append(t, u)
			}
		}
		if len(t) > 0 {
			tiers = append(tiers, t)
		}
	}
	extra := []string{}
	candidates := append([]string{}, c.Trackers...)
	if c.UsePublicTrackers {
		candidates = append(candidates, PublicTrackers...)
	}
	for _, u := range candidates {
		if !seen[u] {
			seen[u] = true
			extra = append(extra, u)
		}
	}
	if len(extra) > 0 {
		tiers = append(tiers, extra)
	}
	return tiers
}
