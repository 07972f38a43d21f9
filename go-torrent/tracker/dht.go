package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nictuku/dht"
	"github.com/sirupsen/logrus"
)

const DHT_INTERVAL = 5 * time.Second

// node is the part of a DHT client used for peer lookups.
type node interface {
	Start() error
	Stop()
	PeersRequest(ih string, announce bool)
	Results() <-chan map[dht.InfoHash][]string
}

type dhtNode struct {
	*dht.DHT
}

func (n dhtNode) Results() <-chan map[dht.InfoHash][]string {
	return n.PeersRequestResults
}

var newNode = func(port int) (node, error) {
	cfg := dht.NewConfig()
	cfg.Port = port
	d, err := dht.New(cfg)
	if err != nil {
		return nil, err
	}
	return dhtNode{d}, nil
}

// DHT is one mainline DHT node shared by every session of a client.
// Lookups are requested per info hash and their results are routed back to
// the sink registered for that hash. It only queries the network and never
// serves as a bootstrap node.
type DHT struct {
	port     int
	announce bool
	requests chan dht.InfoHash

	mu    sync.Mutex
	sinks map[dht.InfoHash]Sink
}

// NewDHT creates the shared node. When announce is set the listen port is
// advertised to the nodes that answer.
func NewDHT(port int, announce bool) *DHT {
	return &DHT{
		port:     port,
		announce: announce,
		requests: make(chan dht.InfoHash, 64),
		sinks:    make(map[dht.InfoHash]Sink),
	}
}

// Lookup returns a Source that feeds sink with DHT peers for infoHash while
// it runs.
func (d *DHT) Lookup(infoHash [20]byte, sink Sink) Source {
	return &lookup{d: d, ih: dht.InfoHash(string(infoHash[:])), sink: sink}
}

type lookup struct {
	d    *DHT
	ih   dht.InfoHash
	sink Sink
}

func (l *lookup) Run(ctx context.Context) error {
	l.d.mu.Lock()
	l.d.sinks[l.ih] = l.sink
	l.d.mu.Unlock()
	defer func() {
		l.d.mu.Lock()
		delete(l.d.sinks, l.ih)
		l.d.mu.Unlock()
	}()

	// the node also requests every registered hash on start and each tick
	select {
	case l.d.requests <- l.ih:
	default:
	}
	<-ctx.Done()
	return nil
}

func (d *DHT) registered() []dht.InfoHash {
	d.mu.Lock()
	defer d.mu.Unlock()

	hashes := make([]dht.InfoHash, 0, len(d.sinks))
	for ih := range d.sinks {
		hashes = append(hashes, ih)
	}
	return hashes
}

func (d *DHT) deliver(ih dht.InfoHash, peers []string) {
	d.mu.Lock()
	sink, ok := d.sinks[ih]
	d.mu.Unlock()
	if !ok {
		return
	}
	addrs := make([]string, 0, len(peers))
	for _, x := range peers {
		addrs = append(addrs, dht.DecodePeerAddress(x))
	}
	log.WithFields(logrus.Fields{
		"infoHash": fmt.Sprintf("%x", string(ih)),
		"peers":    len(addrs),
	}).Debug("dht results")
	sink.AddPeers(addrs)
}

func (d *DHT) Run(ctx context.Context) error {
	// announced peers are reached on the node's own port
	port := 0
	if d.announce {
		port = d.port
	}
	n, err := newNode(port)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		return err
	}
	defer n.Stop()

	ticker := time.NewTicker(DHT_INTERVAL)
	defer ticker.Stop()
	requestAll := func() {
		for _, ih := range d.registered() {
			n.PeersRequest(string(ih), d.announce)
		}
	}
	requestAll()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			requestAll()
		case ih := <-d.requests:
			n.PeersRequest(string(ih), d.announce)
		case r, ok := <-n.Results():
			if !ok {
				return nil
			}
			for ih, peers := range r {
				d.deliver(ih, peers)
			}
		}
	}
}
