package core

// Peer Overlay (C5). Authenticated, multiplexed streams over TCP/QUIC
// established via the §4.1 handshake; gossipsub topic meshes per channel
// with an eclipse-resistance diversity constraint; a connection lifecycle
// state machine (§4.5).

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMeshDegree    = 6
	MinMeshDegree        = 4
	MaxMeshDegree        = 12
	MaxOriginShare       = 0.30
	DefaultDrainTimeout  = 5 * time.Second
)

// ConnState is one connection's position in the §4.5 lifecycle:
// dialing -> handshaking -> connected -> (draining -> closed).
type ConnState uint8

const (
	ConnDialing ConnState = iota
	ConnHandshaking
	ConnConnected
	ConnDraining
	ConnClosed
)

// PeerConn tracks one overlay connection's lifecycle and the
// network-origin prefix used for the eclipse-resistance check.
type PeerConn struct {
	mu           sync.Mutex
	Remote       DeviceID
	State        ConnState
	OriginPrefix string
	pending      [][]byte // outbound envelopes queued for the graceful drain
}

func (c *PeerConn) transition(to ConnState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.State == ConnClosed:
		return fmt.Errorf("connection already closed")
	case to == ConnConnected && c.State != ConnHandshaking:
		return fmt.Errorf("cannot reach connected from %v", c.State)
	}
	c.State = to
	return nil
}

// Abort cancels a connection before it reaches ConnConnected. Once
// connected it returns an error and leaves the state unchanged; a
// connected session closes via Drain (§4.5).
func (c *PeerConn) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State == ConnConnected {
		return fmt.Errorf("cannot abort a connected session; use Drain")
	}
	c.State = ConnClosed
	return nil
}

// Drain begins the graceful half-close: flush pending outbound envelopes
// within a bounded timeout, then hard-close (§4.5).
func (c *PeerConn) Drain(send func([]byte) error, timeout time.Duration) error {
	c.mu.Lock()
	c.State = ConnDraining
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	done := make(chan error, 1)
	go func() {
		for _, p := range pending {
			if err := send(p); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		c.mu.Lock()
		c.State = ConnClosed
		c.mu.Unlock()
		return err
	case <-time.After(timeout):
		c.mu.Lock()
		c.State = ConnClosed
		c.mu.Unlock()
		return fmt.Errorf("drain timed out after %s", timeout)
	}
}

// Mesh is one channel's gossipsub neighbor set, subject to the
// eclipse-resistance diversity constraint (§4.5).
type Mesh struct {
	mu        sync.Mutex
	Channel   string
	Neighbors map[DeviceID]string // peer -> origin prefix
	degree    int
}

func NewMesh(channel string, degree int) *Mesh {
	if degree < MinMeshDegree {
		degree = MinMeshDegree
	}
	if degree > MaxMeshDegree {
		degree = MaxMeshDegree
	}
	return &Mesh{Channel: channel, Neighbors: make(map[DeviceID]string), degree: degree}
}

func (m *Mesh) Add(peer DeviceID, originPrefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Neighbors[peer] = originPrefix
}

func (m *Mesh) Remove(peer DeviceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Neighbors, peer)
}

// EnforceDiversity repeatedly evicts a randomly chosen peer from an origin
// prefix holding more than 30% of the mesh (§4.5), until no such prefix
// remains, returning the evicted peer ids so the caller can re-sample
// replacements. The prefix evicted from is whichever violating prefix is
// met first, not necessarily the most over-represented one, and a prefix
// with a single peer is never evicted from.
func (m *Mesh) EnforceDiversity() []DeviceID {
	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted []DeviceID
	for {
		n := len(m.Neighbors)
		if n == 0 {
			return evicted
		}
		counts := make(map[string][]DeviceID)
		for peer, prefix := range m.Neighbors {
			counts[prefix] = append(counts[prefix], peer)
		}
		limit := int(MaxOriginShare * float64(n))
		violated := false
		for prefix, peers := range counts {
			if len(peers) > limit && len(peers) > 1 {
				victim := peers[rand.Intn(len(peers))]
				delete(m.Neighbors, victim)
				evicted = append(evicted, victim)
				violated = true
				_ = prefix
				break
			}
		}
		if !violated {
			return evicted
		}
	}
}

// Overlay is the libp2p-backed peer overlay: host, gossipsub, mDNS
// discovery, per-channel meshes, and the DHT-driven bootstrap/refresh loop.
type Overlay struct {
	host   hostIface
	pubsub *pubsub.PubSub
	ctx    context.Context
	cancel context.CancelFunc

	dht  *DHT
	self DeviceID

	meshMu sync.Mutex
	meshes map[string]*Mesh

	connMu sync.Mutex
	conns  map[DeviceID]*PeerConn

	topicMu sync.Mutex
	topics  map[string]*pubsub.Topic
	subs    map[string]*pubsub.Subscription

	nat       *NATManager
	holePunch *HolePunchCoordinator
	dialable  bool
}

// hostIface is the subset of libp2p's host.Host the overlay uses,
// narrowed so tests can substitute a fake.
type hostIface interface {
	ID() peer.ID
	Connect(ctx context.Context, pi peer.AddrInfo) error
	Close() error
}

// OverlayConfig mirrors the relevant fields of pkg/config for standing up
// an overlay instance.
type OverlayConfig struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
	SelfID         DeviceID
	STUNServers    []string // second NAT-traversal strategy, §4.5
}

func NewOverlay(cfg OverlayConfig) (*Overlay, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	o := &Overlay{
		host:   h,
		pubsub: ps,
		ctx:    ctx,
		cancel: cancel,
		dht:    NewDHT(cfg.SelfID, DefaultKBucketSize),
		self:   cfg.SelfID,
		meshes: make(map[string]*Mesh),
		conns:  make(map[DeviceID]*PeerConn),
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
	}

	o.dialable = true
	mapped := false
	if nat, err := NewNATManager(); err == nil {
		o.nat = nat
		if port, perr := parsePort(cfg.ListenAddr); perr == nil {
			if merr := nat.Map(port); merr == nil {
				mapped = true
			} else {
				logrus.WithError(merr).Warn("UPnP/NAT-PMP port mapping failed; falling back to hole-punch/relay")
			}
		}
	} else {
		logrus.WithError(err).Debug("no NAT gateway discovered; falling back to hole-punch/relay")
	}

	if !mapped && len(cfg.STUNServers) > 0 {
		hp, err := NewHolePunchCoordinator(cfg.SelfID, cfg.STUNServers)
		if err != nil {
			logrus.WithError(err).Warn("hole-punch coordinator unavailable; falling back to relay")
		} else {
			o.holePunch = hp
			mapped = true
		}
	}

	if !mapped {
		o.dialable = false
		logrus.Warn("all NAT-traversal strategies exhausted; node is outbound-only")
	}

	for _, addr := range cfg.BootstrapPeers {
		if err := o.dialSeed(addr); err != nil {
			logrus.WithError(err).Warn("bootstrap dial failed")
		}
	}

	mdns.NewMdnsService(h, cfg.DiscoveryTag, &mdnsNotifee{o: o})
	return o, nil
}

type mdnsNotifee struct{ o *Overlay }

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.o.host.ID() {
		return
	}
	if err := n.o.host.Connect(n.o.ctx, info); err != nil {
		logrus.WithError(err).Debug("mDNS-discovered peer connect failed")
		return
	}
	logrus.WithField("peer", info.ID.String()).Info("connected via local-network discovery")
}

func (o *Overlay) dialSeed(addr string) error {
	pi, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("invalid bootstrap addr %s: %w", addr, err)
	}
	conn := &PeerConn{State: ConnDialing}
	o.connMu.Lock()
	o.conns[deviceIDFromPeer(pi.ID)] = conn
	o.connMu.Unlock()

	if err := conn.transition(ConnHandshaking); err != nil {
		return err
	}
	if err := o.host.Connect(o.ctx, *pi); err != nil {
		conn.Abort()
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	return conn.transition(ConnConnected)
}

func deviceIDFromPeer(p peer.ID) DeviceID {
	return sha256.Sum256([]byte(p))
}

// JoinMesh joins a channel's gossipsub topic (without subscribing to it;
// see Subscribe) and establishes its mesh, sized to degree (default 6,
// clamped to [4, 12], §4.5).
func (o *Overlay) JoinMesh(channel string, degree int) (*Mesh, error) {
	o.topicMu.Lock()
	topic, ok := o.topics[channel]
	if !ok {
		var err error
		topic, err = o.pubsub.Join(channel)
		if err != nil {
			o.topicMu.Unlock()
			return nil, fmt.Errorf("join topic %s: %w", channel, err)
		}
		o.topics[channel] = topic
	}
	o.topicMu.Unlock()

	o.meshMu.Lock()
	defer o.meshMu.Unlock()
	m, ok := o.meshes[channel]
	if !ok {
		m = NewMesh(channel, degree)
		o.meshes[channel] = m
	}
	return m, nil
}

// Publish floods data to a channel's mesh neighbors via gossipsub.
func (o *Overlay) Publish(channel string, data []byte) error {
	o.topicMu.Lock()
	topic, ok := o.topics[channel]
	o.topicMu.Unlock()
	if !ok {
		return fmt.Errorf("not joined to channel %s", channel)
	}
	return topic.Publish(o.ctx, data)
}

// Subscribe returns a channel of inbound messages for a topic.
func (o *Overlay) Subscribe(channel string) (<-chan []byte, error) {
	o.topicMu.Lock()
	sub, ok := o.subs[channel]
	if !ok {
		topic, terr := o.pubsub.Join(channel)
		if terr != nil {
			o.topicMu.Unlock()
			return nil, terr
		}
		o.topics[channel] = topic
		var err error
		sub, err = o.pubsub.Subscribe(channel)
		if err != nil {
			o.topicMu.Unlock()
			return nil, err
		}
		o.subs[channel] = sub
	}
	o.topicMu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(o.ctx)
			if err != nil {
				return
			}
			select {
			case out <- msg.Data:
			case <-o.ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// PeriodicRefresh runs the DHT k-bucket refresh and mesh diversity sweep on
// a timer; callers run this in a goroutine for the process lifetime.
func (o *Overlay) PeriodicRefresh(period time.Duration) {
	if period <= 0 {
		period = DefaultRefreshPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case now := <-ticker.C:
			for _, idx := range o.dht.RefreshDue(now, period) {
				logrus.WithField("bucket", idx).Debug("refreshing stale k-bucket")
			}
			o.meshMu.Lock()
			for _, m := range o.meshes {
				if evicted := m.EnforceDiversity(); len(evicted) > 0 {
					logrus.WithField("count", len(evicted)).Warn("evicted mesh neighbors for origin diversity")
				}
			}
			o.meshMu.Unlock()
		}
	}
}

// Dialable reports whether any of the three NAT-traversal strategies (§4.5)
// succeeded; false means this node's own DHT record must be marked
// non-dial-able (MarkNonDialable) and it is reachable only via outbound
// connections.
func (o *Overlay) Dialable() bool { return o.dialable }

func (o *Overlay) Close() error {
	o.cancel()
	if o.nat != nil {
		_ = o.nat.Unmap()
	}
	if o.holePunch != nil {
		_ = o.holePunch.Close()
	}
	return o.host.Close()
}
