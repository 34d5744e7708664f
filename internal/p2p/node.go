package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/petervdpas/groupmote/internal/proto"
	"github.com/petervdpas/groupmote/internal/util"
)

var log = logging.Logger("p2p")

func init() {
	// Dial failures and backoff errors are noise at the default level.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// NodeConfig configures libp2p discovery.
type NodeConfig struct {
	ListenPort       int
	KeyFile          string
	PresenceInterval time.Duration
}

// Node discovers neighbors over libp2p: mDNS announcements and gossipsub
// presence pulses from directly connected peers both count as sightings.
type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	md    mdns.Service

	interval   time.Duration
	onSighting SightingFunc
}

type mdnsNotifee struct {
	n *Node
}

func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == m.n.Host.ID() {
		return
	}
	for _, a := range pi.Addrs {
		if ip, ok := addrIP(a); ok {
			log.Debugf("mdns: %s at %s", pi.ID.ShortString(), ip)
			m.n.onSighting(ip, time.Now())
			break
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = m.n.Host.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

func NewNode(ctx context.Context, cfg NodeConfig, onSighting SightingFunc) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infof("Generated new identity key: %s", cfg.KeyFile)
	} else {
		log.Infof("Loaded identity key: %s", cfg.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort),
			fmt.Sprintf("/ip6/::/tcp/%d", cfg.ListenPort),
		),
	)
	if err != nil {
		return nil, err
	}

	n := &Node{Host: h, interval: cfg.PresenceInterval, onSighting: onSighting}
	if n.interval <= 0 {
		n.interval = 20 * time.Second
	}

	n.md = mdns.NewMdnsService(h, proto.MdnsTag, &mdnsNotifee{n: n})
	if err := n.md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	n.ps, err = pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = n.Close()
		return nil, err
	}
	n.topic, err = n.ps.Join(proto.PresenceTopic)
	if err != nil {
		_ = n.Close()
		return nil, err
	}
	n.sub, err = n.topic.Subscribe()
	if err != nil {
		_ = n.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) ID() string { return n.Host.ID().String() }

func (n *Node) Close() error {
	if n.sub != nil {
		n.sub.Cancel()
	}
	if n.md != nil {
		_ = n.md.Close()
	}
	return n.Host.Close()
}

// Publish sends one presence pulse.
func (n *Node) Publish(ctx context.Context) error {
	msg := proto.PresenceMsg{
		PeerID: n.ID(),
		Addrs:  n.lanAddrs(),
		TS:     proto.NowMillis(),
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return n.topic.Publish(ctx, b)
}

// Run publishes presence every interval and turns pulses received straight
// from their origin into sightings. It returns when ctx is done.
func (n *Node) Run(ctx context.Context) error {
	go func() {
		delay := util.Jitter(n.interval)
		for sleep(ctx, delay) {
			if err := n.Publish(ctx); err != nil && ctx.Err() == nil {
				log.Debugf("presence publish: %v", err)
			}
			delay = n.interval
		}
	}()

	for {
		m, err := n.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("presence: %w", err)
		}
		if m.ReceivedFrom == n.Host.ID() {
			continue
		}

		var pm proto.PresenceMsg
		if err := json.Unmarshal(m.Data, &pm); err != nil || pm.PeerID == "" {
			continue
		}
		// Relayed pulses are not direct contacts.
		if pm.PeerID != m.ReceivedFrom.String() {
			continue
		}
		if ip, ok := n.peerIP(m.ReceivedFrom, pm.Addrs); ok {
			n.onSighting(ip, time.Now())
		}
	}
}

// peerIP resolves the address a peer is connected from, falling back to the
// addresses it announced.
func (n *Node) peerIP(pid peer.ID, announced []string) (netip.Addr, bool) {
	for _, c := range n.Host.Network().ConnsToPeer(pid) {
		if ip, ok := addrIP(c.RemoteMultiaddr()); ok {
			return ip, true
		}
	}
	for _, s := range announced {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, ok := addrIP(a); ok {
			return ip, true
		}
	}
	return netip.Addr{}, false
}

// lanAddrs returns the host's multiaddresses without loopback ones.
func (n *Node) lanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		if _, ok := addrIP(a); ok {
			out = append(out, a.String())
		}
	}
	return out
}

// addrIP extracts a usable IP from a multiaddr.
func addrIP(a ma.Multiaddr) (netip.Addr, bool) {
	ip, err := manet.ToIP(a)
	if err != nil {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsUnspecified() || addr.IsMulticast() {
		return netip.Addr{}, false
	}
	return addr, true
}
