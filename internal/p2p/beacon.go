package p2p

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/petervdpas/groupmote/internal/netinfo"
	"github.com/petervdpas/groupmote/internal/proto"
	"github.com/petervdpas/groupmote/internal/util"
)

// SightingFunc receives the source address of every discovery signal.
type SightingFunc func(addr netip.Addr, at time.Time)

// Beacon is the UDP discovery channel: it listens for one-byte beacons and
// periodically sends one to every link neighbor.
type Beacon struct {
	conn     *net.UDPConn
	port     uint16
	info     netinfo.Info
	interval time.Duration
	jitter   time.Duration
	lag      time.Duration

	mu    sync.Mutex
	local map[netip.Addr]struct{}
}

// BeaconConfig controls the send cadence.
type BeaconConfig struct {
	Port     int
	Interval time.Duration // mean period between neighbor walks
	Jitter   time.Duration // later periods vary by up to ±Jitter
	Lag      time.Duration // gap between two sends of a walk
}

func ListenBeacon(cfg BeaconConfig, info netinfo.Info) (*Beacon, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("beacon listen :%d: %w", cfg.Port, err)
	}
	port := uint16(cfg.Port)
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		port = uint16(ua.Port)
	}
	b := &Beacon{
		conn:     conn,
		port:     port,
		info:     info,
		interval: cfg.Interval,
		jitter:   cfg.Jitter,
		lag:      cfg.Lag,
	}
	b.refreshLocal()
	log.Infof("Beacon listening on udp port %d", port)
	return b, nil
}

// Port is the bound UDP port.
func (b *Beacon) Port() int { return int(b.port) }

func (b *Beacon) Close() error { return b.conn.Close() }

// Serve reads datagrams until ctx is done. Datagrams this socket sent to
// itself are ignored; every other one is a sighting of its source.
func (b *Beacon) Serve(ctx context.Context, onSighting SightingFunc) error {
	stop := context.AfterFunc(ctx, func() { _ = b.conn.Close() })
	defer stop()

	buf := make([]byte, 64)
	for {
		n, from, err := b.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("beacon read: %w", err)
		}
		addr := from.Addr().Unmap().WithZone("")
		if b.isSelf(addr, from.Port()) {
			continue
		}
		if n > 0 && buf[0] != proto.BeaconSignal {
			log.Debugf("beacon from %s with signal 0x%02x", addr, buf[0])
		}
		log.Debugf("UDP callback received from %s", addr)
		onSighting(addr, time.Now())
	}
}

// Broadcast walks the neighbor list once per period until ctx is done. The
// first period is a random fraction of the interval so that motes booted
// together do not send in lockstep.
func (b *Beacon) Broadcast(ctx context.Context) error {
	delay := util.Jitter(b.interval)
	for {
		if !sleep(ctx, delay) {
			return nil
		}
		b.refreshLocal()
		for _, nb := range b.info.Neighbors() {
			if !sleep(ctx, b.lag) {
				return nil
			}
			dst := netip.AddrPortFrom(nb, b.port)
			if _, err := b.conn.WriteToUDPAddrPort([]byte{proto.BeaconSignal}, dst); err != nil {
				log.Debugf("beacon to %s: %v", dst, err)
			}
		}
		delay = b.interval - b.jitter + util.Jitter(2*b.jitter)
	}
}

func (b *Beacon) isSelf(addr netip.Addr, port uint16) bool {
	if port != b.port {
		return false
	}
	if own, ok := b.info.GlobalAddr(); ok && own == addr {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.local[addr]
	return ok
}

func (b *Beacon) refreshLocal() {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		log.Debugf("interface addrs: %v", err)
		return
	}
	local := make(map[netip.Addr]struct{}, len(addrs))
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			if ip, ok := netip.AddrFromSlice(ipn.IP); ok {
				local[ip.Unmap()] = struct{}{}
			}
		}
	}
	b.mu.Lock()
	b.local = local
	b.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
