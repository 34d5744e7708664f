// Package netinfo answers what the mote needs from the network stack: has
// the device joined a network, what is its global address, what is its
// hardware address and who are its link neighbors.
package netinfo

import (
	"net"
	"net/netip"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("netinfo")

// Info is the network view used by the collector machine and the discovery
// broadcaster.
type Info interface {
	Joined() bool
	GlobalAddr() (netip.Addr, bool)
	HardwareAddr() net.HardwareAddr
	Neighbors() []netip.Addr
}

// Static is a fixed Info for hand-configured addresses and tests.
type Static struct {
	Addr  netip.Addr
	HW    net.HardwareAddr
	Peers []netip.Addr
}

func (s *Static) Joined() bool { return s.Addr.IsValid() }

func (s *Static) GlobalAddr() (netip.Addr, bool) { return s.Addr, s.Addr.IsValid() }

func (s *Static) HardwareAddr() net.HardwareAddr { return s.HW }

func (s *Static) Neighbors() []netip.Addr { return append([]netip.Addr(nil), s.Peers...) }

// pickGlobal returns the preferred global unicast address: IPv6 first, then IPv4.
func pickGlobal(addrs []netip.Addr) (netip.Addr, bool) {
	var v4 netip.Addr
	for _, a := range addrs {
		a = a.Unmap()
		if !a.IsGlobalUnicast() || a.IsLinkLocalUnicast() {
			continue
		}
		if a.Is6() {
			return a, true
		}
		if !v4.IsValid() {
			v4 = a
		}
	}
	return v4, v4.IsValid()
}

// interfaceAddrs lists the addresses of iface through the net package.
func interfaceAddrs(iface *net.Interface) []netip.Addr {
	addrs, err := iface.Addrs()
	if err != nil {
		log.Debugf("addrs %s: %v", iface.Name, err)
		return nil
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			out = append(out, addr.Unmap())
		}
	}
	return out
}

// selectInterface returns the named interface, or the first interface that
// is up, not loopback and carries a global address.
func selectInterface(name string) (*net.Interface, error) {
	if name != "" {
		return net.InterfaceByName(name)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		ifc := &ifaces[i]
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		if _, ok := pickGlobal(interfaceAddrs(ifc)); ok {
			return ifc, nil
		}
	}
	return nil, errNoInterface
}
