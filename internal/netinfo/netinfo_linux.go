//go:build linux

package netinfo

import (
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const neighborStates = netlink.NUD_REACHABLE | netlink.NUD_STALE | netlink.NUD_DELAY |
	netlink.NUD_PROBE | netlink.NUD_PERMANENT

// Host reads the kernel's view through netlink. Addresses still in duplicate
// address detection are not treated as joined.
type Host struct {
	iface string
}

// New returns the Info for the named interface, or for the first usable one
// when name is empty.
func New(name string) *Host { return &Host{iface: name} }

func (h *Host) link() (netlink.Link, bool) {
	ifc, err := selectInterface(h.iface)
	if err != nil {
		log.Debugf("select interface: %v", err)
		return nil, false
	}
	l, err := netlink.LinkByIndex(ifc.Index)
	if err != nil {
		log.Debugf("link %s: %v", ifc.Name, err)
		return nil, false
	}
	return l, true
}

func (h *Host) Joined() bool {
	l, ok := h.link()
	if !ok || l.Attrs().Flags&net.FlagUp == 0 {
		return false
	}
	_, ok = h.globalOn(l)
	return ok
}

func (h *Host) GlobalAddr() (netip.Addr, bool) {
	l, ok := h.link()
	if !ok {
		return netip.Addr{}, false
	}
	return h.globalOn(l)
}

func (h *Host) globalOn(l netlink.Link) (netip.Addr, bool) {
	addrs, err := netlink.AddrList(l, netlink.FAMILY_ALL)
	if err != nil {
		log.Debugf("addr list %s: %v", l.Attrs().Name, err)
		return netip.Addr{}, false
	}
	usable := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		if a.Flags&(unix.IFA_F_TENTATIVE|unix.IFA_F_DADFAILED) != 0 {
			continue
		}
		if ip, ok := netip.AddrFromSlice(a.IP); ok {
			usable = append(usable, ip)
		}
	}
	return pickGlobal(usable)
}

func (h *Host) HardwareAddr() net.HardwareAddr {
	l, ok := h.link()
	if !ok {
		return nil
	}
	return l.Attrs().HardwareAddr
}

func (h *Host) Neighbors() []netip.Addr {
	l, ok := h.link()
	if !ok {
		return nil
	}
	neighs, err := netlink.NeighList(l.Attrs().Index, netlink.FAMILY_ALL)
	if err != nil {
		log.Debugf("neigh list %s: %v", l.Attrs().Name, err)
		return nil
	}
	out := make([]netip.Addr, 0, len(neighs))
	for _, n := range neighs {
		if n.State&neighborStates == 0 {
			continue
		}
		ip, ok := netip.AddrFromSlice(n.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.IsMulticast() {
			continue
		}
		if ip.Is6() && ip.IsLinkLocalUnicast() {
			ip = ip.WithZone(l.Attrs().Name)
		}
		out = append(out, ip)
	}
	return out
}
