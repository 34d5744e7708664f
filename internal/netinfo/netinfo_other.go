//go:build !linux

package netinfo

import (
	"net"
	"net/netip"
)

// Host reads interface state through the net package. Neighbor tables are
// not available here, so Neighbors is always empty.
type Host struct {
	iface string
}

func New(name string) *Host { return &Host{iface: name} }

func (h *Host) Joined() bool {
	ifc, err := selectInterface(h.iface)
	if err != nil || ifc.Flags&net.FlagUp == 0 {
		return false
	}
	_, ok := pickGlobal(interfaceAddrs(ifc))
	return ok
}

func (h *Host) GlobalAddr() (netip.Addr, bool) {
	ifc, err := selectInterface(h.iface)
	if err != nil {
		return netip.Addr{}, false
	}
	return pickGlobal(interfaceAddrs(ifc))
}

func (h *Host) HardwareAddr() net.HardwareAddr {
	ifc, err := selectInterface(h.iface)
	if err != nil {
		return nil
	}
	return ifc.HardwareAddr
}

func (h *Host) Neighbors() []netip.Addr { return nil }
