package mq

import (
	"fmt"
	"net"
	"net/netip"
)

// Topics holds the per-device topic names, built once the device knows its
// own address.
type Topics struct {
	Contacts string `json:"contacts"`
	Signals  string `json:"signals"`
	Command  string `json:"command"`
}

// Ready reports whether the topics have been built.
func (t Topics) Ready() bool { return t.Contacts != "" }

// TopicPrefixes are the fixed parts of the topic names.
type TopicPrefixes struct {
	Contacts string
	Signals  string
	Command  string
}

// CompactAddr shortens the textual form of addr: the text is bounded to
// AddressSize-1 characters and the first strip characters are removed. The
// strip drops a shared IPv6 network prefix, so IPv4 addresses keep their text.
func CompactAddr(addr netip.Addr, strip int) string {
	addr = addr.Unmap()
	s := addr.String()
	if len(s) > AddressSize-1 {
		s = s[:AddressSize-1]
	}
	if strip <= 0 || addr.Is4() {
		return s
	}
	if strip >= len(s) {
		return ""
	}
	return s[strip:]
}

// BuildTopics derives the topic names for the device at own. It fails with
// ErrBufferTooShort when a name would not fit in BufferSize.
func BuildTopics(p TopicPrefixes, own netip.Addr, strip int) (Topics, error) {
	compact := CompactAddr(own, strip)
	t := Topics{
		Contacts: p.Contacts + compact,
		Signals:  p.Signals + compact,
		Command:  p.Command + compact,
	}
	for _, name := range []string{t.Contacts, t.Signals, t.Command} {
		if len(name) >= BufferSize {
			return Topics{}, fmt.Errorf("topic %q: %d bytes, buffer %d: %w", name, len(name), BufferSize, ErrBufferTooShort)
		}
	}
	return t, nil
}

// ClientID builds "d:<org>:<type>:<hw>" where hw is six bytes of the node's
// hardware address as lowercase hex. For an 8-byte EUI-64 the bytes at
// positions 0,1,2,5,6,7 are used (skipping the inserted ff:fe); a 6-byte MAC
// is used as is.
func ClientID(orgID, typeID string, hw net.HardwareAddr) (string, error) {
	var b [6]byte
	switch len(hw) {
	case 8:
		b = [6]byte{hw[0], hw[1], hw[2], hw[5], hw[6], hw[7]}
	case 6:
		copy(b[:], hw)
	default:
		return "", fmt.Errorf("client id: %d-byte hardware address: %w", len(hw), ErrBadHardwareAddr)
	}
	id := fmt.Sprintf("d:%s:%s:%02x%02x%02x%02x%02x%02x", orgID, typeID, b[0], b[1], b[2], b[3], b[4], b[5])
	if len(id) >= BufferSize {
		return "", fmt.Errorf("client id: %d bytes, buffer %d: %w", len(id), BufferSize, ErrBufferTooShort)
	}
	return id, nil
}
