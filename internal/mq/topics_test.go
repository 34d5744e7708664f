package mq

import (
	"errors"
	"net"
	"net/netip"
	"strings"
	"testing"
)

func TestCompactAddr(t *testing.T) {
	tests := []struct {
		in    string
		strip int
		want  string
	}{
		{"fd00::212:7401:1:101", DefaultAddressStrip, "212:7401:1:101"},
		{"fd00::1", DefaultAddressStrip, "1"},
		{"fd00::1", 0, "fd00::1"},
		{"::1", DefaultAddressStrip, ""},
		{"fd00:1111:2222:3333:4444:5555:6666:7777", 0, "fd00:1111:2222:3333:4444:5555:6"},
		{"192.168.1.20", DefaultAddressStrip, "192.168.1.20"},
		{"::ffff:10.0.0.7", DefaultAddressStrip, "10.0.0.7"},
	}
	for _, tt := range tests {
		got := CompactAddr(netip.MustParseAddr(tt.in), tt.strip)
		if got != tt.want {
			t.Errorf("CompactAddr(%s, %d) = %q, want %q", tt.in, tt.strip, got, tt.want)
		}
	}
}

func TestBuildTopics(t *testing.T) {
	p := TopicPrefixes{Contacts: "nsds_gm/contacts/", Signals: "nsds_gm/signals/", Command: "nsds_gm/cmd/"}
	got, err := BuildTopics(p, netip.MustParseAddr("fd00::212:7401:1:101"), DefaultAddressStrip)
	if err != nil {
		t.Fatalf("BuildTopics() error = %v", err)
	}
	want := Topics{
		Contacts: "nsds_gm/contacts/212:7401:1:101",
		Signals:  "nsds_gm/signals/212:7401:1:101",
		Command:  "nsds_gm/cmd/212:7401:1:101",
	}
	if got != want {
		t.Errorf("BuildTopics() = %+v, want %+v", got, want)
	}
	if !got.Ready() {
		t.Error("built topics not ready")
	}
}

func TestBuildTopicsOverflow(t *testing.T) {
	p := TopicPrefixes{Contacts: strings.Repeat("x", BufferSize), Signals: "s/", Command: "c/"}
	got, err := BuildTopics(p, netip.MustParseAddr("fd00::1"), DefaultAddressStrip)
	if !errors.Is(err, ErrBufferTooShort) {
		t.Fatalf("BuildTopics() error = %v, want ErrBufferTooShort", err)
	}
	if got.Ready() {
		t.Error("overflowing topics reported ready")
	}
}

func TestClientID(t *testing.T) {
	tests := []struct {
		name string
		hw   net.HardwareAddr
		want string
	}{
		{
			name: "eui-64 skips middle bytes",
			hw:   net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x11, 0x22},
			want: "d:mqtt-client:native:aabbccff1122",
		},
		{
			name: "48-bit mac",
			hw:   net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF},
			want: "d:mqtt-client:native:aabbccddeeff",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ClientID("mqtt-client", "native", tt.hw)
			if err != nil {
				t.Fatalf("ClientID() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ClientID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIDErrors(t *testing.T) {
	if _, err := ClientID("org", "type", net.HardwareAddr{1, 2, 3}); !errors.Is(err, ErrBadHardwareAddr) {
		t.Errorf("short hardware address: err = %v, want ErrBadHardwareAddr", err)
	}
	long := strings.Repeat("o", BufferSize)
	_, err := ClientID(long, "native", net.HardwareAddr{1, 2, 3, 4, 5, 6})
	if !errors.Is(err, ErrBufferTooShort) {
		t.Errorf("ClientID(long org) error = %v, want ErrBufferTooShort", err)
	}
}
