package proto

import "time"

const (
	// UDP port used for neighbor beacons (one byte per datagram).
	BeaconPort = 5555

	// Payload of a discovery beacon. Any datagram counts as a sighting; the
	// byte distinguishes plain beacons from future signal datagrams.
	BeaconSignal = 0x00

	PresenceTopic = "groupmote.presence.v1"
	MdnsTag       = "groupmote-mdns"
)

// Collector topic prefixes. The compact own address is appended to each.
const (
	TopicContactsPrefix = "nsds_gm/contacts/"
	TopicSignalsPrefix  = "nsds_gm/signals/"
	TopicCommandPrefix  = "nsds_gm/cmd/"
)

// Report kinds, used for journal rows and viewer events.
const (
	KindDeparture = "departure"
	KindGroup     = "group"
)

// PresenceMsg is the gossipsub pulse published in libp2p discovery mode.
type PresenceMsg struct {
	PeerID string   `json:"peerId"`
	Addrs  []string `json:"addrs,omitempty"`
	TS     int64    `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
