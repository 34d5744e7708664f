package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/petervdpas/groupmote/internal/group"
	"github.com/petervdpas/groupmote/internal/mq"
	"github.com/petervdpas/groupmote/internal/proto"
	"github.com/petervdpas/groupmote/internal/util"
)

// DefaultFile is the config file created by Ensure in a device directory.
const DefaultFile = "mote.json"

type Config struct {
	Identity  Identity  `json:"identity" yaml:"identity"`
	Collector Collector `json:"collector" yaml:"collector"`
	Machine   Machine   `json:"machine" yaml:"machine"`
	Contacts  Contacts  `json:"contacts" yaml:"contacts"`
	Discovery Discovery `json:"discovery" yaml:"discovery"`
	Storage   Storage   `json:"storage" yaml:"storage"`
	Viewer    Viewer    `json:"viewer" yaml:"viewer"`
	Log       Log       `json:"log" yaml:"log"`
}

type Identity struct {
	OrgID     string `json:"org_id" yaml:"org_id" envconfig:"MOTE_ORG_ID"`
	TypeID    string `json:"type_id" yaml:"type_id" envconfig:"MOTE_TYPE_ID"`
	AuthToken string `json:"auth_token" yaml:"auth_token" envconfig:"MOTE_AUTH_TOKEN"`

	// Overrides the interface hardware address, e.g. "00:12:4b:00:00:00:00:01".
	HardwareAddr string `json:"hardware_addr" yaml:"hardware_addr" envconfig:"MOTE_HARDWARE_ADDR"`

	// libp2p identity, used in libp2p discovery mode only.
	KeyFile string `json:"key_file" yaml:"key_file" envconfig:"MOTE_KEY_FILE"`
}

type Collector struct {
	// "mqtt" or "redis".
	Transport  string `json:"transport" yaml:"transport" envconfig:"MOTE_COLLECTOR_TRANSPORT"`
	BrokerHost string `json:"broker_host" yaml:"broker_host" envconfig:"MOTE_BROKER_HOST"`
	BrokerPort int    `json:"broker_port" yaml:"broker_port" envconfig:"MOTE_BROKER_PORT"`

	PublishIntervalSec int `json:"publish_interval_seconds" yaml:"publish_interval_seconds" envconfig:"MOTE_PUBLISH_INTERVAL"`

	// 0 derives the keep-alive from the publish interval.
	KeepAliveSec int `json:"keep_alive_seconds" yaml:"keep_alive_seconds" envconfig:"MOTE_KEEP_ALIVE"`

	ContactsPrefix string `json:"contacts_prefix" yaml:"contacts_prefix" envconfig:"MOTE_CONTACTS_PREFIX"`
	SignalsPrefix  string `json:"signals_prefix" yaml:"signals_prefix" envconfig:"MOTE_SIGNALS_PREFIX"`
	CommandPrefix  string `json:"command_prefix" yaml:"command_prefix" envconfig:"MOTE_COMMAND_PREFIX"`

	// Leading characters cut from IPv6 addresses in topics and payloads
	// ("fd00::" by default). IPv4 addresses are never cut.
	AddressStrip int `json:"address_strip" yaml:"address_strip" envconfig:"MOTE_ADDRESS_STRIP"`

	MaxInflight int  `json:"max_inflight" yaml:"max_inflight" envconfig:"MOTE_MAX_INFLIGHT"`
	RedisAuth   bool `json:"redis_auth" yaml:"redis_auth" envconfig:"MOTE_REDIS_AUTH"`
}

type Machine struct {
	TickMs            int `json:"tick_ms" yaml:"tick_ms" envconfig:"MOTE_TICK_MS"`
	NetConnectPollMs  int `json:"net_connect_poll_ms" yaml:"net_connect_poll_ms" envconfig:"MOTE_NET_CONNECT_POLL_MS"`
	RetrySec          int `json:"retry_seconds" yaml:"retry_seconds" envconfig:"MOTE_RETRY"`
	StableSec         int `json:"stable_seconds" yaml:"stable_seconds" envconfig:"MOTE_STABLE"`
	ConnectTimeoutSec int `json:"connect_timeout_seconds" yaml:"connect_timeout_seconds" envconfig:"MOTE_CONNECT_TIMEOUT"`
}

type Contacts struct {
	MaxContacts       int    `json:"max_contacts" yaml:"max_contacts" envconfig:"MOTE_MAX_CONTACTS"`
	ContactTimeoutSec int    `json:"contact_timeout_seconds" yaml:"contact_timeout_seconds" envconfig:"MOTE_CONTACT_TIMEOUT"`
	InactivitySec     int    `json:"inactivity_seconds" yaml:"inactivity_seconds" envconfig:"MOTE_INACTIVITY"`
	EvictionSec       int    `json:"eviction_seconds" yaml:"eviction_seconds" envconfig:"MOTE_EVICTION"`
	GroupThreshold    int    `json:"group_threshold" yaml:"group_threshold" envconfig:"MOTE_GROUP_THRESHOLD"`
	GroupPolicy       string `json:"group_policy" yaml:"group_policy" envconfig:"MOTE_GROUP_POLICY"`
}

type Discovery struct {
	// "udp", "libp2p" or "both".
	Mode      string `json:"mode" yaml:"mode" envconfig:"MOTE_DISCOVERY"`
	Interface string `json:"interface" yaml:"interface" envconfig:"MOTE_INTERFACE"`

	UDPPort            int `json:"udp_port" yaml:"udp_port" envconfig:"MOTE_UDP_PORT"`
	SendIntervalSec    int `json:"send_interval_seconds" yaml:"send_interval_seconds" envconfig:"MOTE_SEND_INTERVAL"`
	SendJitterSec      int `json:"send_jitter_seconds" yaml:"send_jitter_seconds" envconfig:"MOTE_SEND_JITTER"`
	CommunicationLagMs int `json:"communication_lag_ms" yaml:"communication_lag_ms" envconfig:"MOTE_COMMUNICATION_LAG_MS"`

	// Hand-configured neighbors, beaconed in addition to the kernel's list.
	Peers []string `json:"peers" yaml:"peers" envconfig:"MOTE_PEERS"`

	ListenPort          int `json:"listen_port" yaml:"listen_port" envconfig:"MOTE_LISTEN_PORT"`
	PresenceIntervalSec int `json:"presence_interval_seconds" yaml:"presence_interval_seconds" envconfig:"MOTE_PRESENCE_INTERVAL"`

	QueueSize int `json:"queue_size" yaml:"queue_size" envconfig:"MOTE_QUEUE_SIZE"`
}

type Storage struct {
	Journal     bool   `json:"journal" yaml:"journal" envconfig:"MOTE_JOURNAL"`
	JournalPath string `json:"journal_path" yaml:"journal_path" envconfig:"MOTE_JOURNAL_PATH"`
	JournalKeep int    `json:"journal_keep" yaml:"journal_keep" envconfig:"MOTE_JOURNAL_KEEP"`
}

type Viewer struct {
	HTTPAddr  string `json:"http_addr" yaml:"http_addr" envconfig:"MOTE_HTTP_ADDR"`
	LogBuffer int    `json:"log_buffer" yaml:"log_buffer" envconfig:"MOTE_LOG_BUFFER"`
}

type Log struct {
	Level  string `json:"level" yaml:"level" envconfig:"MOTE_LOG_LEVEL"`
	Format string `json:"format" yaml:"format" envconfig:"MOTE_LOG_FORMAT"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			OrgID:     "mqtt-client",
			TypeID:    "native",
			AuthToken: "AUTHZ",
			KeyFile:   "data/identity.key",
		},
		Collector: Collector{
			Transport:          "mqtt",
			BrokerHost:         "fd00::1",
			BrokerPort:         1883,
			PublishIntervalSec: 5,
			KeepAliveSec:       0,
			ContactsPrefix:     proto.TopicContactsPrefix,
			SignalsPrefix:      proto.TopicSignalsPrefix,
			CommandPrefix:      proto.TopicCommandPrefix,
			AddressStrip:       mq.DefaultAddressStrip,
			MaxInflight:        4,
		},
		Machine: Machine{
			TickMs:            1000,
			NetConnectPollMs:  250,
			RetrySec:          10,
			StableSec:         5,
			ConnectTimeoutSec: 30,
		},
		Contacts: Contacts{
			MaxContacts:       128,
			ContactTimeoutSec: 30,
			InactivitySec:     60,
			EvictionSec:       30,
			GroupThreshold:    3,
			GroupPolicy:       string(group.PolicyCardinality),
		},
		Discovery: Discovery{
			Mode:                "udp",
			UDPPort:             proto.BeaconPort,
			SendIntervalSec:     20,
			SendJitterSec:       5,
			CommunicationLagMs:  500,
			PresenceIntervalSec: 20,
			QueueSize:           256,
		},
		Storage: Storage{
			Journal:     true,
			JournalPath: "data/journal.db",
			JournalKeep: 1000,
		},
		Viewer: Viewer{
			HTTPAddr:  "",
			LogBuffer: 500,
		},
		Log: Log{
			Level:  "info",
			Format: "color",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.OrgID) == "" {
		return errors.New("identity.org_id is required")
	}
	if strings.TrimSpace(c.Identity.TypeID) == "" {
		return errors.New("identity.type_id is required")
	}
	if hw := strings.TrimSpace(c.Identity.HardwareAddr); hw != "" {
		if _, err := net.ParseMAC(hw); err != nil {
			return fmt.Errorf("identity.hardware_addr: %w", err)
		}
	}
	if c.Discovery.usesLibp2p() && strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required in libp2p discovery mode")
	}

	// Collector
	switch c.Collector.Transport {
	case "mqtt", "redis":
	default:
		return fmt.Errorf("collector.transport must be mqtt or redis, got %q", c.Collector.Transport)
	}
	if strings.TrimSpace(c.Collector.BrokerHost) == "" {
		return errors.New("collector.broker_host is required")
	}
	if c.Collector.BrokerPort <= 0 || c.Collector.BrokerPort > 65535 {
		return errors.New("collector.broker_port must be 1..65535")
	}
	if c.Collector.PublishIntervalSec <= 0 {
		return errors.New("collector.publish_interval_seconds must be > 0")
	}
	if c.Collector.KeepAliveSec < 0 {
		return errors.New("collector.keep_alive_seconds must be >= 0")
	}
	if c.Collector.AddressStrip < 0 || c.Collector.AddressStrip >= mq.AddressSize {
		return fmt.Errorf("collector.address_strip must be 0..%d", mq.AddressSize-1)
	}
	if c.Collector.ContactsPrefix == "" || c.Collector.CommandPrefix == "" {
		return errors.New("collector.contacts_prefix and collector.command_prefix are required")
	}
	if c.Collector.MaxInflight <= 0 {
		return errors.New("collector.max_inflight must be > 0")
	}

	// Machine
	if c.Machine.TickMs <= 0 || c.Machine.NetConnectPollMs <= 0 {
		return errors.New("machine.tick_ms and machine.net_connect_poll_ms must be > 0")
	}
	if c.Machine.RetrySec <= 0 {
		return errors.New("machine.retry_seconds must be > 0")
	}
	if c.Machine.StableSec < 0 || c.Machine.ConnectTimeoutSec < 0 {
		return errors.New("machine.stable_seconds and machine.connect_timeout_seconds must be >= 0")
	}

	// Contacts
	if c.Contacts.MaxContacts < 1 {
		return errors.New("contacts.max_contacts must be >= 1")
	}
	if c.Contacts.ContactTimeoutSec <= 0 || c.Contacts.InactivitySec <= 0 || c.Contacts.EvictionSec <= 0 {
		return errors.New("contacts timeouts must be > 0")
	}
	if c.Contacts.GroupThreshold < 1 {
		return errors.New("contacts.group_threshold must be >= 1")
	}
	if _, err := group.ParsePolicy(c.Contacts.GroupPolicy); err != nil {
		return fmt.Errorf("contacts.group_policy: %w", err)
	}

	// Discovery
	switch c.Discovery.Mode {
	case "udp", "libp2p", "both":
	default:
		return fmt.Errorf("discovery.mode must be udp, libp2p or both, got %q", c.Discovery.Mode)
	}
	if c.Discovery.UDPPort < 0 || c.Discovery.UDPPort > 65535 {
		return errors.New("discovery.udp_port must be 0..65535")
	}
	if c.Discovery.ListenPort < 0 || c.Discovery.ListenPort > 65535 {
		return errors.New("discovery.listen_port must be 0..65535")
	}
	if c.Discovery.SendIntervalSec <= 0 {
		return errors.New("discovery.send_interval_seconds must be > 0")
	}
	if c.Discovery.SendJitterSec < 0 || c.Discovery.SendJitterSec >= c.Discovery.SendIntervalSec {
		return errors.New("discovery.send_jitter_seconds must be 0..send_interval_seconds-1")
	}
	if c.Discovery.CommunicationLagMs < 0 {
		return errors.New("discovery.communication_lag_ms must be >= 0")
	}
	for _, p := range c.Discovery.Peers {
		if _, err := netip.ParseAddr(strings.TrimSpace(p)); err != nil {
			return fmt.Errorf("discovery.peers: %w", err)
		}
	}

	// Storage
	if c.Storage.Journal && strings.TrimSpace(c.Storage.JournalPath) == "" {
		return errors.New("storage.journal_path is required when the journal is enabled")
	}
	if c.Storage.JournalKeep < 0 {
		return errors.New("storage.journal_keep must be >= 0")
	}

	// Log
	switch c.Log.Format {
	case "color", "nocolor", "json":
	default:
		return fmt.Errorf("log.format must be color, nocolor or json, got %q", c.Log.Format)
	}

	return nil
}

func (d Discovery) usesLibp2p() bool { return d.Mode == "libp2p" || d.Mode == "both" }

func (d Discovery) UsesUDP() bool { return d.Mode == "udp" || d.Mode == "both" }

func (d Discovery) UsesLibp2p() bool { return d.usesLibp2p() }

// KeepAlive returns the configured keep-alive, or three publish intervals.
func (c Collector) KeepAlive() time.Duration {
	if c.KeepAliveSec > 0 {
		return time.Duration(c.KeepAliveSec) * time.Second
	}
	return 3 * time.Duration(c.PublishIntervalSec) * time.Second
}

func (c Collector) Prefixes() mq.TopicPrefixes {
	return mq.TopicPrefixes{
		Contacts: c.ContactsPrefix,
		Signals:  c.SignalsPrefix,
		Command:  c.CommandPrefix,
	}
}

// HardwareAddress parses the identity override; nil when unset.
func (i Identity) HardwareAddress() net.HardwareAddr {
	hw, err := net.ParseMAC(strings.TrimSpace(i.HardwareAddr))
	if err != nil {
		return nil
	}
	return hw
}

// PeerAddrs returns the hand-configured neighbors, skipping malformed ones.
func (d Discovery) PeerAddrs() []netip.Addr {
	out := make([]netip.Addr, 0, len(d.Peers))
	for _, p := range d.Peers {
		if a, err := netip.ParseAddr(strings.TrimSpace(p)); err == nil {
			out = append(out, a)
		}
	}
	return out
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (m Machine) Tick() time.Duration           { return millis(m.TickMs) }
func (m Machine) NetConnectPoll() time.Duration { return millis(m.NetConnectPollMs) }
func (m Machine) Retry() time.Duration          { return seconds(m.RetrySec) }
func (m Machine) Stable() time.Duration         { return seconds(m.StableSec) }
func (m Machine) ConnectTimeout() time.Duration { return seconds(m.ConnectTimeoutSec) }

func (c Contacts) ContactTimeout() time.Duration { return seconds(c.ContactTimeoutSec) }
func (c Contacts) Inactivity() time.Duration     { return seconds(c.InactivitySec) }
func (c Contacts) Eviction() time.Duration       { return seconds(c.EvictionSec) }

func (d Discovery) SendInterval() time.Duration     { return seconds(d.SendIntervalSec) }
func (d Discovery) SendJitter() time.Duration       { return seconds(d.SendJitterSec) }
func (d Discovery) CommunicationLag() time.Duration { return millis(d.CommunicationLagMs) }
func (d Discovery) PresenceInterval() time.Duration { return seconds(d.PresenceIntervalSec) }

// Load reads a JSON or YAML config (by extension), applies MOTE_* environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("processing env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file without env overrides or validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing fields remain initialized.
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	default:
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, false, fmt.Errorf("processing env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, false, err
	}
	return cfg, true, nil
}
