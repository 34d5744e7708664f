// Package collector drives the connection to the remote collector: register,
// connect once the device has joined the network, subscribe, and retry at a
// fixed interval after every disconnect.
package collector

import (
	"errors"
	"net"
	"net/netip"
	"strconv"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/groupmote/internal/mq"
)

var log = logging.Logger("collector")

// State of the connection lifecycle.
type State uint8

const (
	StateInit State = iota
	StateRegistered
	StateConnecting
	StateConnected
	StateSubscribed
	StateDisconnected
	StateError State = 0xFF
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRegistered:
		return "registered"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// NoTick is returned by Tick when the machine must not be ticked again.
const NoTick time.Duration = -1

// Network answers the two questions the machine asks the network layer.
type Network interface {
	Joined() bool
	GlobalAddr() (netip.Addr, bool)
}

// Settings is the immutable connection configuration.
type Settings struct {
	OrgID     string
	TypeID    string
	AuthToken string

	BrokerHost string
	BrokerPort int
	KeepAlive  time.Duration

	Prefixes     mq.TopicPrefixes
	AddressStrip int

	TickInterval   time.Duration
	NetConnectPoll time.Duration
	RetryInterval  time.Duration
	StableTime     time.Duration
	ConnectTimeout time.Duration
}

// Status is a point-in-time view of the machine.
type Status struct {
	State    string    `json:"state"`
	Attempt  uint8     `json:"attempt"`
	ClientID string    `json:"client_id"`
	Broker   string    `json:"broker"`
	Topics   mq.Topics `json:"topics"`
}

// Machine is the connection lifecycle state machine. It is not safe for
// concurrent use; the event loop owns it.
type Machine struct {
	s      Settings
	client Client
	net    Network

	clientID string
	topics   mq.Topics
	onTopics []func(mq.Topics)

	state           State
	attempt         uint8
	stableAt        time.Time
	connectStarted  time.Time
	subscribeIssued bool
}

// NewMachine builds the client identifier from hw. A malformed identity
// leaves the machine in StateError for good.
func NewMachine(s Settings, client Client, network Network, hw net.HardwareAddr) *Machine {
	m := &Machine{s: s, client: client, net: network}
	id, err := mq.ClientID(s.OrgID, s.TypeID, hw)
	if err != nil {
		log.Errorf("Client ID: %v", err)
		m.state = StateError
		return m
	}
	m.clientID = id
	m.state = StateInit
	return m
}

// OnTopics registers fn to receive the topics each time they are built.
func (m *Machine) OnTopics(fn func(mq.Topics)) {
	m.onTopics = append(m.onTopics, fn)
}

func (m *Machine) State() State { return m.state }

func (m *Machine) Attempt() uint8 { return m.attempt }

func (m *Machine) ClientID() string { return m.clientID }

func (m *Machine) Status() Status {
	return Status{
		State:    m.state.String(),
		Attempt:  m.attempt,
		ClientID: m.clientID,
		Broker:   net.JoinHostPort(m.s.BrokerHost, strconv.Itoa(m.s.BrokerPort)),
		Topics:   m.topics,
	}
}

// Tick advances the machine and returns the delay until the next tick, 0 for
// an immediate one, or NoTick once the machine is in StateError.
func (m *Machine) Tick(now time.Time) time.Duration {
	switch m.state {
	case StateInit:
		log.Info("STATE INIT")
		m.client.Register(m.clientID, TokenAuthUser, m.s.AuthToken)
		m.attempt = 1
		m.state = StateRegistered
		fallthrough

	case StateRegistered:
		if !m.net.Joined() {
			return m.s.NetConnectPoll
		}
		own, ok := m.net.GlobalAddr()
		if !ok {
			return m.s.NetConnectPoll
		}
		if !m.updateConfig(own) {
			return NoTick
		}
		log.Infof("Joined network! Connect attempt %d", m.attempt)
		m.connect(now)
		return m.s.NetConnectPoll

	case StateConnecting:
		if m.s.ConnectTimeout > 0 && now.Sub(m.connectStarted) > m.s.ConnectTimeout {
			log.Warnf("Connect timed out after %s", m.s.ConnectTimeout)
			m.state = StateDisconnected
			return 0
		}
		log.Infof("Connecting: retry %d...", m.attempt)
		return m.s.TickInterval

	case StateConnected, StateSubscribed:
		if !m.stableAt.IsZero() && !now.Before(m.stableAt) && m.attempt != 0 {
			log.Debugf("connection stable, attempt counter reset from %d", m.attempt)
			m.attempt = 0
		}
		if m.state == StateConnected && !m.subscribeIssued && m.client.Ready() && m.client.OutboundIdle() {
			m.subscribe()
		}
		return m.s.TickInterval

	case StateDisconnected:
		m.client.Disconnect()
		m.attempt++
		log.Infof("Disconnected: attempt %d in %s", m.attempt, m.s.RetryInterval)
		m.state = StateRegistered
		return m.s.RetryInterval

	case StateError:
		log.Error("ERROR. Bad configuration.")
		return NoTick

	default:
		log.Errorf("ERROR. Default case: State=0x%02x", uint8(m.state))
		return NoTick
	}
}

// HandleEvent applies a client event. It returns true when the machine wants
// to be ticked immediately.
func (m *Machine) HandleEvent(ev Event, now time.Time) bool {
	switch ev.Type {
	case EventConnected:
		if m.state != StateConnecting {
			log.Warnf("CONNECTED in state %s ignored", m.state)
			return false
		}
		log.Info("Connected to the collector!")
		m.stableAt = now.Add(m.s.StableTime)
		m.subscribeIssued = false
		m.state = StateConnected

	case EventDisconnected:
		switch m.state {
		case StateConnecting, StateConnected, StateSubscribed:
			log.Infof("Disconnected from the collector: %v", ev.Err)
			m.state = StateDisconnected
			m.stableAt = time.Time{}
			return true
		default:
			log.Debugf("DISCONNECTED in state %s ignored", m.state)
		}

	case EventSubAck:
		if m.state == StateConnected {
			m.state = StateSubscribed
			log.Info("Application is subscribed to topic successfully")
		}

	case EventUnsubAck:
		log.Info("Application is unsubscribed to topic successfully")

	case EventPubAck:
		log.Debug("Publishing complete")

	case EventPublish:
		log.Infof("NOTIFICATION received on %s, %d bytes", ev.Topic, len(ev.Payload))

	default:
		log.Warnf("Application got an unhandled collector event: %s", ev.Type)
	}
	return false
}

// updateConfig builds the topics for own. Failure is a configuration error.
func (m *Machine) updateConfig(own netip.Addr) bool {
	t, err := mq.BuildTopics(m.s.Prefixes, own, m.s.AddressStrip)
	if err != nil {
		log.Errorf("Topics: %v", err)
		m.state = StateError
		return false
	}
	m.topics = t
	for _, fn := range m.onTopics {
		fn(t)
	}
	return true
}

func (m *Machine) connect(now time.Time) {
	m.connectStarted = now
	m.state = StateConnecting
	if err := m.client.Connect(m.s.BrokerHost, m.s.BrokerPort, m.s.KeepAlive); err != nil {
		log.Warnf("connect to %s:%d: %v", m.s.BrokerHost, m.s.BrokerPort, err)
		m.state = StateDisconnected
	}
}

func (m *Machine) subscribe() {
	log.Info("Subscribing")
	err := m.client.Subscribe(m.topics.Command, mq.QoSAtMostOnce)
	switch {
	case err == nil:
		m.subscribeIssued = true
	case errors.Is(err, mq.ErrQueueFull):
		log.Info("Tried to subscribe but command queue was full!")
	default:
		log.Warnf("subscribe %s: %v", m.topics.Command, err)
	}
}
