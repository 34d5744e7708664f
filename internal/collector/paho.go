package collector

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/petervdpas/groupmote/internal/mq"
)

// DefaultMaxInflight bounds outbound operations before Publish reports a full queue.
const DefaultMaxInflight = 4

// SUBACK return code for a refused subscription.
const subackFailure = 0x80

// PahoClient is a Client speaking MQTT through paho. Reconnects are left to
// the machine, so auto-reconnect is off.
type PahoClient struct {
	sink        Sink
	maxInflight int32

	mu       sync.Mutex
	clientID string
	username string
	password string
	client   mqtt.Client

	connected atomic.Bool
	inflight  atomic.Int32
}

func NewPahoClient(sink Sink, maxInflight int) *PahoClient {
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflight
	}
	return &PahoClient{sink: sink, maxInflight: int32(maxInflight)}
}

func (p *PahoClient) Register(clientID, username, password string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = clientID
	p.username = username
	p.password = password
}

func (p *PahoClient) Connect(host string, port int, keepAlive time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clientID == "" {
		return errors.New("collector: connect before register")
	}

	// Callbacks check c against p.client so that a client replaced by a
	// later Connect, or dropped by Disconnect, cannot report.
	var c mqtt.Client
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + net.JoinHostPort(host, strconv.Itoa(port))).
		SetClientID(p.clientID).
		SetUsername(p.username).
		SetPassword(p.password).
		SetKeepAlive(keepAlive).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			if !p.current(c) {
				return
			}
			p.connected.Store(false)
			p.sink(Event{Type: EventDisconnected, Err: err})
		}).
		SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			if !p.current(c) {
				return
			}
			p.sink(Event{Type: EventPublish, Topic: msg.Topic(), Payload: msg.Payload()})
		})

	c = mqtt.NewClient(opts)
	p.client = c
	p.track(c.Connect(), func(err error) {
		if !p.current(c) {
			if err == nil {
				log.Debugf("closing connection that completed after disconnect")
				c.Disconnect(0)
			}
			return
		}
		if err != nil {
			p.sink(Event{Type: EventDisconnected, Err: err})
			return
		}
		p.connected.Store(true)
		p.sink(Event{Type: EventConnected})
	})
	return nil
}

func (p *PahoClient) Subscribe(topic string, qos byte) error {
	c, err := p.ready()
	if err != nil {
		return err
	}
	tok := c.Subscribe(topic, qos, nil)
	p.track(tok, func(err error) {
		if err != nil {
			log.Warnf("subscribe %s: %v", topic, err)
			return
		}
		if st, ok := tok.(*mqtt.SubscribeToken); ok && st.Result()[topic] == subackFailure {
			log.Warnf("subscribe %s: rejected by broker", topic)
			return
		}
		if p.current(c) {
			p.sink(Event{Type: EventSubAck, Topic: topic})
		}
	})
	return nil
}

func (p *PahoClient) Publish(topic string, payload []byte, qos byte, retain bool) error {
	c, err := p.ready()
	if err != nil {
		return err
	}
	if p.inflight.Load() >= p.maxInflight {
		return mq.ErrQueueFull
	}
	p.track(c.Publish(topic, qos, retain, payload), func(err error) {
		if err != nil {
			log.Warnf("publish %s: %v", topic, err)
			return
		}
		if qos > mq.QoSAtMostOnce && p.current(c) {
			p.sink(Event{Type: EventPubAck, Topic: topic})
		}
	})
	return nil
}

func (p *PahoClient) Disconnect() {
	p.mu.Lock()
	c := p.client
	p.client = nil
	p.mu.Unlock()

	p.connected.Store(false)
	if c != nil {
		// paho waits for a pending connect before tearing down; the loop
		// must not.
		go c.Disconnect(0)
	}
}

func (p *PahoClient) Ready() bool {
	p.mu.Lock()
	c := p.client
	p.mu.Unlock()
	return c != nil && p.connected.Load() && c.IsConnectionOpen()
}

func (p *PahoClient) OutboundIdle() bool {
	return p.inflight.Load() == 0
}

func (p *PahoClient) current(c mqtt.Client) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return c != nil && p.client == c
}

func (p *PahoClient) ready() (mqtt.Client, error) {
	p.mu.Lock()
	c := p.client
	p.mu.Unlock()
	if c == nil || !p.connected.Load() {
		return nil, mq.ErrNotConnected
	}
	return c, nil
}

// track counts tok as in flight until it completes, then calls done.
func (p *PahoClient) track(tok mqtt.Token, done func(error)) {
	p.inflight.Add(1)
	go func() {
		<-tok.Done()
		p.inflight.Add(-1)
		done(tok.Error())
	}()
}
