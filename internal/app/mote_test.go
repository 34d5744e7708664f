package app

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/groupmote/internal/collector"
	"github.com/petervdpas/groupmote/internal/config"
	"github.com/petervdpas/groupmote/internal/loop"
	"github.com/petervdpas/groupmote/internal/netinfo"
	"github.com/petervdpas/groupmote/internal/viewer"
)

type published struct {
	topic   string
	payload string
}

type fakeClient struct {
	mu        sync.Mutex
	open      bool
	connects  int
	subscribe []string
	sent      []published
}

func (f *fakeClient) Register(id, user, pass string) {}

func (f *fakeClient) Connect(host string, port int, keepAlive time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeClient) Subscribe(topic string, qos byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribe = append(f.subscribe, topic)
	return nil
}

func (f *fakeClient) Publish(topic string, payload []byte, qos byte, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{topic, string(payload)})
	return nil
}

func (f *fakeClient) Disconnect() { f.open = false }

func (f *fakeClient) Ready() bool { return f.open }

func (f *fakeClient) OutboundIdle() bool { return true }

func (f *fakeClient) sentReports() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.sent...)
}

type armed struct {
	id loop.TimerID
	d  time.Duration
}

type fakeSched struct{ arms []armed }

func (s *fakeSched) Arm(id loop.TimerID, d time.Duration) { s.arms = append(s.arms, armed{id, d}) }

func (s *fakeSched) last(id loop.TimerID) (time.Duration, bool) {
	for i := len(s.arms) - 1; i >= 0; i-- {
		if s.arms[i].id == id {
			return s.arms[i].d, true
		}
	}
	return 0, false
}

var testHW = net.HardwareAddr{0x00, 0x12, 0x4b, 0x00, 0x06, 0x0d}

func newTestMote(t *testing.T) (*Mote, *fakeClient, *fakeSched, *time.Time) {
	t.Helper()
	cfg := config.Default()
	client := &fakeClient{}
	sched := &fakeSched{}
	network := &netinfo.Static{Addr: netip.MustParseAddr("fd00::212:4b00:60d:1")}

	m, err := NewMote(cfg, sched, client, network, testHW)
	if err != nil {
		t.Fatalf("NewMote: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	m.clock = func() time.Time { return now }
	return m, client, sched, &now
}

// connect drives the machine to Subscribed.
func connect(t *testing.T, m *Mote, c *fakeClient) {
	t.Helper()
	m.Dispatch(loop.Timer{ID: timerMachine})
	if m.machine.State() != collector.StateConnecting {
		t.Fatalf("state after first tick = %s", m.machine.State())
	}
	c.open = true
	m.Dispatch(loop.Collector{Event: collector.Event{Type: collector.EventConnected}})
	m.Dispatch(loop.Timer{ID: timerMachine})
	m.Dispatch(loop.Collector{Event: collector.Event{Type: collector.EventSubAck}})
	if m.machine.State() != collector.StateSubscribed {
		t.Fatalf("state = %s, want subscribed", m.machine.State())
	}
}

func sight(m *Mote, s string, at time.Time) {
	m.Dispatch(loop.Sighting{Addr: netip.MustParseAddr(s), At: at})
}

func TestStartArmsTimers(t *testing.T) {
	m, _, sched, _ := newTestMote(t)
	m.Start()

	if d, ok := sched.last(timerMachine); !ok || d != 0 {
		t.Fatalf("machine timer = %v %v, want immediate", d, ok)
	}
	if d, ok := sched.last(timerEviction); !ok || d != 30*time.Second {
		t.Fatalf("eviction timer = %v %v, want 30s", d, ok)
	}
}

func TestConnectSubscribesCommandTopic(t *testing.T) {
	m, c, _, _ := newTestMote(t)
	connect(t, m, c)

	if c.connects != 1 {
		t.Fatalf("connects = %d", c.connects)
	}
	if len(c.subscribe) != 1 || c.subscribe[0] != "nsds_gm/cmd/212:4b00:60d:1" {
		t.Fatalf("subscribed %v", c.subscribe)
	}
	if got := m.machine.Status().Topics.Contacts; got != "nsds_gm/contacts/212:4b00:60d:1" {
		t.Fatalf("contacts topic = %q", got)
	}
}

func TestGroupReportedFromThirdContact(t *testing.T) {
	m, c, _, now := newTestMote(t)
	connect(t, m, c)

	sight(m, "fd00::212:4b00:60d:a", *now)
	sight(m, "fd00::212:4b00:60d:b", *now)
	if n := len(c.sentReports()); n != 0 {
		t.Fatalf("%d reports before threshold", n)
	}

	sight(m, "fd00::212:4b00:60d:c", *now)
	sent := c.sentReports()
	if len(sent) != 1 {
		t.Fatalf("reports = %d, want 1", len(sent))
	}
	want := `{"group": true, "members": ["212:4b00:60d:a", "212:4b00:60d:b", "212:4b00:60d:c"]}`
	if sent[0].payload != want {
		t.Fatalf("payload = %s\nwant      %s", sent[0].payload, want)
	}
	if sent[0].topic != "nsds_gm/contacts/212:4b00:60d:1" {
		t.Fatalf("topic = %s", sent[0].topic)
	}

	// A repeat sighting still satisfies the rule and reports again.
	sight(m, "fd00::212:4b00:60d:a", now.Add(time.Second))
	if n := len(c.sentReports()); n != 2 {
		t.Fatalf("reports = %d, want 2", n)
	}
}

func TestEvictionReportsDepartures(t *testing.T) {
	m, c, sched, now := newTestMote(t)
	connect(t, m, c)

	sight(m, "fd00::212:4b00:60d:a", *now)
	sight(m, "fd00::212:4b00:60d:b", now.Add(50*time.Second))

	*now = now.Add(61 * time.Second)
	m.Dispatch(loop.Timer{ID: timerEviction})

	var departures []string
	for _, p := range c.sentReports() {
		if strings.Contains(p.payload, `"departure"`) {
			departures = append(departures, p.payload)
		}
	}
	if len(departures) != 1 || departures[0] != `{"event": "departure", "ip": "212:4b00:60d:a"}` {
		t.Fatalf("departures = %v", departures)
	}
	if m.contacts.Len() != 1 {
		t.Fatalf("contacts left = %d", m.contacts.Len())
	}
	if d, ok := sched.last(timerEviction); !ok || d != 30*time.Second {
		t.Fatalf("eviction not rearmed: %v %v", d, ok)
	}
}

func TestReportsBeforeConnectAreNotSent(t *testing.T) {
	m, c, _, now := newTestMote(t)

	for _, a := range []string{"fd00::a", "fd00::b", "fd00::c"} {
		sight(m, a, *now)
	}
	if n := len(c.sentReports()); n != 0 {
		t.Fatalf("published %d reports without topics", n)
	}
}

func TestDisconnectTicksImmediately(t *testing.T) {
	m, c, sched, _ := newTestMote(t)
	connect(t, m, c)
	sched.arms = nil

	m.Dispatch(loop.Collector{Event: collector.Event{Type: collector.EventDisconnected}})
	if d, ok := sched.last(timerMachine); !ok || d != 0 {
		t.Fatalf("machine timer = %v %v, want immediate", d, ok)
	}

	m.Dispatch(loop.Timer{ID: timerMachine})
	if m.machine.State() != collector.StateRegistered {
		t.Fatalf("state = %s, want registered", m.machine.State())
	}
	if d, _ := sched.last(timerMachine); d != 10*time.Second {
		t.Fatalf("retry delay = %s", d)
	}
}

func TestEventsPublishedToHub(t *testing.T) {
	m, c, _, now := newTestMote(t)
	hub := viewer.NewHub()
	m.SetEvents(hub)
	ch, cancel := hub.Subscribe()
	defer cancel()

	connect(t, m, c)
	sight(m, "fd00::a", *now)

	seen := map[string]bool{}
	for done := false; !done; {
		select {
		case ev := <-ch:
			seen[ev.Type] = true
		default:
			done = true
		}
	}
	if !seen[viewer.EventCollector] || !seen[viewer.EventContact] {
		t.Fatalf("hub events = %v", seen)
	}
}

func TestSourceRunsOnLoop(t *testing.T) {
	cfg := config.Default()
	l := loop.New(16)
	client := &fakeClient{}
	network := &netinfo.Static{Addr: netip.MustParseAddr("fd00::1:2")}

	m, err := NewMote(cfg, l, client, network, testHW)
	if err != nil {
		t.Fatal(err)
	}
	m.SetCaller(l.Call)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, m.Dispatch) }()

	if !l.Post(loop.Sighting{Addr: netip.MustParseAddr("fd00::9"), At: time.Now()}) {
		t.Fatal("post failed")
	}
	cs, err := m.Contacts(ctx)
	if err != nil {
		t.Fatalf("Contacts: %v", err)
	}
	if len(cs) != 1 || cs[0].Addr != "fd00::9" {
		t.Fatalf("contacts = %+v", cs)
	}
	st, err := m.Collector(ctx)
	if err != nil {
		t.Fatalf("Collector: %v", err)
	}
	if st.ClientID != m.ClientID() {
		t.Fatalf("status client id %q, want %q", st.ClientID, m.ClientID())
	}

	cancel()
	<-done
	if _, err := m.Contacts(context.Background()); err != loop.ErrStopped {
		t.Fatalf("Contacts after stop: %v", err)
	}
}

func TestWithPeersDeduplicates(t *testing.T) {
	a, b := netip.MustParseAddr("fd00::a"), netip.MustParseAddr("fd00::b")
	w := withPeers{Info: &netinfo.Static{Peers: []netip.Addr{a}}, extra: []netip.Addr{a, b}}
	got := w.Neighbors()
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Fatalf("neighbors = %v", got)
	}
}

func TestNormalizeLocalViewer(t *testing.T) {
	cases := map[string]string{
		":8080":        "127.0.0.1:8080",
		"0.0.0.0:9000": "127.0.0.1:9000",
		"10.0.0.5:80":  "10.0.0.5:80",
	}
	for in, want := range cases {
		got, url := NormalizeLocalViewer(in)
		if got != want || url != "http://"+want {
			t.Errorf("NormalizeLocalViewer(%q) = %q %q", in, got, url)
		}
	}
}
