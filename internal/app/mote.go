package app

import (
	"context"
	"net"
	"time"

	"github.com/petervdpas/groupmote/internal/collector"
	"github.com/petervdpas/groupmote/internal/config"
	"github.com/petervdpas/groupmote/internal/group"
	"github.com/petervdpas/groupmote/internal/loop"
	"github.com/petervdpas/groupmote/internal/mq"
	"github.com/petervdpas/groupmote/internal/netinfo"
	"github.com/petervdpas/groupmote/internal/state"
	"github.com/petervdpas/groupmote/internal/viewer"
)

const (
	timerMachine loop.TimerID = iota + 1
	timerEviction
)

// Scheduler arms the mote's timers.
type Scheduler interface {
	Arm(id loop.TimerID, d time.Duration)
}

// Mote is the running agent: contact registry, group detector, report
// emitter and collector machine, all driven from one dispatch goroutine.
type Mote struct {
	sched Scheduler
	call  func(ctx context.Context, fn func()) error
	clock func() time.Time

	contacts *state.ContactTable
	detector *group.Detector
	emitter  *mq.Emitter
	machine  *collector.Machine
	events   *viewer.Hub

	inactivity time.Duration
	eviction   time.Duration
}

// NewMote wires the core from cfg. client carries reports to the collector;
// network answers join and address questions; hw seeds the client id.
func NewMote(cfg config.Config, sched Scheduler, client collector.Client, network netinfo.Info, hw net.HardwareAddr) (*Mote, error) {
	policy, err := group.ParsePolicy(cfg.Contacts.GroupPolicy)
	if err != nil {
		return nil, err
	}

	m := &Mote{
		sched:      sched,
		clock:      time.Now,
		contacts:   state.NewContactTable(cfg.Contacts.MaxContacts, cfg.Contacts.ContactTimeout()),
		detector:   group.NewDetector(cfg.Contacts.GroupThreshold, policy),
		emitter:    mq.NewEmitter(client, cfg.Collector.AddressStrip),
		inactivity: cfg.Contacts.Inactivity(),
		eviction:   cfg.Contacts.Eviction(),
	}

	m.machine = collector.NewMachine(collector.Settings{
		OrgID:          cfg.Identity.OrgID,
		TypeID:         cfg.Identity.TypeID,
		AuthToken:      cfg.Identity.AuthToken,
		BrokerHost:     cfg.Collector.BrokerHost,
		BrokerPort:     cfg.Collector.BrokerPort,
		KeepAlive:      cfg.Collector.KeepAlive(),
		Prefixes:       cfg.Collector.Prefixes(),
		AddressStrip:   cfg.Collector.AddressStrip,
		TickInterval:   cfg.Machine.Tick(),
		NetConnectPoll: cfg.Machine.NetConnectPoll(),
		RetryInterval:  cfg.Machine.Retry(),
		StableTime:     cfg.Machine.Stable(),
		ConnectTimeout: cfg.Machine.ConnectTimeout(),
	}, client, network, hw)
	m.machine.OnTopics(m.emitter.SetTopics)

	return m, nil
}

// SetCaller installs the function used to run viewer reads on the loop.
func (m *Mote) SetCaller(call func(ctx context.Context, fn func()) error) { m.call = call }

// SetEvents publishes reports and contact changes to hub.
func (m *Mote) SetEvents(hub *viewer.Hub) {
	m.events = hub
	m.emitter.OnReport(func(r mq.Report) { hub.Publish(viewer.EventReport, r) })
}

// SetJournal records every publish attempt in j.
func (m *Mote) SetJournal(j mq.Journal) { m.emitter.SetJournal(j) }

func (m *Mote) ClientID() string { return m.machine.ClientID() }

// Start arms the initial timers. Call it before the loop runs.
func (m *Mote) Start() {
	m.sched.Arm(timerMachine, 0)
	m.sched.Arm(timerEviction, m.eviction)
}

// Dispatch handles one loop event.
func (m *Mote) Dispatch(ev loop.Event) {
	switch e := ev.(type) {
	case loop.Sighting:
		at := e.At
		if at.IsZero() {
			at = m.clock()
		}
		m.handleSighting(e, at)

	case loop.Timer:
		now := m.clock()
		switch e.ID {
		case timerMachine:
			m.tickMachine(now)
		case timerEviction:
			m.evict(now)
			m.sched.Arm(timerEviction, m.eviction)
		default:
			log.Warnf("unknown timer %d", e.ID)
		}

	case loop.Collector:
		before := m.machine.State()
		if m.machine.HandleEvent(e.Event, m.clock()) {
			m.sched.Arm(timerMachine, 0)
		}
		m.collectorChanged(before)

	default:
		log.Warnf("unhandled loop event %T", ev)
	}
}

func (m *Mote) handleSighting(s loop.Sighting, at time.Time) {
	if m.contacts.RecordSighting(s.Addr, at) && m.events != nil {
		if c, ok := m.contacts.Get(s.Addr); ok {
			m.events.Publish(viewer.EventContact, contactView(c))
		}
	}
	if members, ok := m.detector.Check(m.contacts); ok {
		_ = m.emitter.PublishGroupFormation(members)
	}
}

func (m *Mote) evict(now time.Time) {
	n := m.contacts.EvictInactive(now, m.inactivity, func(c state.Contact) {
		log.Infof("Contact %s inactive, reporting departure", c.Addr)
		_ = m.emitter.PublishDeparture(c.Addr)
		if m.events != nil {
			m.events.Publish(viewer.EventDeparture, contactView(c))
		}
	})
	if n > 0 {
		log.Debugf("evicted %d contacts, %d left", n, m.contacts.Len())
	}
}

func (m *Mote) tickMachine(now time.Time) {
	before := m.machine.State()
	next := m.machine.Tick(now)
	m.collectorChanged(before)
	if next == collector.NoTick {
		return
	}
	m.sched.Arm(timerMachine, next)
}

func (m *Mote) collectorChanged(before collector.State) {
	if m.events != nil && m.machine.State() != before {
		m.events.Publish(viewer.EventCollector, m.machine.Status())
	}
}

// Contacts snapshots the registry on the loop goroutine.
func (m *Mote) Contacts(ctx context.Context) ([]viewer.ContactView, error) {
	var out []viewer.ContactView
	err := m.onLoop(ctx, func() {
		snap := m.contacts.Snapshot()
		out = make([]viewer.ContactView, 0, len(snap))
		for _, c := range snap {
			out = append(out, contactView(c))
		}
	})
	return out, err
}

// Collector reports the machine status from the loop goroutine.
func (m *Mote) Collector(ctx context.Context) (collector.Status, error) {
	var st collector.Status
	err := m.onLoop(ctx, func() { st = m.machine.Status() })
	return st, err
}

func (m *Mote) onLoop(ctx context.Context, fn func()) error {
	if m.call == nil {
		return loop.ErrStopped
	}
	return m.call(ctx, fn)
}

func contactView(c state.Contact) viewer.ContactView {
	v := viewer.ContactView{
		Addr:         c.Addr.String(),
		LastSeen:     c.LastSeen,
		LastActivity: c.LastActivity,
		Mutual:       make([]string, len(c.Mutual)),
	}
	for i, a := range c.Mutual {
		v.Mutual[i] = a.String()
	}
	return v
}
