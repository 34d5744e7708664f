package mq

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/groupmote/internal/proto"
)

var log = logging.Logger("report")

// Report is one publish attempt, as seen by journals and observers.
type Report struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Topic   string    `json:"topic"`
	Payload string    `json:"payload"`
	Status  string    `json:"status"`
	At      time.Time `json:"at"`
}

// Journal records publish attempts.
type Journal interface {
	RecordReport(r Report) error
}

// Emitter formats departure and group formation reports and publishes them on
// the contacts topic with at-least-once delivery. Publishing is fire and
// forget: failures are logged and recorded, never retried.
type Emitter struct {
	pub       Publisher
	topics    Topics
	strip     int
	journal   Journal
	observers []func(Report)
}

func NewEmitter(pub Publisher, addressStrip int) *Emitter {
	return &Emitter{pub: pub, strip: addressStrip}
}

// SetTopics installs the topics built on network join.
func (e *Emitter) SetTopics(t Topics) { e.topics = t }

// SetJournal installs an optional journal.
func (e *Emitter) SetJournal(j Journal) { e.journal = j }

// OnReport registers fn to be called after every publish attempt.
func (e *Emitter) OnReport(fn func(Report)) {
	e.observers = append(e.observers, fn)
}

// DepartureMessage formats a departure payload for the compact address ip.
func DepartureMessage(ip string) (string, error) {
	msg := fmt.Sprintf(`{"event": "departure", "ip": "%s"}`, ip)
	if len(msg) >= PayloadSize {
		return "", fmt.Errorf("departure payload: %d bytes, buffer %d: %w", len(msg), PayloadSize, ErrBufferTooShort)
	}
	return msg, nil
}

const (
	groupPrefix = `{"group": true, "members": [`
	groupSuffix = `]}`
)

// GroupFormationMessage formats a group formation payload. Members are
// appended in order while the payload stays below PayloadSize; the rest are
// left out. It returns the payload and how many members it holds.
func GroupFormationMessage(members []string) (string, int) {
	var b strings.Builder
	b.Grow(PayloadSize)
	b.WriteString(groupPrefix)
	n := 0
	for _, m := range members {
		sep := ""
		if n > 0 {
			sep = ", "
		}
		if b.Len()+len(sep)+len(m)+2+len(groupSuffix) >= PayloadSize {
			break
		}
		b.WriteString(sep)
		b.WriteByte('"')
		b.WriteString(m)
		b.WriteByte('"')
		n++
	}
	b.WriteString(groupSuffix)
	return b.String(), n
}

// PublishDeparture reports that addr left.
func (e *Emitter) PublishDeparture(addr netip.Addr) error {
	msg, err := DepartureMessage(CompactAddr(addr, e.strip))
	if err != nil {
		log.Errorf("departure of %s: %v", addr, err)
		return err
	}
	return e.publish(proto.KindDeparture, msg)
}

// PublishGroupFormation reports that members form a group.
func (e *Emitter) PublishGroupFormation(members []netip.Addr) error {
	log.Info("Reporting group formation.")
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = CompactAddr(m, e.strip)
	}
	msg, n := GroupFormationMessage(names)
	if n < len(names) {
		log.Errorf("Buffer too short. Have %d, need more for %d members (kept %d)", PayloadSize, len(names), n)
	}
	return e.publish(proto.KindGroup, msg)
}

func (e *Emitter) publish(kind, msg string) error {
	r := Report{
		ID:      uuid.NewString(),
		Kind:    kind,
		Topic:   e.topics.Contacts,
		Payload: msg,
		At:      time.Now(),
	}

	var err error
	if !e.topics.Ready() {
		err = ErrNoTopic
	} else {
		err = e.pub.Publish(r.Topic, []byte(msg), QoSAtLeastOnce, false)
	}

	switch {
	case err == nil:
		r.Status = StatusSent
		log.Infof("%s reported: %s", kind, msg)
	case errors.Is(err, ErrQueueFull):
		r.Status = StatusQueueFull
		log.Warnf("%s report dropped, outbound queue full: %s", kind, msg)
		err = nil
	case errors.Is(err, ErrNotConnected):
		r.Status = StatusNotConnected
		log.Warnf("%s report not sent, collector not connected", kind)
	case errors.Is(err, ErrNoTopic):
		r.Status = StatusNoTopic
		log.Warnf("%s report not sent, topics not built yet", kind)
	default:
		r.Status = StatusFailed
		log.Errorf("Failed to report %s: %v", kind, err)
	}

	if e.journal != nil {
		if jerr := e.journal.RecordReport(r); jerr != nil {
			log.Warnf("journal: %v", jerr)
		}
	}
	for _, fn := range e.observers {
		fn(r)
	}
	return err
}
