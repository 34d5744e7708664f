// Package loop serializes every state change of the mote onto one goroutine.
// Discovery listeners, the collector client and timers post events; Run
// dispatches them in order.
package loop

import (
	"context"
	"errors"
	"net/netip"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/time/rate"

	"github.com/petervdpas/groupmote/internal/collector"
)

var log = logging.Logger("loop")

// DefaultQueue is the event queue depth.
const DefaultQueue = 256

// ErrStopped is returned by Call once Run has returned.
var ErrStopped = errors.New("loop: stopped")

// TimerID names a rearmable timer.
type TimerID int

// Event is one of Sighting, Timer or Collector.
type Event interface{ isEvent() }

// Sighting reports that a datagram arrived from Addr.
type Sighting struct {
	Addr netip.Addr
	At   time.Time
}

// Timer fires when an armed timer expires.
type Timer struct {
	ID  TimerID
	gen uint64
}

// Collector wraps an event of the collector connection.
type Collector struct {
	collector.Event
}

type call struct {
	fn   func()
	done chan struct{}
}

func (Sighting) isEvent()  {}
func (Timer) isEvent()     {}
func (Collector) isEvent() {}
func (call) isEvent()      {}

// Loop is a single-consumer event queue with rearmable timers. Arm and Stop
// must be called from the dispatch goroutine, or before Run starts.
type Loop struct {
	events chan Event
	done   chan struct{}

	gens   map[TimerID]uint64
	timers map[TimerID]*time.Timer

	dropLimit *rate.Limiter
}

func New(queue int) *Loop {
	if queue <= 0 {
		queue = DefaultQueue
	}
	return &Loop{
		events:    make(chan Event, queue),
		done:      make(chan struct{}),
		gens:      make(map[TimerID]uint64),
		timers:    make(map[TimerID]*time.Timer),
		dropLimit: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// Post queues ev, blocking while the queue is full. It returns false once
// the loop has stopped.
func (l *Loop) Post(ev Event) bool {
	select {
	case l.events <- ev:
		return true
	case <-l.done:
		return false
	}
}

// TryPost queues ev without blocking. Dropped events are logged at a limited rate.
func (l *Loop) TryPost(ev Event) bool {
	select {
	case l.events <- ev:
		return true
	case <-l.done:
		return false
	default:
		if l.dropLimit.Allow() {
			log.Warnf("event queue full, dropping %T", ev)
		}
		return false
	}
}

// PostCollector adapts Post to a collector.Sink.
func (l *Loop) PostCollector(ev collector.Event) {
	l.Post(Collector{Event: ev})
}

// Call runs fn on the dispatch goroutine and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	c := call{fn: fn, done: make(chan struct{})}
	select {
	case l.events <- c:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Arm schedules timer id to fire after d, replacing any pending expiry.
func (l *Loop) Arm(id TimerID, d time.Duration) {
	l.Stop(id)
	if d < 0 {
		d = 0
	}
	gen := l.gens[id]
	l.timers[id] = time.AfterFunc(d, func() {
		l.Post(Timer{ID: id, gen: gen})
	})
}

// Stop cancels timer id. An expiry already queued is discarded.
func (l *Loop) Stop(id TimerID) {
	if t, ok := l.timers[id]; ok {
		t.Stop()
		delete(l.timers, id)
	}
	l.gens[id]++
}

// Run dispatches events until ctx is done.
func (l *Loop) Run(ctx context.Context, dispatch func(Event)) error {
	defer func() {
		close(l.done)
		for id, t := range l.timers {
			t.Stop()
			delete(l.timers, id)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-l.events:
			switch e := ev.(type) {
			case call:
				e.fn()
				close(e.done)
			case Timer:
				if e.gen != l.gens[e.ID] {
					continue
				}
				delete(l.timers, e.ID)
				dispatch(e)
			default:
				dispatch(ev)
			}
		}
	}
}
