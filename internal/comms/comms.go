// Package comms implements the Gate/Link broadcast channel that connects
// a unit's producer side (Gate) to any number of consumer sides (Link).
// It carries the current payload, a health signal, and upstream commands,
// the way the teacher's Kafka consumer pairs a records channel with a
// flushed channel between a consumer goroutine and its pipeline.
package comms

import (
	"context"
	"errors"
	"sync"

	"github.com/route-beacon/rtr-proxy/internal/payload"
)

// ErrClosed is returned by Link.Updated once its Gate has closed and no
// further updates will ever arrive.
var ErrClosed = errors.New("comms: gate closed")

// Health is a producer's health signal. A stalled producer's current
// output is not known to be up to date; consumers route around it.
type Health int

const (
	Healthy Health = iota
	Stalled
)

func (h Health) String() string {
	if h == Stalled {
		return "stalled"
	}
	return "healthy"
}

// Command is an application-level message a Link sends upstream to its
// Gate: request an on-demand refresh, reconfigure, or terminate.
type Command int

const (
	CommandRequest Command = iota
	CommandReconfigure
	CommandTerminate
)

// State is the combination of current payload and health a subscriber
// observes. Payload is the zero value until the producer's first publish.
type State struct {
	Payload payload.Payload
	Have    bool
	Health  Health
}

const (
	updateQueueLen  = 8
	commandQueueLen = 16
)

type subscriber struct {
	updates chan State
	closed  chan struct{}
}

// Gate is the producer side of a broadcast channel. Each unit owns
// exactly one Gate and publishes to it; the Gate fans out to every Link
// created from it.
type Gate struct {
	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int
	commands    chan Command
	state       State
	closed      bool
}

// NewGate creates a Gate with no subscribers yet.
func NewGate() *Gate {
	return &Gate{
		subscribers: make(map[int]*subscriber),
		commands:    make(chan Command, commandQueueLen),
	}
}

// NewLink creates a new consumer-side Link subscribed to this Gate. A
// Link may be created at any time, including after the Gate has already
// published; it will see whatever is currently current.
func (g *Gate) NewLink() *Link {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextID
	g.nextID++
	sub := &subscriber{
		updates: make(chan State, updateQueueLen),
		closed:  make(chan struct{}),
	}
	g.subscribers[id] = sub

	if g.closed {
		close(sub.closed)
	} else if g.state.Have {
		sub.updates <- g.state
	}

	return &Link{gate: g, id: id, sub: sub, last: g.state}
}

// Publish installs a new current payload and wakes every subscriber.
// Subscribers that missed intermediate publications only ever observe
// the latest one: the per-subscriber channel is drained and refilled
// rather than blocking the producer on a slow consumer.
func (g *Gate) Publish(p payload.Payload) {
	g.broadcast(State{Payload: p, Have: true, Health: Healthy})
}

// PublishStalled installs a new payload while simultaneously marking the
// producer stalled, for units whose upstream snapshot is retained but
// known out of date (e.g. the RTR client unit between a transport
// failure and its expiry timer).
func (g *Gate) PublishStalled(p payload.Payload) {
	g.broadcast(State{Payload: p, Have: true, Health: Stalled})
}

// SetStalled flips the health bit to stalled, preserving the last
// payload if any, and broadcasts the change.
func (g *Gate) SetStalled() {
	g.mu.Lock()
	next := g.state
	next.Health = Stalled
	g.mu.Unlock()
	g.broadcast(next)
}

// SetHealthy flips the health bit to healthy, preserving the last
// payload if any, and broadcasts the change.
func (g *Gate) SetHealthy() {
	g.mu.Lock()
	next := g.state
	next.Health = Healthy
	g.mu.Unlock()
	g.broadcast(next)
}

func (g *Gate) broadcast(next State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.state = next
	for _, sub := range g.subscribers {
		select {
		case sub.updates <- next:
		default:
			// Subscriber hasn't drained the previous value: drop it and
			// replace with the latest, so a slow Link only ever sees
			// the most recent state, never a backlog.
			select {
			case <-sub.updates:
			default:
			}
			select {
			case sub.updates <- next:
			default:
			}
		}
	}
}

// RecvCommand suspends until any downstream Link sends a command, or ctx
// is cancelled. Pull-based units (e.g. the JSON client) use this to know
// when to refresh on demand.
func (g *Gate) RecvCommand(ctx context.Context) (Command, bool) {
	select {
	case c := <-g.commands:
		return c, true
	case <-ctx.Done():
		return 0, false
	}
}

// Close drops all subscribers; future sends fail silently and every Link
// observes a terminal state on its next Updated call.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	for _, sub := range g.subscribers {
		close(sub.closed)
	}
}

// Link is the consumer side of a broadcast channel.
type Link struct {
	gate *Gate
	id   int
	sub  *subscriber
	last State
}

// Current performs a non-suspending read of the state this Link last
// observed: the Gate's state when the Link was created, or the state most
// recently returned by Updated. Publications not yet received through
// Updated are not reflected.
func (l *Link) Current() (State, bool) {
	return l.last, l.last.Have
}

// Updated suspends until the payload or health changes, the producer
// closes (ErrClosed), or ctx is cancelled (ctx.Err()).
func (l *Link) Updated(ctx context.Context) (State, error) {
	select {
	case s := <-l.sub.updates:
		l.last = s
		return s, nil
	case <-l.sub.closed:
		return State{}, ErrClosed
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// Request sends a command upstream to the producer. It does not wait for
// a reply; the Gate owner observes it via RecvCommand.
func (l *Link) Request(cmd Command) {
	select {
	case l.gate.commands <- cmd:
	default:
		// Command queue full: the producer is already behind on
		// commands, so this one is dropped rather than blocking the
		// consumer indefinitely.
	}
}

// Close detaches this Link from its Gate. Safe to call more than once.
func (l *Link) Close() {
	l.gate.mu.Lock()
	defer l.gate.mu.Unlock()
	delete(l.gate.subscribers, l.id)
}
