// Package events carries pipeline lifecycle events to observers.
package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// Event is a lifecycle event: a name, the run and stage it belongs to, and
// optional fields.
type Event struct {
	Name   string
	Run    string
	Stage  string
	Fields map[string]any
}

// Publisher receives events. Implementations must be lightweight and
// non-blocking; Publish must not panic.
type Publisher interface {
	Publish(Event)
}

// Nop drops events.
type Nop struct{}

func (Nop) Publish(Event) {}

// OrNop returns p, or Nop when p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}

// Memory stores events in memory; used by tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func NewMemory() *Memory { return &Memory{} }

func (p *Memory) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *Memory) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Names returns the event names in publish order.
func (p *Memory) Names() []string {
	evs := p.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Name
	}
	return out
}

// Log writes each event as a debug line.
type Log struct{ L zerolog.Logger }

func (p Log) Publish(e Event) {
	ev := p.L.Debug().Str("event", e.Name)
	if e.Run != "" {
		ev = ev.Str("run", e.Run)
	}
	if e.Stage != "" {
		ev = ev.Str("stage", e.Stage)
	}
	ev.Fields(e.Fields).Msg("event")
}

// Multi fans an event out to several publishers.
type Multi []Publisher

func (m Multi) Publish(e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(e)
		}
	}
}
