// Package event defines the notifications emitted by modules and policies.
package event

import (
	"sync"
)

type Kind string

// Event is a state change notification.
type Event interface {
	Kind() Kind
}

// Recorder receives events. Implementations must not fail the caller:
// persistence errors are logged by the recorder itself.
type Recorder interface {
	Record(ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(Event) {}

// Fanout forwards each event to every recorder in order.
type Fanout []Recorder

func (f Fanout) Record(ev Event) {
	for _, r := range f {
		if r != nil {
			r.Record(ev)
		}
	}
}

// Memory keeps events in memory, mainly for tests and the status API.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Record(ev Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfKind returns recorded events with the given kind.
func (m *Memory) OfKind(k Kind) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.Kind() == k {
			out = append(out, ev)
		}
	}
	return out
}

func (m *Memory) Reset() {
	m.mu.Lock()
	m.events = nil
	m.mu.Unlock()
}
