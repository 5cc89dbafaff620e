package instrument

import "sync"

// Event is a single recorded instrumentation call
type Event struct {
	Name    string
	Payload Payload
	Result  any
}

// Memory stores every instrumented event. It is safe for concurrent use and
// mostly useful in tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory returns an empty Memory instrumenter
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Instrument(name string, payload Payload, fn func(Payload) any) any {
	if payload == nil {
		payload = Payload{}
	}
	var result any
	if fn != nil {
		result = fn(payload)
	}

	m.mu.Lock()
	m.events = append(m.events, Event{Name: name, Payload: payload, Result: result})
	m.mu.Unlock()

	return result
}

// Events returns a copy of all recorded events
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// EventsByName returns the recorded events with the given name
func (m *Memory) EventsByName(name string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// EventByName returns the first recorded event with the given name
func (m *Memory) EventByName(name string) (Event, bool) {
	events := m.EventsByName(name)
	if len(events) == 0 {
		return Event{}, false
	}
	return events[0], true
}

// Count returns the number of recorded events with the given name
func (m *Memory) Count(name string) int {
	return len(m.EventsByName(name))
}

// Reset clears all recorded events
func (m *Memory) Reset() {
	m.mu.Lock()
	m.events = nil
	m.mu.Unlock()
}
