package machine

import (
	"sync"
	"time"
)

// EventType identifies the kind of Event.
type EventType string

const (
	// LogEvent carries a line for the operator log, device output or host notes.
	LogEvent EventType = "log"
	// StatusEvent is published whenever DeviceStatus or a slot position changes.
	StatusEvent EventType = "status"
	// RunEvent reports run start, progress and completion.
	RunEvent EventType = "run"
)

type Event struct {
	Type EventType `json:"type"`
	Time time.Time `json:"time"`

	Line      string        `json:"line,omitempty"`
	Status    *DeviceStatus `json:"status,omitempty"`
	Positions map[int]int   `json:"positions,omitempty"`
	Run       *RunInfo      `json:"run,omitempty"`
}

// EventBus fans events out to subscribers. Publish never blocks; a full
// subscriber misses the event.
type EventBus struct {
	mx   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a buffered channel receiving every future event.
func (b *EventBus) Subscribe() chan Event {
	ch := make(chan Event, 100)
	b.mx.Lock()
	b.subs[ch] = struct{}{}
	b.mx.Unlock()
	return ch
}

// Unsubscribe stops delivery to ch and closes it.
func (b *EventBus) Unsubscribe(ch chan Event) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *EventBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mx.RLock()
	defer b.mx.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *EventBus) logLine(line string) {
	b.Publish(Event{Type: LogEvent, Line: line})
}
