package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Handler receives events synchronously on the publisher's goroutine.
// Handlers must not block.
type Handler func(Event)

// Emitter is the publishing side of the bus.
type Emitter interface {
	Emit(source string, kind Kind, payload interface{})
}

// Bus fans events out to registered handlers.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]subscription
}

type subscription struct {
	kinds   map[Kind]struct{}
	handler Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[int]subscription)}
}

// Subscribe registers h for the given kinds, or for every kind when none are
// given. The returned func removes the registration.
func (b *Bus) Subscribe(h Handler, kinds ...Kind) func() {
	sub := subscription{handler: h}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = sub
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish delivers ev to every matching handler.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	targets := make([]Handler, 0, len(b.handlers))
	for _, sub := range b.handlers {
		if sub.kinds != nil {
			if _, ok := sub.kinds[ev.Kind]; !ok {
				continue
			}
		}
		targets = append(targets, sub.handler)
	}
	b.mu.RUnlock()

	for _, h := range targets {
		b.dispatch(h, ev)
	}
}

func (b *Bus) Emit(source string, kind Kind, payload interface{}) {
	b.Publish(Event{Kind: kind, Source: source, Payload: payload})
}

func (b *Bus) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("kind", string(ev.Kind)).
				Interface("panic", r).
				Msg("Event handler panic recovered")
		}
	}()
	h(ev)
}

// Recorder collects events. Tests and the status endpoints use it.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(source string, kind Kind, payload interface{}) {
	r.Handle(Event{Kind: kind, Source: source, Payload: payload, Time: time.Now()})
}

func (r *Recorder) Handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns the recorded events, optionally filtered by kind.
func (r *Recorder) Events(kinds ...Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	for _, ev := range r.events {
		if len(kinds) == 0 {
			out = append(out, ev)
			continue
		}
		for _, k := range kinds {
			if ev.Kind == k {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}
