package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Kind identifies the event family a handler subscribes to.
type Kind string

const (
	KindSystemEvent   Kind = "system_event"
	KindToolCall      Kind = "tool_call"
	KindLLMRequest    Kind = "llm_request"
	KindLLMResponse   Kind = "llm_response"
	KindAgentResponse Kind = "agent_response"
)

// Event is a single bus emission. Payload shape depends on Kind; system
// events carry an "event" key naming the sub-event (context_pressure,
// budget_warning, heartbeat_started, ...).
type Event struct {
	Kind      Kind                   `json:"kind"`
	SessionID string                 `json:"session_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Handler receives events for the kinds it registered for.
type Handler func(Event)

type subscriber struct {
	id string
	ch chan Event
}

// Bus is a process-wide typed pub/sub. Emission is best-effort: a slow or
// panicking handler never affects the emitter or other handlers. Each
// handler sees its own events in FIFO order; no ordering is guaranteed
// across handlers.
type Bus struct {
	mu   sync.RWMutex
	subs map[Kind][]*subscriber
}

const handlerQueueSize = 256

func New() *Bus {
	return &Bus{subs: make(map[Kind][]*subscriber)}
}

// Subscribe registers a handler for the given kinds. The handler runs on its
// own goroutine with a buffered mailbox; when the mailbox is full, events
// for that handler are dropped.
func (b *Bus) Subscribe(id string, handler Handler, kinds ...Kind) {
	sub := &subscriber{id: id, ch: make(chan Event, handlerQueueSize)}

	go func() {
		for ev := range sub.ch {
			func() {
				defer func() {
					if r := recover(); r != nil {
						slog.Error("bus handler panicked", "handler", id, "kind", ev.Kind, "panic", r)
					}
				}()
				handler(ev)
			}()
		}
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range kinds {
		b.subs[k] = append(b.subs[k], sub)
	}
}

// Unsubscribe removes every registration for the handler id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	closed := make(map[*subscriber]bool)
	for kind, subs := range b.subs {
		kept := subs[:0]
		for _, s := range subs {
			if s.id == id {
				if !closed[s] {
					close(s.ch)
					closed[s] = true
				}
				continue
			}
			kept = append(kept, s)
		}
		b.subs[kind] = kept
	}
}

// Emit publishes an event. It never blocks and never returns an error.
func (b *Bus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := b.subs[ev.Kind]
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			slog.Debug("bus handler queue full, dropping event", "handler", s.id, "kind", ev.Kind)
		}
	}
}

// EmitSystem publishes a system_event with the given sub-event name.
func (b *Bus) EmitSystem(event, sessionID string, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["event"] = event
	b.Emit(Event{Kind: KindSystemEvent, SessionID: sessionID, Payload: payload})
}
