package possync

import (
	"encoding/json"
	"sync"
	"time"
)

type EventKind string

const (
	EventCreated  EventKind = "CREATED"
	EventUpdated  EventKind = "UPDATED"
	EventDeleted  EventKind = "DELETED"
	EventProgress EventKind = "PROGRESS"
)

// Progress is carried by EventProgress events.
type Progress struct {
	Module  string `json:"module"`
	Step    int    `json:"step"`
	Total   int    `json:"total"`
	Done    bool   `json:"done"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SyncEvent tells listeners that a collection changed, or how a long sync is going.
type SyncEvent struct {
	Kind       EventKind       `json:"kind"`
	Collection string          `json:"collection,omitempty"`
	DocumentId string          `json:"documentId,omitempty"`
	TerminalId string          `json:"terminalId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Progress   *Progress       `json:"progress,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

type Listener func(SyncEvent)

// EventBus fans events out to subscribers synchronously, in subscription order.
// Listeners must not block.
type EventBus struct {
	mu        sync.RWMutex
	nextId    int
	listeners map[int]Listener
	order     []int
}

func NewEventBus() *EventBus {
	return &EventBus{listeners: map[int]Listener{}}
}

// Subscribe registers l and returns the function that removes it.
func (b *EventBus) Subscribe(l Listener) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextId
	b.nextId++
	b.listeners[id] = l
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *EventBus) Publish(e SyncEvent) {
	if b == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	b.mu.RLock()
	listeners := make([]Listener, 0, len(b.order))
	for _, id := range b.order {
		listeners = append(listeners, b.listeners[id])
	}
	b.mu.RUnlock()

	for _, l := range listeners {
		l(e)
	}
}

func (b *EventBus) publishChange(kind EventKind, collection, id string, payload json.RawMessage) {
	b.Publish(SyncEvent{Kind: kind, Collection: collection, DocumentId: id, Payload: payload})
}

func (b *EventBus) publishProgress(p Progress) {
	b.Publish(SyncEvent{Kind: EventProgress, Collection: p.Module, Progress: &p})
}
