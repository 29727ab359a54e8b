package possync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventBusDeliversInSubscriptionOrder(t *testing.T) {
	bus := NewEventBus()
	var got []string
	bus.Subscribe(func(e SyncEvent) { got = append(got, "first:"+e.DocumentId) })
	unsubscribe := bus.Subscribe(func(e SyncEvent) { got = append(got, "second:"+e.DocumentId) })
	bus.Subscribe(func(e SyncEvent) { got = append(got, "third:"+e.DocumentId) })

	bus.Publish(SyncEvent{Kind: EventCreated, DocumentId: "a"})
	unsubscribe()
	unsubscribe()
	bus.Publish(SyncEvent{Kind: EventUpdated, DocumentId: "b"})

	assert.Equal(t, []string{"first:a", "second:a", "third:a", "first:b", "third:b"}, got)
}

func TestEventBusStampsOccurrence(t *testing.T) {
	bus := NewEventBus()
	var seen SyncEvent
	bus.Subscribe(func(e SyncEvent) { seen = e })

	bus.publishProgress(Progress{Module: "products", Step: 1, Total: 3})
	assert.Equal(t, EventProgress, seen.Kind)
	assert.Equal(t, "products", seen.Collection)
	assert.False(t, seen.OccurredAt.IsZero())
	if assert.NotNil(t, seen.Progress) {
		assert.Equal(t, 3, seen.Progress.Total)
	}
}

func TestNilEventBusIgnoresPublish(t *testing.T) {
	var bus *EventBus
	assert.NotPanics(t, func() { bus.Publish(SyncEvent{Kind: EventCreated}) })
}
