package possync

import (
	"context"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/possync/config"
	"github.com/sirupsen/logrus"
)

const forwarderBuffer = 256

// PublishFunc sends one event to the outside world.
type PublishFunc func(ctx context.Context, topic string, msg config.SyncEventMessage) (string, error)

// PubSubForwarder copies bus events to a Pub/Sub topic from a background goroutine.
// Events arriving while the buffer is full are dropped and logged.
type PubSubForwarder struct {
	Topic   string
	Publish PublishFunc
	Logger  *logrus.Logger
	Timeout time.Duration

	events chan SyncEvent
	quit   chan struct{}
	wg     sync.WaitGroup
}

func NewPubSubForwarder(topic string) *PubSubForwarder {
	return &PubSubForwarder{
		Topic:   topic,
		Publish: config.PublishSyncEvent,
		Logger:  config.GetLogger(),
		Timeout: 10 * time.Second,
		events:  make(chan SyncEvent, forwarderBuffer),
		quit:    make(chan struct{}),
	}
}

// Attach subscribes the forwarder to bus and starts publishing until ctx ends.
// The returned function unsubscribes and waits for queued events to go out.
func (f *PubSubForwarder) Attach(ctx context.Context, bus *EventBus) (stop func()) {
	unsubscribe := bus.Subscribe(func(e SyncEvent) {
		if e.Kind == EventProgress {
			return
		}
		select {
		case f.events <- e:
		default:
			if f.Logger != nil {
				f.Logger.WithFields(logrus.Fields{
					"event":      "sync.pubsub.dropped",
					"collection": e.Collection,
					"id":         e.DocumentId,
				}).Warn("pubsub buffer full")
			}
		}
	})

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-f.events:
				f.forward(ctx, e)
			case <-f.quit:
				for {
					select {
					case e := <-f.events:
						f.forward(ctx, e)
					default:
						return
					}
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			close(f.quit)
			f.wg.Wait()
		})
	}
}

func (f *PubSubForwarder) forward(ctx context.Context, e SyncEvent) {
	pubCtx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()
	msg := config.SyncEventMessage{
		Kind:       string(e.Kind),
		Collection: e.Collection,
		DocumentId: e.DocumentId,
		TerminalId: e.TerminalId,
		OccurredAt: e.OccurredAt,
		Payload:    e.Payload,
	}
	if _, err := f.Publish(pubCtx, f.Topic, msg); err != nil {
		config.LogError(f.Logger, "pubsub.go", "forward", e.Collection, e.DocumentId, err)
	}
}
