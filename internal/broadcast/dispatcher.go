package broadcast

import (
	"context"
	"log"
	"time"
)

const (
	defaultQueueSize = 256
	publishTimeout   = 5 * time.Second
)

// Dispatcher decouples publishing from the request path. Events enqueue
// without blocking and a single worker drains them in order, which keeps
// publishes per-topic FIFO as far as the transport allows. A full queue
// drops the event: at-most-once, by contract.
type Dispatcher struct {
	publisher Publisher
	queue     chan Event
	done      chan struct{}
}

func NewDispatcher(publisher Publisher) *Dispatcher {
	d := &Dispatcher{
		publisher: publisher,
		queue:     make(chan Event, defaultQueueSize),
		done:      make(chan struct{}),
	}
	go d.drain()
	return d
}

// Enqueue hands an event to the worker. It never blocks and never fails
// from the caller's point of view.
func (d *Dispatcher) Enqueue(event Event) {
	select {
	case d.queue <- event:
	default:
		log.Printf("broadcast: queue full, dropping %s on %s", event.Name, event.Topic)
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case <-d.done:
			return
		case event := <-d.queue:
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			if err := d.publisher.Publish(ctx, event.Topic, event.Name, event.Payload); err != nil {
				log.Printf("broadcast: publish %s on %s failed: %v", event.Name, event.Topic, err)
			}
			cancel()
		}
	}
}

// Flush blocks until the queue has been observed empty or the context ends.
// Test helper and shutdown aid; delivery is still best-effort.
func (d *Dispatcher) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if len(d.queue) == 0 {
				return nil
			}
		}
	}
}

// Close stops the worker. Queued events that have not been drained are
// dropped.
func (d *Dispatcher) Close() {
	close(d.done)
}
