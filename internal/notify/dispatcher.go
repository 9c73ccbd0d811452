package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const deliveryTimeout = 5 * time.Second

// Dispatcher hands events to a Notifier on a background goroutine so callers
// never wait on delivery. Publish drops the event when the buffer is full.
type Dispatcher struct {
	target  Notifier
	logger  *zap.Logger
	events  chan Event
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

func NewDispatcher(target Notifier, buffer int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer < 1 {
		buffer = 64
	}
	d := &Dispatcher{
		target: target,
		logger: logger,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Publish(event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}

	select {
	case d.events <- event:
	default:
		d.dropped.Add(1)
		d.logger.Warn("notification dropped", zap.String("kind", event.Kind), zap.String("entity_id", event.EntityID))
	}
}

// Dropped reports how many events were discarded since start.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting events and waits for the buffered ones to drain.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()

	<-d.done
	return nil
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.events {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event Event) {
	if d.target == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	if err := d.target.Notify(ctx, event); err != nil {
		d.logger.Warn("notification delivery failed",
			zap.String("kind", event.Kind),
			zap.String("entity_id", event.EntityID),
			zap.Error(err),
		)
	}
}
