package ledger

import (
	"context"
	"time"

	"github.com/orbanhq/orban-agent/internal/protocol"
	"github.com/orbanhq/orban-agent/pkg/debug"
)

// Forwarder moves earnings events off the receive loop into the ledger.
type Forwarder struct {
	ledger Ledger
	queue  chan Event
	now    func() time.Time
}

// NewForwarder creates a forwarder with room for size pending events.
func NewForwarder(l Ledger, size int) *Forwarder {
	if size <= 0 {
		size = 64
	}
	return &Forwarder{ledger: l, queue: make(chan Event, size), now: time.Now}
}

// Submit queues env, waiting for room until ctx is done, in which case
// ctx.Err() is returned.
func (f *Forwarder) Submit(ctx context.Context, env protocol.Envelope) error {
	ev := EventFromEnvelope(env, f.now())
	select {
	case f.queue <- ev:
		return nil
	default:
	}
	debug.Warning("Ledger queue full, waiting to record %s %s", ev.Kind, ev.MessageID)
	select {
	case f.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run writes queued events until ctx is cancelled, then drains what is
// left.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-f.queue:
			f.record(ctx, ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-f.queue:
					f.record(context.Background(), ev)
				default:
					return nil
				}
			}
		}
	}
}

func (f *Forwarder) record(ctx context.Context, ev Event) {
	if err := f.ledger.Record(ctx, ev); err != nil {
		debug.Error("Failed to record %s: %v", ev.Kind, err)
		return
	}
	debug.Info("Recorded %s %s", ev.Kind, ev.MessageID)
}
