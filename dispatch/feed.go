package dispatch

import (
	"context"
	"sync"

	"github.com/canvault/canvault/canlink"
)

// Subscription is a live frame feed for display-style consumers. The
// feed uses drop-oldest discipline end to end: a stalled reader loses
// the oldest frames and never slows the dispatcher.
type Subscription struct {
	out        chan canlink.Frame
	dispatcher *Dispatcher
	id         RegistrationID
	cancelOnce sync.Once
}

// Frames returns the delivery channel. It is closed after Cancel, or
// when the dispatcher shuts down.
func (s *Subscription) Frames() <-chan canlink.Frame { return s.out }

// Cancel ends the subscription. Idempotent; the delivery channel
// closes promptly once the feed's worker finishes.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		s.dispatcher.Unregister(s.id)
	})
}

// feedSink forwards frames into the subscription channel, evicting
// the oldest buffered frame when the reader lags. Accept never blocks
// and never fails, so a subscription cannot degrade.
type feedSink struct {
	out chan canlink.Frame
}

func (s *feedSink) Name() string { return "feed" }

func (s *feedSink) Accept(_ context.Context, frame canlink.Frame) error {
	for {
		select {
		case s.out <- frame:
			return nil
		default:
		}
		select {
		case <-s.out:
		default:
		}
	}
}

// Subscribe registers a frame feed with the given buffer depth
// (defaults to 64). Returns an error only when the dispatcher is
// already shut down.
func (d *Dispatcher) Subscribe(depth int) (*Subscription, error) {
	if depth <= 0 {
		depth = 64
	}
	sink := &feedSink{out: make(chan canlink.Frame, depth)}
	sub := &Subscription{out: sink.out, dispatcher: d}

	id, err := d.register(sink, Capability{
		QueueDepth: depth,
		Policy:     PolicyDropOldest,
	}, func() { close(sink.out) })
	if err != nil {
		return nil, err
	}
	sub.id = id
	return sub, nil
}
