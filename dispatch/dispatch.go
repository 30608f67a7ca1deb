// Package dispatch fans decoded frames out to registered sinks. Each
// sink gets its own bounded queue and its own worker goroutine, so a
// slow or failing sink never delays delivery to the others. Queue
// overflow behavior is per sink: block with a timeout, drop the
// oldest queued frame, or drop the incoming frame.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canvault/canvault/canlink"
	"github.com/canvault/canvault/lib/clock"
)

// Sink consumes dispatched frames. Accept is called serially from the
// sink's worker goroutine, in the order the dispatcher received the
// frames. Accept must not retain the frame's payload slice beyond the
// call unless it copies it.
type Sink interface {
	Name() string
	Accept(ctx context.Context, frame canlink.Frame) error
}

// SinkKind classifies a sink failure for the dispatcher.
type SinkKind int

const (
	// SinkDegraded: transient trouble (disk pressure, backend down).
	// The sink stays registered; the dispatcher marks it degraded
	// until an Accept succeeds again.
	SinkDegraded SinkKind = iota

	// SinkFatal: the sink cannot continue (corruption, closed
	// resource). The dispatcher unregisters it and reports the
	// failure; the pipeline continues for the remaining sinks.
	SinkFatal
)

func (k SinkKind) String() string {
	if k == SinkFatal {
		return "fatal"
	}
	return "degraded"
}

// SinkError is the failure a Sink returns from Accept. Errors that
// are not a *SinkError are treated as degraded.
type SinkError struct {
	Kind SinkKind
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("dispatch: sink %s %s: %v", e.Sink, e.Kind, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

func isFatal(err error) bool {
	var sinkErr *SinkError
	return errors.As(err, &sinkErr) && sinkErr.Kind == SinkFatal
}

// Policy selects a sink's queue overflow behavior.
type Policy int

const (
	// PolicyBlock waits for queue room up to the capability's block
	// timeout. On timeout the frame is dropped for this sink only
	// and the sink is marked degraded.
	PolicyBlock Policy = iota

	// PolicyDropOldest evicts the oldest queued frame to make room.
	PolicyDropOldest

	// PolicyDropNewest drops the incoming frame when the queue is
	// full.
	PolicyDropNewest
)

func (p Policy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyDropOldest:
		return "drop-oldest"
	case PolicyDropNewest:
		return "drop-newest"
	}
	return "unknown"
}

// Capability describes how the dispatcher queues frames for a sink.
type Capability struct {
	// QueueDepth is the sink's queue capacity. Defaults to 64.
	QueueDepth int

	// Policy is the overflow behavior.
	Policy Policy

	// BlockTimeout bounds the wait under PolicyBlock. Defaults to
	// one second.
	BlockTimeout time.Duration
}

// RegistrationID identifies a registered sink.
type RegistrationID uint64

// Config holds the dispatcher's parameters.
type Config struct {
	// Clock drives block timeouts.
	Clock clock.Clock

	// Logger receives eviction and degradation warnings.
	Logger *slog.Logger

	// DrainGrace bounds how long Shutdown lets workers drain their
	// queues before in-flight work is cancelled. Defaults to five
	// seconds.
	DrainGrace time.Duration

	// OnSinkFatal, when set, is called after a sink is unregistered
	// for a fatal Accept error. Called from the sink's worker
	// goroutine.
	OnSinkFatal func(name string, err error)
}

type registration struct {
	id    RegistrationID
	sink  Sink
	cap   Capability
	queue chan canlink.Frame
	stop  chan struct{}

	evicted  atomic.Uint64
	degraded atomic.Bool

	stopOnce sync.Once

	// onExit, when set, runs after the worker goroutine finishes.
	onExit func()
}

func (r *registration) signalStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Dispatcher is the single ingress point for decoded frames. Dispatch
// must be called from one goroutine; registration and shutdown are
// safe from any goroutine.
type Dispatcher struct {
	clock      clock.Clock
	logger     *slog.Logger
	drainGrace time.Duration
	onFatal    func(name string, err error)

	// acceptCtx is cancelled when the drain grace expires, aborting
	// in-flight Accept calls.
	acceptCtx    context.Context
	acceptCancel context.CancelFunc

	mu     sync.Mutex
	next   RegistrationID
	sinks  map[RegistrationID]*registration
	closed bool

	wg sync.WaitGroup
}

// New creates a dispatcher with no registered sinks.
func New(cfg Config) *Dispatcher {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		drainGrace:   cfg.DrainGrace,
		onFatal:      cfg.OnSinkFatal,
		acceptCtx:    ctx,
		acceptCancel: cancel,
		sinks:        make(map[RegistrationID]*registration),
	}
}

// Register adds a sink and starts its worker. Frames dispatched after
// Register returns are offered to the sink.
func (d *Dispatcher) Register(sink Sink, capability Capability) (RegistrationID, error) {
	return d.register(sink, capability, nil)
}

func (d *Dispatcher) register(sink Sink, capability Capability, onExit func()) (RegistrationID, error) {
	if capability.QueueDepth <= 0 {
		capability.QueueDepth = 64
	}
	if capability.BlockTimeout <= 0 {
		capability.BlockTimeout = time.Second
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, errors.New("dispatch: dispatcher is shut down")
	}

	d.next++
	reg := &registration{
		id:     d.next,
		sink:   sink,
		cap:    capability,
		queue:  make(chan canlink.Frame, capability.QueueDepth),
		stop:   make(chan struct{}),
		onExit: onExit,
	}
	d.sinks[reg.id] = reg

	d.wg.Add(1)
	go d.run(reg)

	d.logger.Info("sink registered",
		"sink", sink.Name(),
		"policy", capability.Policy.String(),
		"queue_depth", capability.QueueDepth,
	)
	return reg.id, nil
}

// Unregister removes the sink. No new frames are offered after
// Unregister returns; the in-flight Accept, if any, finishes on its
// own.
func (d *Dispatcher) Unregister(id RegistrationID) {
	d.mu.Lock()
	reg, ok := d.sinks[id]
	if ok {
		delete(d.sinks, id)
	}
	d.mu.Unlock()
	if ok {
		reg.signalStop()
	}
}

// Evicted returns how many frames overflow has dropped for the sink.
// Reports zero for unknown ids.
func (d *Dispatcher) Evicted(id RegistrationID) uint64 {
	d.mu.Lock()
	reg, ok := d.sinks[id]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	return reg.evicted.Load()
}

// Degraded reports whether the sink is currently degraded.
func (d *Dispatcher) Degraded(id RegistrationID) bool {
	d.mu.Lock()
	reg, ok := d.sinks[id]
	d.mu.Unlock()
	return ok && reg.degraded.Load()
}

// Dispatch offers the frame to every registered sink independently.
// The frame is never mutated after dispatch; sinks must copy the
// payload if they keep it.
func (d *Dispatcher) Dispatch(frame canlink.Frame) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	regs := make([]*registration, 0, len(d.sinks))
	for _, reg := range d.sinks {
		regs = append(regs, reg)
	}
	d.mu.Unlock()

	for _, reg := range regs {
		d.offer(reg, frame)
	}
}

// offer applies the sink's overflow policy for one frame.
func (d *Dispatcher) offer(reg *registration, frame canlink.Frame) {
	switch reg.cap.Policy {
	case PolicyBlock:
		select {
		case reg.queue <- frame:
			return
		case <-reg.stop:
			return
		default:
		}
		select {
		case reg.queue <- frame:
		case <-reg.stop:
		case <-d.clock.After(reg.cap.BlockTimeout):
			reg.evicted.Add(1)
			if !reg.degraded.Swap(true) {
				d.logger.Warn("sink blocked past timeout, frame dropped",
					"sink", reg.sink.Name(),
					"timeout", reg.cap.BlockTimeout,
				)
			}
		}

	case PolicyDropOldest:
		for {
			select {
			case reg.queue <- frame:
				return
			default:
			}
			select {
			case <-reg.queue:
				reg.evicted.Add(1)
			default:
			}
		}

	case PolicyDropNewest:
		select {
		case reg.queue <- frame:
		default:
			reg.evicted.Add(1)
		}
	}
}

// run is the sink's worker: it drains the queue serially until the
// registration stops, then drains what is left (bounded by the
// shutdown grace when the whole dispatcher is stopping).
func (d *Dispatcher) run(reg *registration) {
	defer func() {
		d.wg.Done()
		if reg.onExit != nil {
			reg.onExit()
		}
	}()

	for {
		select {
		case frame := <-reg.queue:
			if !d.deliver(reg, frame) {
				return
			}
		case <-reg.stop:
			for {
				select {
				case frame := <-reg.queue:
					if !d.deliver(reg, frame) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// deliver runs one Accept and classifies the result. Returns false
// when the sink must stop.
func (d *Dispatcher) deliver(reg *registration, frame canlink.Frame) bool {
	err := reg.sink.Accept(d.acceptCtx, frame)
	if err == nil {
		if reg.degraded.Swap(false) {
			d.logger.Info("sink recovered", "sink", reg.sink.Name())
		}
		return true
	}
	if d.acceptCtx.Err() != nil {
		return false
	}

	if isFatal(err) {
		d.Unregister(reg.id)
		d.logger.Error("sink failed, unregistered",
			"sink", reg.sink.Name(),
			"error", err,
		)
		if d.onFatal != nil {
			d.onFatal(reg.sink.Name(), err)
		}
		return false
	}

	if !reg.degraded.Swap(true) {
		d.logger.Warn("sink degraded", "sink", reg.sink.Name(), "error", err)
	}
	return true
}

// Shutdown stops accepting frames, lets every worker drain its queue
// for up to the drain grace, then cancels in-flight Accept calls and
// waits for the workers to exit. Safe to call once.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.mu.Lock()
	d.closed = true
	regs := make([]*registration, 0, len(d.sinks))
	for _, reg := range d.sinks {
		regs = append(regs, reg)
	}
	d.sinks = make(map[RegistrationID]*registration)
	d.mu.Unlock()

	for _, reg := range regs {
		reg.signalStop()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.acceptCancel()
		<-done
	case <-d.clock.After(d.drainGrace):
		d.acceptCancel()
		<-done
	}
	d.acceptCancel()
}
