package canlink

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/canvault/canvault/lib/clock"
)

// defaultSimulatedIDs are the arbitration ids the traffic generator
// cycles through when none are configured: the usual demo set of
// engine RPM, speed, coolant temperature, throttle, and brake.
var defaultSimulatedIDs = []uint32{0x100, 0x200, 0x300, 0x400, 0x500}

// VirtualBusConfig holds the parameters for the simulated bus.
type VirtualBusConfig struct {
	// Channel is the simulated interface name, e.g. "vcan0".
	Channel string

	// Bitrate is recorded in the session.
	Bitrate int

	// ActualBitrate, when non-zero and different from Bitrate,
	// makes Open fail with a bitrate mismatch. Simulation hook.
	ActualBitrate int

	// FD enables 64-byte payload frames.
	FD bool

	// TrafficRate is generated frames per second. Zero disables the
	// generator; frames then only arrive via Send or Inject.
	TrafficRate float64

	// IDs are the arbitration ids the generator cycles through.
	// Defaults to defaultSimulatedIDs.
	IDs []uint32

	// DropRate is the probability in [0,1) that a generated frame is
	// counted as dropped by the adapter instead of delivered. Drives
	// gap marker testing.
	DropRate float64

	// Seed makes the generator deterministic. Zero seeds from the
	// configured clock.
	Seed uint64

	// QueueDepth is the receive queue capacity. Defaults to 256.
	QueueDepth int

	// Clock provides timestamps and the generator tick.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// VirtualBus is an in-memory BusLink for development, demos, and
// tests. It generates synthetic periodic traffic, loops transmitted
// frames back flagged Tx, and exposes injection hooks for drop and
// failure simulation.
type VirtualBus struct {
	cfg    VirtualBusConfig
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	open      bool
	available bool
	session   *Session
	queue     chan Raw
	failure   chan *LinkError
	done      chan struct{}
	dropped   uint32
	rng       *rand.Rand

	// values holds the per-id random walk state for plausible
	// payloads.
	values map[uint32]uint64
}

// NewVirtualBus creates an unopened virtual bus.
func NewVirtualBus(cfg VirtualBusConfig) *VirtualBus {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if len(cfg.IDs) == 0 {
		cfg.IDs = defaultSimulatedIDs
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(cfg.Clock.Now().UnixNano())
	}
	return &VirtualBus{
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		available: true,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
		values:    make(map[uint32]uint64),
	}
}

// SetAvailable controls whether Open succeeds. Simulates the adapter
// being unplugged or not yet present.
func (v *VirtualBus) SetAvailable(available bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.available = available
}

// Open starts the simulated session and, when TrafficRate is set, the
// traffic generator.
func (v *VirtualBus) Open(ctx context.Context, restartCount int) (*Session, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.open {
		return v.session, nil
	}
	if !v.available {
		return nil, &ConnectError{
			Kind:    ConnectDeviceNotFound,
			Channel: v.cfg.Channel,
			Err:     errors.New("virtual adapter not present"),
		}
	}
	if v.cfg.ActualBitrate != 0 && v.cfg.ActualBitrate != v.cfg.Bitrate {
		return nil, &ConnectError{
			Kind:    ConnectBitrateMismatch,
			Channel: v.cfg.Channel,
			Err:     fmt.Errorf("interface at %d bit/s, requested %d", v.cfg.ActualBitrate, v.cfg.Bitrate),
		}
	}

	v.open = true
	v.queue = make(chan Raw, v.cfg.QueueDepth)
	v.failure = make(chan *LinkError, 1)
	v.done = make(chan struct{})
	v.session = NewSession(v.cfg.Channel, v.cfg.Bitrate, v.clock.Now(), restartCount)

	if v.cfg.TrafficRate > 0 {
		go v.generate(v.done)
	}

	v.logger.Info("virtual bus opened",
		"channel", v.cfg.Channel,
		"traffic_rate", v.cfg.TrafficRate,
		"session", v.session.ID,
	)
	return v.session, nil
}

// generate produces synthetic traffic until the session ends.
func (v *VirtualBus) generate(done chan struct{}) {
	interval := time.Duration(float64(time.Second) / v.cfg.TrafficRate)
	ticker := v.clock.NewTicker(interval)
	defer ticker.Stop()

	next := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		id := v.cfg.IDs[next%len(v.cfg.IDs)]
		next++

		v.mu.Lock()
		payload := v.nextPayloadLocked(id)
		drop := v.cfg.DropRate > 0 && v.rng.Float64() < v.cfg.DropRate
		if drop {
			v.dropped++
			v.mu.Unlock()
			continue
		}
		raw := Raw{
			Data:    EncodeFrame(id, payload, false, v.cfg.FD),
			Dropped: v.dropped,
		}
		queue := v.queue
		v.mu.Unlock()

		select {
		case queue <- raw:
		case <-done:
			return
		default:
			// Receive queue full: the adapter drops, like a real
			// socket buffer overflow.
			v.mu.Lock()
			v.dropped++
			v.mu.Unlock()
		}
	}
}

// nextPayloadLocked advances the id's random walk and renders it as a
// big-endian payload. Caller holds v.mu.
func (v *VirtualBus) nextPayloadLocked(id uint32) []byte {
	value := v.values[id]
	step := v.rng.Uint64N(512)
	if v.rng.Uint64N(2) == 0 {
		value += step
	} else if value > step {
		value -= step
	}
	v.values[id] = value

	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, value)
	return payload
}

// ReadNext blocks until a frame, an injected failure, close, or ctx.
func (v *VirtualBus) ReadNext(ctx context.Context) (Raw, error) {
	v.mu.Lock()
	if !v.open {
		v.mu.Unlock()
		return Raw{}, &LinkError{Kind: LinkDeviceRemoved, Channel: v.cfg.Channel, Err: errors.New("link closed")}
	}
	queue, failure, done := v.queue, v.failure, v.done
	v.mu.Unlock()

	select {
	case raw := <-queue:
		return raw, nil
	case linkErr := <-failure:
		if linkErr.Terminal() {
			v.Close()
		}
		return Raw{}, linkErr
	case <-done:
		return Raw{}, &LinkError{Kind: LinkDeviceRemoved, Channel: v.cfg.Channel, Err: errors.New("link closed")}
	case <-ctx.Done():
		return Raw{}, ctx.Err()
	}
}

// Send loops the frame back into the receive queue flagged Tx, the
// way the kernel confirms transmitted frames.
func (v *VirtualBus) Send(ctx context.Context, id uint32, data []byte, extended bool) error {
	maxLength := MaxPayload
	if v.cfg.FD {
		maxLength = MaxPayloadFD
	}
	if len(data) > maxLength {
		return fmt.Errorf("canlink: send %s: payload %d bytes exceeds %d", v.cfg.Channel, len(data), maxLength)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.open {
		return &LinkError{Kind: LinkDeviceRemoved, Channel: v.cfg.Channel, Err: errors.New("link closed")}
	}

	raw := Raw{
		Data:    EncodeFrame(id, data, extended, v.cfg.FD),
		Dropped: v.dropped,
		Tx:      true,
	}
	select {
	case v.queue <- raw:
		return nil
	default:
		v.dropped++
		return nil
	}
}

// Inject delivers a frame as if it arrived from the bus. Test and
// replay hook.
func (v *VirtualBus) Inject(id uint32, data []byte, extended bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.open {
		return
	}
	raw := Raw{
		Data:    EncodeFrame(id, data, extended, v.cfg.FD),
		Dropped: v.dropped,
	}
	select {
	case v.queue <- raw:
	default:
		v.dropped++
	}
}

// InjectRaw delivers arbitrary raw bytes, bypassing the encoder. Lets
// tests exercise decode errors end to end.
func (v *VirtualBus) InjectRaw(data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.open {
		return
	}
	select {
	case v.queue <- Raw{Data: data, Dropped: v.dropped}:
	default:
		v.dropped++
	}
}

// InjectDrop advances the adapter's cumulative dropped-frame counter
// by n. The next delivered frame carries the new value.
func (v *VirtualBus) InjectDrop(n uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dropped += n
}

// InjectFailure makes the next ReadNext return the given link error.
// Terminal kinds also close the link.
func (v *VirtualBus) InjectFailure(kind LinkKind) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.open {
		return
	}
	select {
	case v.failure <- &LinkError{Kind: kind, Channel: v.cfg.Channel}:
	default:
	}
}

// Dropped returns the adapter's cumulative dropped-frame counter.
func (v *VirtualBus) Dropped() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dropped
}

// Close stops the generator and closes the session record.
// Idempotent.
func (v *VirtualBus) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.open {
		return nil
	}
	v.open = false
	close(v.done)
	v.session.CloseAt(v.clock.Now())
	v.logger.Info("virtual bus closed", "channel", v.cfg.Channel, "session", v.session.ID)
	return nil
}
