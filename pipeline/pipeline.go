package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/canvault/canvault/canlink"
	"github.com/canvault/canvault/dispatch"
	"github.com/canvault/canvault/lib/clock"
)

// ChannelConfig describes one supervised bus channel.
type ChannelConfig struct {
	// Name is the channel name frames are stamped with, e.g. "can0".
	Name string

	// Link is the bus adapter for the channel.
	Link canlink.BusLink

	// AutoRestart enables reconnection after terminal link errors.
	AutoRestart bool

	// ReconnectInitialDelay and ReconnectMaxDelay bound the
	// supervisor's exponential backoff.
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
}

// Config holds the pipeline's parameters.
type Config struct {
	// Channels are the bus channels to capture. At least one is
	// required.
	Channels []ChannelConfig

	// Dispatcher receives every decoded frame. Required; sinks are
	// registered on it by the caller.
	Dispatcher *dispatch.Dispatcher

	// OnEvent, when set, receives status events. Called from
	// pipeline goroutines; keep it fast.
	OnEvent func(Event)

	// OnSession, when set, is called when a session opens and again
	// when it closes. The durable sink's session recording hangs off
	// this hook.
	OnSession func(ctx context.Context, session *canlink.Session) error

	// Clock drives reconnect backoff.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// channel is one running capture lane: link, supervisor, decoder.
type channel struct {
	name       string
	link       canlink.BusLink
	decoder    *canlink.Decoder
	supervisor *canlink.Supervisor
}

// Pipeline owns the read loops and the frame path from raw bus bytes
// to the dispatcher. Sinks and their lifecycles belong to the caller.
type Pipeline struct {
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	channels []*channel
}

// New assembles a pipeline. Sinks must already be registered on the
// dispatcher (or registered later; the dispatcher allows both).
func New(cfg Config) (*Pipeline, error) {
	if len(cfg.Channels) == 0 {
		return nil, errors.New("pipeline: no channels configured")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("pipeline: Dispatcher is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	p := &Pipeline{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
	for _, chanCfg := range cfg.Channels {
		if chanCfg.Name == "" || chanCfg.Link == nil {
			return nil, fmt.Errorf("pipeline: channel needs a name and a link")
		}
		lane := &channel{
			name:    chanCfg.Name,
			link:    chanCfg.Link,
			decoder: canlink.NewDecoder(chanCfg.Name, cfg.Clock, cfg.Logger),
		}
		lane.supervisor = canlink.NewSupervisor(canlink.SupervisorConfig{
			Link:         chanCfg.Link,
			AutoRestart:  chanCfg.AutoRestart,
			InitialDelay: chanCfg.ReconnectInitialDelay,
			MaxDelay:     chanCfg.ReconnectMaxDelay,
			Clock:        cfg.Clock,
			Logger:       cfg.Logger.With("channel", chanCfg.Name),
			OnState:      p.stateHandler(chanCfg.Name),
			OnSession:    p.sessionHandler(chanCfg.Name),
		})
		p.channels = append(p.channels, lane)
	}
	return p, nil
}

// Run captures on every channel until ctx is cancelled or a channel
// fails terminally with auto-restart disabled, then shuts the
// dispatcher down (draining sink queues). Returns nil on clean stop.
func (p *Pipeline) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, len(p.channels))
	for i, lane := range p.channels {
		wg.Add(1)
		go func(i int, lane *channel) {
			defer wg.Done()
			err := lane.supervisor.Run(runCtx, func(raw canlink.Raw) {
				p.handleRaw(lane, raw)
			})
			if err != nil {
				errs[i] = fmt.Errorf("pipeline: channel %s: %w", lane.name, err)
				p.emit(Event{
					Severity:  SeverityError,
					Component: lane.name,
					Code:      CodeChannelDown,
					Message:   err.Error(),
				})
				// One dead channel does not stop the others; only
				// cancellation or all channels failing ends Run.
			}
		}(i, lane)
	}
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	p.cfg.Dispatcher.Shutdown(shutdownCtx)
	shutdownCancel()

	if ctx.Err() != nil {
		return nil
	}
	return errors.Join(errs...)
}

// handleRaw decodes one raw read and dispatches the result. Decode
// errors are counted and surfaced as events; the stream continues.
func (p *Pipeline) handleRaw(lane *channel, raw canlink.Raw) {
	frames, err := lane.decoder.Decode(raw)
	if err != nil {
		p.logger.Warn("frame decode failed", "channel", lane.name, "error", err)
		p.emit(Event{
			Severity:  SeverityWarning,
			Component: lane.name,
			Code:      CodeDecodeError,
			Message:   err.Error(),
		})
	}
	for _, frame := range frames {
		p.cfg.Dispatcher.Dispatch(frame)
	}
}

func (p *Pipeline) stateHandler(name string) func(canlink.State, error) {
	return func(state canlink.State, cause error) {
		severity := SeverityInfo
		message := state.String()
		if cause != nil {
			severity = SeverityWarning
			message = fmt.Sprintf("%s: %v", state, cause)
		}
		p.emit(Event{
			Severity:  severity,
			Component: name,
			Code:      CodeLinkState,
			Message:   message,
		})
	}
}

func (p *Pipeline) sessionHandler(name string) func(*canlink.Session) {
	return func(session *canlink.Session) {
		code := CodeSessionOpen
		message := fmt.Sprintf("session %s started (restart %d)", session.ID, session.RestartCount)
		if _, ended := session.EndedAt(); ended {
			code = CodeSessionEnd
			message = fmt.Sprintf("session %s ended", session.ID)
		}
		p.emit(Event{
			Severity:  SeverityInfo,
			Component: name,
			Code:      code,
			Message:   message,
		})

		if p.cfg.OnSession != nil {
			hookCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.cfg.OnSession(hookCtx, session); err != nil {
				p.logger.Error("session hook failed",
					"channel", name,
					"session", session.ID,
					"error", err,
				)
			}
		}
	}
}

// Send transmits a frame on the named channel. Transmitted frames
// loop back through the capture path flagged as tx.
func (p *Pipeline) Send(ctx context.Context, channelName string, id uint32, data []byte, extended bool) error {
	for _, lane := range p.channels {
		if lane.name == channelName {
			return lane.link.Send(ctx, id, data, extended)
		}
	}
	return fmt.Errorf("pipeline: unknown channel %q", channelName)
}

// DecodeErrorCount returns the running decode failure count for the
// named channel.
func (p *Pipeline) DecodeErrorCount(channelName string) uint64 {
	for _, lane := range p.channels {
		if lane.name == channelName {
			return lane.decoder.DecodeErrorCount()
		}
	}
	return 0
}

func (p *Pipeline) emit(event Event) {
	if p.cfg.OnEvent == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = p.clock.Now()
	}
	p.cfg.OnEvent(event)
}
