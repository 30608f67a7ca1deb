package canlink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/canvault/canvault/lib/clock"
)

// State is the reconnect supervisor's view of the link.
type State int

const (
	// StateDisconnected: no open session.
	StateDisconnected State = iota
	// StateConnecting: an open attempt is in progress.
	StateConnecting
	// StateConnected: reads are flowing.
	StateConnected
	// StateDegraded: the session is open but the last read failed
	// recoverably (timeout). A successful read returns to Connected.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	}
	return "unknown"
}

// SupervisorConfig holds the parameters for a reconnect supervisor.
type SupervisorConfig struct {
	// Link is the bus adapter to supervise.
	Link BusLink

	// AutoRestart enables reconnection after terminal link errors.
	// When false the supervisor stops on the first terminal error
	// and Run returns it.
	AutoRestart bool

	// InitialDelay is the first reconnect backoff delay.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// Clock drives backoff waits.
	Clock clock.Clock

	// Logger receives state transitions and errors.
	Logger *slog.Logger

	// OnState, when set, is called after every state transition with
	// the error that caused it (nil for healthy transitions). Called
	// from the supervisor goroutine; keep it fast.
	OnState func(state State, err error)

	// OnSession, when set, is called when a session opens and again
	// after it closes (EndedAt then reports ended).
	OnSession func(session *Session)
}

// Supervisor owns the link lifecycle: it runs the single read loop,
// classifies link errors, closes sessions on terminal failures, and
// reconnects under exponential backoff when auto-restart is enabled.
//
// Backoff state belongs to the supervisor alone. A session's restart
// count is descriptive audit data and never feeds back into backoff
// timing.
type Supervisor struct {
	cfg    SupervisorConfig
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	state State

	// attempts counts consecutive failed connects and terminal
	// failures since the link last proved healthy (a successful
	// read). It persists across session boundaries so a flapping
	// adapter keeps backing off.
	attempts int
}

// NewSupervisor creates a supervisor for the given link.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	return &Supervisor{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		state:  StateDisconnected,
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state State, cause error) {
	s.mu.Lock()
	previous := s.state
	s.state = state
	s.mu.Unlock()

	if previous == state {
		return
	}
	if cause != nil {
		s.logger.Warn("link state changed",
			"from", previous.String(),
			"to", state.String(),
			"error", cause,
		)
	} else {
		s.logger.Info("link state changed",
			"from", previous.String(),
			"to", state.String(),
		)
	}
	if s.cfg.OnState != nil {
		s.cfg.OnState(state, cause)
	}
}

// Run drives the connect/read/reconnect loop until ctx is cancelled,
// delivering every raw frame to handle in read order. Returns nil on
// explicit stop (ctx cancellation). Returns the causing error when
// the link fails terminally and auto-restart is disabled, or when a
// connect attempt fails and auto-restart is disabled.
func (s *Supervisor) Run(ctx context.Context, handle func(Raw)) error {
	defer s.cfg.Link.Close()

	for {
		s.setState(StateConnecting, nil)

		session, err := s.cfg.Link.Open(ctx, s.attempts)
		if err != nil {
			s.setState(StateDisconnected, err)
			if !s.cfg.AutoRestart {
				return err
			}
			s.bumpAttempts()
			if waitErr := s.backoff(ctx); waitErr != nil {
				return nil
			}
			continue
		}

		if s.cfg.OnSession != nil {
			s.cfg.OnSession(session)
		}
		s.setState(StateConnected, nil)

		err = s.readLoop(ctx, handle)

		// Close the session before reporting, so observers see the
		// end time.
		s.cfg.Link.Close()
		if s.cfg.OnSession != nil {
			s.cfg.OnSession(session)
		}

		if ctx.Err() != nil {
			s.setState(StateDisconnected, nil)
			return nil
		}

		s.bumpAttempts()
		s.setState(StateDisconnected, err)
		if !s.cfg.AutoRestart {
			return err
		}
		if waitErr := s.backoff(ctx); waitErr != nil {
			return nil
		}
	}
}

func (s *Supervisor) bumpAttempts() {
	s.mu.Lock()
	s.attempts++
	s.mu.Unlock()
}

// readLoop reads until ctx is done or a terminal link error occurs.
// Recoverable errors demote the state to Degraded and retry.
func (s *Supervisor) readLoop(ctx context.Context, handle func(Raw)) error {
	for {
		raw, err := s.cfg.Link.ReadNext(ctx)
		if err == nil {
			// A successful read proves the link healthy: clear the
			// backoff history and any degraded status.
			s.mu.Lock()
			s.attempts = 0
			s.mu.Unlock()
			s.setState(StateConnected, nil)
			handle(raw)
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		var linkErr *LinkError
		if errors.As(err, &linkErr) && !linkErr.Terminal() {
			s.setState(StateDegraded, linkErr)
			continue
		}
		return err
	}
}

// backoff waits the exponential delay for the current attempt count.
// Returns ctx.Err() when cancelled during the wait.
func (s *Supervisor) backoff(ctx context.Context) error {
	s.mu.Lock()
	attempts := s.attempts
	s.mu.Unlock()

	delay := s.cfg.InitialDelay
	for i := 1; i < attempts && delay < s.cfg.MaxDelay; i++ {
		delay *= 2
	}
	if delay > s.cfg.MaxDelay {
		delay = s.cfg.MaxDelay
	}

	s.logger.Info("reconnect scheduled", "delay", delay, "attempt", attempts)
	select {
	case <-s.clock.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
