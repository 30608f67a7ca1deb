package canlink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/canvault/canvault/lib/clock"
)

// stateRecorder collects supervisor state transitions for assertion.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
	change chan State
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{change: make(chan State, 64)}
}

func (r *stateRecorder) record(state State, err error) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	r.change <- state
}

func (r *stateRecorder) waitFor(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case state := <-r.change:
			if state == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v, saw %v", want, r.all())
		}
	}
}

func (r *stateRecorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func TestSupervisorConnectFailureNoRestart(t *testing.T) {
	bus := NewVirtualBus(VirtualBusConfig{Channel: "vcan0", Clock: clock.Fake(testEpoch)})
	bus.SetAvailable(false)

	recorder := newStateRecorder()
	supervisor := NewSupervisor(SupervisorConfig{
		Link:    bus,
		Clock:   clock.Fake(testEpoch),
		OnState: recorder.record,
	})

	err := supervisor.Run(context.Background(), func(Raw) {})
	var connectErr *ConnectError
	if !errors.As(err, &connectErr) {
		t.Fatalf("Run = %v, want *ConnectError", err)
	}
	if supervisor.State() != StateDisconnected {
		t.Errorf("State = %v, want disconnected", supervisor.State())
	}
	want := []State{StateConnecting, StateDisconnected}
	got := recorder.all()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}
}

func TestSupervisorAutoRestartReconnects(t *testing.T) {
	fakeClock := clock.Fake(testEpoch)
	bus := NewVirtualBus(VirtualBusConfig{Channel: "vcan0", Clock: fakeClock})
	bus.SetAvailable(false)

	recorder := newStateRecorder()
	supervisor := NewSupervisor(SupervisorConfig{
		Link:         bus,
		AutoRestart:  true,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Clock:        fakeClock,
		OnState:      recorder.record,
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() {
		runDone <- supervisor.Run(ctx, func(Raw) {})
	}()

	recorder.waitFor(t, StateDisconnected)

	// The adapter comes back; the supervisor reconnects after its
	// backoff delay.
	bus.SetAvailable(true)
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(100 * time.Millisecond)
	recorder.waitFor(t, StateConnected)

	cancel()
	if err := <-runDone; err != nil {
		t.Fatalf("Run = %v, want nil on cancellation", err)
	}
}

func TestSupervisorTerminalErrorNoRestart(t *testing.T) {
	fakeClock := clock.Fake(testEpoch)
	bus := NewVirtualBus(VirtualBusConfig{Channel: "vcan0", Clock: fakeClock})

	recorder := newStateRecorder()
	supervisor := NewSupervisor(SupervisorConfig{
		Link:    bus,
		Clock:   fakeClock,
		OnState: recorder.record,
	})

	var sessions []*Session
	supervisor.cfg.OnSession = func(session *Session) {
		sessions = append(sessions, session)
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- supervisor.Run(context.Background(), func(Raw) {})
	}()

	recorder.waitFor(t, StateConnected)
	bus.InjectFailure(LinkBusOff)
	recorder.waitFor(t, StateDisconnected)

	err := <-runDone
	var linkErr *LinkError
	if !errors.As(err, &linkErr) || linkErr.Kind != LinkBusOff {
		t.Fatalf("Run = %v, want bus-off", err)
	}
	if !IsTerminal(err) {
		t.Error("bus-off not reported terminal")
	}
	if len(sessions) != 2 {
		t.Fatalf("OnSession called %d times, want 2 (open and close)", len(sessions))
	}
	if _, ended := sessions[1].EndedAt(); !ended {
		t.Error("session not closed before the final OnSession call")
	}
}

func TestSupervisorDegradedOnTimeoutRecovers(t *testing.T) {
	fakeClock := clock.Fake(testEpoch)
	bus := NewVirtualBus(VirtualBusConfig{Channel: "vcan0", Clock: fakeClock})

	recorder := newStateRecorder()
	supervisor := NewSupervisor(SupervisorConfig{
		Link:    bus,
		Clock:   fakeClock,
		OnState: recorder.record,
	})

	frames := make(chan Raw, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() {
		runDone <- supervisor.Run(ctx, func(raw Raw) { frames <- raw })
	}()

	recorder.waitFor(t, StateConnected)

	bus.InjectFailure(LinkTimeout)
	recorder.waitFor(t, StateDegraded)

	// The session stays open; a delivered frame restores Connected.
	bus.Inject(0x100, []byte{0x01}, false)
	recorder.waitFor(t, StateConnected)

	select {
	case <-frames:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never received the frame")
	}

	cancel()
	if err := <-runDone; err != nil {
		t.Fatalf("Run = %v, want nil on cancellation", err)
	}
}

func TestSupervisorRestartCountPassedToOpen(t *testing.T) {
	fakeClock := clock.Fake(testEpoch)
	bus := NewVirtualBus(VirtualBusConfig{Channel: "vcan0", Clock: fakeClock})

	var sessions []*Session
	supervisor := NewSupervisor(SupervisorConfig{
		Link:         bus,
		AutoRestart:  true,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Clock:        fakeClock,
		OnSession:    func(session *Session) { sessions = append(sessions, session) },
	})

	recorder := newStateRecorder()
	supervisor.cfg.OnState = recorder.record

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() {
		runDone <- supervisor.Run(ctx, func(Raw) {})
	}()

	recorder.waitFor(t, StateConnected)
	bus.InjectFailure(LinkDeviceRemoved)
	recorder.waitFor(t, StateDisconnected)

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(100 * time.Millisecond)
	recorder.waitFor(t, StateConnected)

	cancel()
	<-runDone

	if len(sessions) < 3 {
		t.Fatalf("OnSession called %d times, want at least 3", len(sessions))
	}
	if sessions[0].RestartCount != 0 {
		t.Errorf("first session RestartCount = %d, want 0", sessions[0].RestartCount)
	}
	if sessions[2].RestartCount != 1 {
		t.Errorf("restarted session RestartCount = %d, want 1", sessions[2].RestartCount)
	}
}

func TestSupervisorBackoffDoublesToCeiling(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{9, time.Second},
	}

	for _, test := range tests {
		fakeClock := clock.Fake(testEpoch)
		supervisor := NewSupervisor(SupervisorConfig{
			Link:         NewVirtualBus(VirtualBusConfig{Channel: "vcan0", Clock: fakeClock}),
			AutoRestart:  true,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     time.Second,
			Clock:        fakeClock,
		})
		supervisor.attempts = test.attempts

		done := make(chan struct{})
		go func() {
			supervisor.backoff(context.Background())
			close(done)
		}()

		fakeClock.WaitForTimers(1)
		fakeClock.Advance(test.want - time.Millisecond)
		select {
		case <-done:
			t.Fatalf("attempts=%d: backoff returned before %v", test.attempts, test.want)
		case <-time.After(50 * time.Millisecond):
		}

		fakeClock.Advance(time.Millisecond)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("attempts=%d: backoff did not return at %v", test.attempts, test.want)
		}
	}
}

func TestSupervisorBackoffCancellable(t *testing.T) {
	fakeClock := clock.Fake(testEpoch)
	supervisor := NewSupervisor(SupervisorConfig{
		Link:         NewVirtualBus(VirtualBusConfig{Channel: "vcan0", Clock: fakeClock}),
		AutoRestart:  true,
		InitialDelay: time.Minute,
		MaxDelay:     time.Hour,
		Clock:        fakeClock,
	})
	supervisor.attempts = 1

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- supervisor.backoff(ctx)
	}()

	fakeClock.WaitForTimers(1)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("backoff = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backoff did not observe cancellation")
	}
}
