package relay

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/canvault/canvault/canlink"
	"github.com/canvault/canvault/dispatch"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.Default()
}

func startTestServer(t *testing.T) (*Server, *dispatch.Dispatcher, string) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	dispatcher := dispatch.New(dispatch.Config{Logger: testLogger(t)})
	server, err := NewServer(ServerConfig{
		Listener:   listener,
		Dispatcher: dispatcher,
		Logger:     testLogger(t),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
		dispatcher.Shutdown(context.Background())
	})
	return server, dispatcher, listener.Addr().String()
}

// dispatchUntilReceived redelivers a frame until the reader sees it.
// Registration happens asynchronously after the TCP accept, so frames
// dispatched immediately after Dial may precede the sink.
func dispatchUntilReceived(t *testing.T, dispatcher *dispatch.Dispatcher, conn net.Conn, seq uint64) canlink.Frame {
	t.Helper()
	frame := canlink.Frame{
		Channel: "can0",
		Seq:     seq,
		ID:      0x123,
		Data:    []byte{byte(seq)},
		Time:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	received := make(chan canlink.Frame, 1)
	go func() {
		got, err := ReadFrame(conn)
		if err == nil {
			received <- got
		}
	}()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		dispatcher.Dispatch(frame)
		select {
		case got := <-received:
			return got
		case <-time.After(20 * time.Millisecond):
		}
	}
	t.Fatal("frame never reached the relay connection")
	return canlink.Frame{}
}

func TestServerStreamsToConnection(t *testing.T) {
	_, dispatcher, addr := startTestServer(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	got := dispatchUntilReceived(t, dispatcher, conn, 7)
	if got.Seq != 7 || got.ID != 0x123 {
		t.Errorf("received frame = %+v", got)
	}
}

func TestServerSurvivesDisconnect(t *testing.T) {
	_, dispatcher, addr := startTestServer(t)

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	dispatchUntilReceived(t, dispatcher, first, 1)
	first.Close()

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	got := dispatchUntilReceived(t, dispatcher, second, 2)
	if got.Seq != 2 {
		t.Errorf("second connection frame seq = %d, want 2", got.Seq)
	}
}
