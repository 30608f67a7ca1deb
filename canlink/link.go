package canlink

import "context"

// Raw is one frame as read off the adapter, before decoding. Data is
// in the SocketCAN binary layout (16 bytes classic, 72 bytes FD).
type Raw struct {
	// Data is the undecoded frame bytes.
	Data []byte

	// Dropped is the adapter's cumulative dropped-frame counter at
	// the time this frame was read. The decoder diffs successive
	// values to emit gap markers.
	Dropped uint32

	// Tx marks a loopback of a frame this node transmitted.
	Tx bool
}

// BusLink is one CAN adapter. Implementations: SocketCAN for kernel
// interfaces, VirtualBus for simulation.
//
// A link moves through open → read/send → close exactly once per
// session; reopening after Close is done by constructing state through
// Open again. Links are not safe for concurrent ReadNext calls; the
// supervisor owns the single read loop.
type BusLink interface {
	// Open connects to the adapter and returns the new session
	// record. restartCount is stamped into the session for audit.
	// Returns *ConnectError on failure.
	Open(ctx context.Context, restartCount int) (*Session, error)

	// ReadNext blocks until a frame arrives, the read times out, the
	// link fails, or ctx is done. Returns *LinkError for link
	// failures; ctx.Err() when cancelled.
	ReadNext(ctx context.Context) (Raw, error)

	// Send transmits a frame on the bus. The frame loops back
	// through ReadNext flagged Tx.
	Send(ctx context.Context, id uint32, data []byte, extended bool) error

	// Close disconnects and closes the current session record.
	// Idempotent.
	Close() error
}
