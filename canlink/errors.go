package canlink

import (
	"errors"
	"fmt"
)

// ConnectKind classifies why opening the bus failed.
type ConnectKind int

const (
	// ConnectDeviceNotFound: the named interface does not exist.
	ConnectDeviceNotFound ConnectKind = iota
	// ConnectPermissionDenied: the process may not open raw CAN
	// sockets on this interface.
	ConnectPermissionDenied
	// ConnectBitrateMismatch: the interface is configured at a
	// different bitrate than requested.
	ConnectBitrateMismatch
)

func (k ConnectKind) String() string {
	switch k {
	case ConnectDeviceNotFound:
		return "device-not-found"
	case ConnectPermissionDenied:
		return "permission-denied"
	case ConnectBitrateMismatch:
		return "bitrate-mismatch"
	}
	return "unknown"
}

// ConnectError reports a failed open attempt. Always fatal to the
// attempt; the reconnect supervisor decides whether to retry.
type ConnectError struct {
	Kind    ConnectKind
	Channel string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("canlink: connect %s: %s: %v", e.Channel, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// LinkKind classifies a failure on an established link.
type LinkKind int

const (
	// LinkTimeout: no traffic within the read timeout. Recoverable;
	// the caller may retry the read.
	LinkTimeout LinkKind = iota
	// LinkBusOff: the controller entered bus-off. Terminal for the
	// session.
	LinkBusOff
	// LinkDeviceRemoved: the interface disappeared. Terminal for the
	// session.
	LinkDeviceRemoved
)

func (k LinkKind) String() string {
	switch k {
	case LinkTimeout:
		return "timeout"
	case LinkBusOff:
		return "bus-off"
	case LinkDeviceRemoved:
		return "device-removed"
	}
	return "unknown"
}

// LinkError reports a failure on an open link.
type LinkError struct {
	Kind    LinkKind
	Channel string
	Err     error
}

func (e *LinkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("canlink: %s: %s", e.Channel, e.Kind)
	}
	return fmt.Sprintf("canlink: %s: %s: %v", e.Channel, e.Kind, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// Terminal reports whether the error ends the current session.
// Timeouts are recoverable; bus-off and device removal are not.
func (e *LinkError) Terminal() bool { return e.Kind != LinkTimeout }

// DecodeKind classifies a per-frame decode failure.
type DecodeKind int

const (
	// DecodeMalformedHeader: the raw buffer is shorter than the
	// fixed frame header.
	DecodeMalformedHeader DecodeKind = iota
	// DecodeTruncated: the buffer ends before the declared payload.
	DecodeTruncated
	// DecodeInvalidDLC: the declared length exceeds what the frame
	// format allows.
	DecodeInvalidDLC
)

func (k DecodeKind) String() string {
	switch k {
	case DecodeMalformedHeader:
		return "malformed-header"
	case DecodeTruncated:
		return "truncated"
	case DecodeInvalidDLC:
		return "invalid-dlc"
	}
	return "unknown"
}

// DecodeError reports one undecodable raw frame. Decode errors are
// per-frame: the stream continues with the next frame.
type DecodeError struct {
	Kind    DecodeKind
	Channel string
	Detail  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("canlink: decode %s: %s: %s", e.Channel, e.Kind, e.Detail)
}

// IsTerminal reports whether err is a LinkError that ends the session.
// A nil or non-LinkError err returns false.
func IsTerminal(err error) bool {
	var linkErr *LinkError
	if errors.As(err, &linkErr) {
		return linkErr.Terminal()
	}
	return false
}
