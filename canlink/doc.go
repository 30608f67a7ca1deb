// Package canlink owns the CAN bus side of the capture pipeline: the
// adapter link (SocketCAN or the built-in virtual bus), the raw frame
// decoder with per-channel sequence numbering and gap detection, the
// bus session audit records, and the reconnect supervisor that drives
// connect / degrade / backoff transitions.
//
// Raw frames cross the link in the Linux SocketCAN binary layout
// regardless of adapter type, so the decoder has exactly one wire
// format to understand.
package canlink
