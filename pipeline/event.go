// Package pipeline wires the capture components together: one
// supervised read loop and decoder per channel feeding a shared
// dispatcher, with status events fanned out to a registered notifier.
package pipeline

import (
	"fmt"
	"time"
)

// Severity grades a status event.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	}
	return "unknown"
}

// Event is a status notification for collaborators (UI, operator
// alerting). Events describe pipeline health; they never carry frame
// data.
type Event struct {
	Time      time.Time
	Severity  Severity
	Component string
	Code      string
	Message   string
}

func (e Event) String() string {
	return fmt.Sprintf("[%s] %s/%s: %s", e.Severity, e.Component, e.Code, e.Message)
}

// Event codes emitted by the pipeline.
const (
	CodeLinkState   = "link-state"
	CodeSessionOpen = "session-open"
	CodeSessionEnd  = "session-end"
	CodeDecodeError = "decode-error"
	CodeSinkFatal   = "sink-fatal"
	CodeChannelDown = "channel-down"
)
