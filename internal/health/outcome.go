package health

import (
	"fmt"
	"time"
)

// OutcomeKind identifies the result of one probe attempt.
type OutcomeKind int

const (
	// Success is a matching reply within both the timeout and the RTT ceiling.
	Success OutcomeKind = iota
	// LateReply is a matching reply that arrived after the timeout.
	LateReply
	// RttExceeded is a matching reply within the timeout but over the RTT ceiling.
	RttExceeded
	// NoReply means nothing matched before the wait budget ran out.
	NoReply
	// SendFailed means the request was never transmitted.
	SendFailed
)

// String returns the string representation of the outcome kind.
func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case LateReply:
		return "late_reply"
	case RttExceeded:
		return "rtt_exceeded"
	case NoReply:
		return "no_reply"
	case SendFailed:
		return "send_failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Outcome is the tagged result of one probe. Delay is meaningful only when
// HasReply is true.
type Outcome struct {
	Kind  OutcomeKind
	Delay time.Duration
}

// HasReply reports whether a matching reply was received.
func (o Outcome) HasReply() bool {
	switch o.Kind {
	case Success, LateReply, RttExceeded:
		return true
	default:
		return false
	}
}

// Healthy reports the binary verdict for the outcome.
func (o Outcome) Healthy() bool {
	return o.Kind == Success
}

// Classify maps a reply delay onto an outcome. The timeout check runs first,
// so a reply past both limits is LateReply.
func Classify(delay, timeout, maxRTT time.Duration) Outcome {
	switch {
	case delay > timeout:
		return Outcome{Kind: LateReply, Delay: delay}
	case delay > maxRTT:
		return Outcome{Kind: RttExceeded, Delay: delay}
	default:
		return Outcome{Kind: Success, Delay: delay}
	}
}
