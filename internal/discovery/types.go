package discovery

import (
	"time"

	"github.com/marcus-qen/vertiport/internal/protocol"
)

const (
	// HostsPerSubnet is the number of probed hosts in a /24 (.1 through .254).
	HostsPerSubnet = 254

	ProbeReachable = "reachable"
	ProbeTimeout   = "timeout"
	ProbeRefused   = "refused"
	ProbeError     = "error"
)

// EventKind distinguishes scan stream events.
type EventKind int

const (
	EventFound EventKind = iota
	EventCompleted
)

func (k EventKind) String() string {
	switch k {
	case EventFound:
		return "found"
	case EventCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Event is one item on a scan stream. A stream carries zero or more
// EventFound items followed by exactly one EventCompleted.
type Event struct {
	Kind   EventKind
	ScanID string

	// Set on EventFound.
	Address  protocol.Address
	DeviceID byte

	// Set on EventCompleted.
	Outcome *Outcome
}

// ProbeResult is the outcome of one connect-send-receive cycle.
type ProbeResult struct {
	Address   protocol.Address
	Reachable bool
	DeviceID  byte
	Err       error
}

// Outcome summarises one scan.
type Outcome struct {
	ID     string
	Subnet string
	// Discovered is in response arrival order, not address order.
	Discovered []protocol.Address
	// Completed is true once every probe has resolved. It is false only when
	// the scan could not run.
	Completed bool
	// Found is true when at least one device answered.
	Found      bool
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns how long the scan ran.
func (o *Outcome) Duration() time.Duration {
	if o.FinishedAt.IsZero() {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}
