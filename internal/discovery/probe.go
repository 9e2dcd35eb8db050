package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/marcus-qen/vertiport/internal/protocol"
)

var (
	ErrProbeTimeout = errors.New("probe timed out")
	ErrProbeRefused = errors.New("probe refused")
	ErrNoAnswer     = errors.New("no answer to identify request")
)

// Prober performs one identification attempt against a single host.
// Implementations must not block past their own timeout.
type Prober interface {
	Probe(ctx context.Context, addr protocol.Address) ProbeResult
}

// TCPProber connects, sends the identify request, reads up to
// MaxResponseSize bytes and closes. Any non-empty answer marks the host
// reachable.
type TCPProber struct {
	Dialer  *net.Dialer
	Timeout time.Duration
}

func NewTCPProber(timeout time.Duration) *TCPProber {
	return &TCPProber{
		Dialer:  &net.Dialer{KeepAlive: -1},
		Timeout: NormalizeProbeTimeout(timeout),
	}
}

// NormalizeProbeTimeout bounds caller input; zero means the protocol default.
func NormalizeProbeTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return protocol.DefaultTimeout
	}
	if timeout > maxProbeTimeout {
		return maxProbeTimeout
	}
	return timeout
}

const maxProbeTimeout = 5 * time.Second

func (p *TCPProber) Probe(ctx context.Context, addr protocol.Address) ProbeResult {
	result := ProbeResult{Address: addr}

	timeout := NormalizeProbeTimeout(p.Timeout)
	dialer := p.Dialer
	if dialer == nil {
		dialer = &net.Dialer{KeepAlive: -1}
	}

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dialer.DialContext(connCtx, "tcp", addr.String())
	if err != nil {
		result.Err = classifyProbeError(err)
		return result
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(protocol.IdentifyRequest()); err != nil {
		result.Err = classifyProbeError(err)
		return result
	}

	buf := make([]byte, protocol.MaxResponseSize)
	n, err := conn.Read(buf)
	id, ok := protocol.DecodeIdentifyResponse(buf[:n])
	if !ok {
		if err == nil {
			err = ErrNoAnswer
		}
		result.Err = classifyProbeError(err)
		return result
	}

	result.Reachable = true
	result.DeviceID = id
	return result
}

func classifyProbeError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrProbeTimeout, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %w", ErrProbeTimeout, err)
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return fmt.Errorf("%w: %w", ErrProbeRefused, err)
	default:
		return err
	}
}

func probeOutcome(r ProbeResult) string {
	switch {
	case r.Reachable:
		return ProbeReachable
	case errors.Is(r.Err, ErrProbeTimeout):
		return ProbeTimeout
	case errors.Is(r.Err, ErrProbeRefused):
		return ProbeRefused
	default:
		return ProbeError
	}
}
