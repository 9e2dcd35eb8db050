// Package discovery locates vertiport controllers on the local /24 subnet by
// probing every host concurrently with the identify request.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marcus-qen/vertiport/internal/metrics"
	"github.com/marcus-qen/vertiport/internal/protocol"
	"github.com/marcus-qen/vertiport/internal/telemetry"
)

var ErrProbePanic = errors.New("probe panicked")

// Scanner sweeps a /24 with one probe per host.
type Scanner struct {
	Provider LocalAddressProvider
	Prober   Prober
	// MaxConcurrency caps simultaneous probes. Zero means one per host.
	MaxConcurrency int
	// OnProbe, if set, is called once per resolved probe from the probing
	// goroutine. It must be safe for concurrent use.
	OnProbe func(ProbeResult)

	logger *zap.Logger
}

// NewScanner creates a scanner. A nil provider uses DefaultProvider(""), a
// nil prober uses a TCPProber with the protocol timeout.
func NewScanner(provider LocalAddressProvider, prober Prober, logger *zap.Logger) *Scanner {
	if provider == nil {
		provider = DefaultProvider("")
	}
	if prober == nil {
		prober = NewTCPProber(protocol.DefaultTimeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		Provider:       provider,
		Prober:         prober,
		MaxConcurrency: HostsPerSubnet,
		logger:         logger,
	}
}

// HostsForSubnet returns .1 through .254 of local's /24, each with port.
func HostsForSubnet(local netip.Addr, port uint16) ([]protocol.Address, error) {
	if !local.Is4() {
		return nil, fmt.Errorf("%w: %s is not IPv4", protocol.ErrInvalidAddress, local)
	}
	base := local.As4()
	hosts := make([]protocol.Address, 0, HostsPerSubnet)
	for i := 1; i <= HostsPerSubnet; i++ {
		base[3] = byte(i)
		addr, err := protocol.AddressFrom(netip.AddrFrom4(base), port)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, addr)
	}
	return hosts, nil
}

// SubnetOf returns the /24 containing local in CIDR notation.
func SubnetOf(local netip.Addr) string {
	prefix, err := local.Prefix(24)
	if err != nil {
		return ""
	}
	return prefix.String()
}

// Start runs a scan in the background. The returned channel carries an
// EventFound per responder in arrival order, then one EventCompleted, and is
// then closed. The channel is buffered for a full sweep, so a slow reader
// never stalls the probes.
func (s *Scanner) Start(ctx context.Context, port int) <-chan Event {
	return s.StartWithID(ctx, uuid.NewString(), port)
}

// StartWithID is Start with a caller-chosen scan id.
func (s *Scanner) StartWithID(ctx context.Context, scanID string, port int) <-chan Event {
	if scanID == "" {
		scanID = uuid.NewString()
	}
	events := make(chan Event, HostsPerSubnet+1)
	go func() {
		defer close(events)
		s.run(ctx, scanID, port, events)
	}()
	return events
}

// Scan runs a scan to completion and returns its outcome. The error is the
// outcome's scan-level error, if any.
func (s *Scanner) Scan(ctx context.Context, port int) (*Outcome, error) {
	var outcome *Outcome
	for ev := range s.Start(ctx, port) {
		if ev.Kind == EventCompleted {
			outcome = ev.Outcome
		}
	}
	return outcome, outcome.Err
}

func (s *Scanner) run(ctx context.Context, scanID string, port int, events chan<- Event) {
	outcome := &Outcome{
		ID:        scanID,
		StartedAt: time.Now().UTC(),
	}
	logger := s.logger.With(zap.String("scan_id", outcome.ID))

	defer func() {
		outcome.FinishedAt = time.Now().UTC()
		outcome.Found = len(outcome.Discovered) > 0
		metrics.RecordScan(scanResult(outcome), len(outcome.Discovered), outcome.Duration())
		events <- Event{Kind: EventCompleted, ScanID: outcome.ID, Outcome: outcome}
	}()

	if port < 0 || port > 65535 {
		outcome.Err = fmt.Errorf("%w: port %d out of range", protocol.ErrInvalidAddress, port)
		return
	}

	local, err := s.Provider.LocalIPv4(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoLocalAddress) {
			err = fmt.Errorf("%w: %w", ErrNoLocalAddress, err)
		}
		outcome.Err = err
		logger.Error("unable to determine local subnet", zap.Error(err))
		return
	}

	hosts, err := HostsForSubnet(local, uint16(port))
	if err != nil {
		outcome.Err = fmt.Errorf("%w: %w", ErrNoLocalAddress, err)
		return
	}
	outcome.Subnet = SubnetOf(local)

	ctx, span := telemetry.StartScanSpan(ctx, outcome.ID, outcome.Subnet, port)
	logger.Info("scanning subnet",
		zap.String("subnet", outcome.Subnet),
		zap.Int("port", port),
		zap.Int("hosts", len(hosts)),
	)

	outcome.Err = s.sweep(ctx, hosts, outcome, events, logger)
	outcome.Completed = outcome.Err == nil
	telemetry.EndScanSpan(span, len(outcome.Discovered), outcome.Err)

	logger.Info("scan finished",
		zap.String("subnet", outcome.Subnet),
		zap.Int("discovered", len(outcome.Discovered)),
		zap.Duration("duration", time.Since(outcome.StartedAt)),
		zap.Error(outcome.Err),
	)
}

// sweep probes every host and blocks until all of them resolved.
func (s *Scanner) sweep(ctx context.Context, hosts []protocol.Address, outcome *Outcome, events chan<- Event, logger *zap.Logger) error {
	concurrency := s.MaxConcurrency
	if concurrency <= 0 || concurrency > len(hosts) {
		concurrency = len(hosts)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var mu sync.Mutex
	for _, host := range hosts {
		if gctx.Err() != nil {
			break
		}
		addr := host
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %s: %v", ErrProbePanic, addr, r)
				}
			}()

			res := s.Prober.Probe(gctx, addr)
			metrics.RecordProbe(probeOutcome(res))
			if s.OnProbe != nil {
				s.OnProbe(res)
			}
			if !res.Reachable {
				logger.Debug("host did not answer", zap.String("address", addr.String()), zap.Error(res.Err))
				return nil
			}

			logger.Info("device found",
				zap.String("address", addr.String()),
				zap.Uint8("device_id", res.DeviceID),
			)
			mu.Lock()
			outcome.Discovered = append(outcome.Discovered, addr)
			events <- Event{Kind: EventFound, ScanID: outcome.ID, Address: addr, DeviceID: res.DeviceID}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func scanResult(o *Outcome) string {
	switch {
	case o.Err != nil:
		return "failed"
	case len(o.Discovered) > 0:
		return "found"
	default:
		return "empty"
	}
}
