/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package controller ties discovery and the device session together behind
// the operations a UI or CLI needs: scan, connect, set a pad, test the link.
// Every state change is published on an event bus.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/vertiport/internal/connection"
	"github.com/marcus-qen/vertiport/internal/discovery"
	"github.com/marcus-qen/vertiport/internal/events"
	"github.com/marcus-qen/vertiport/internal/protocol"
)

var (
	ErrInvalidCommand = errors.New("invalid vertiport command")
	ErrScanInProgress = errors.New("scan already in progress")
	ErrClosed         = errors.New("controller closed")
)

// Options configures a Controller.
type Options struct {
	// DevicePort is the TCP port scanned and connected to. Zero means 502.
	DevicePort int
	// AutoConnect opens a session to the first device a scan finds when no
	// session exists yet.
	AutoConnect bool
	// Scanner defaults to discovery.NewScanner(nil, nil, logger).
	Scanner *discovery.Scanner
	// SessionOptions are passed to every connection.Open.
	SessionOptions []connection.Option
	// EventBuffer is the per-subscriber event channel capacity.
	EventBuffer int
}

// Status is a point-in-time view of the controller.
type Status struct {
	Address    string                                              `json:"address,omitempty"`
	State      string                                              `json:"state"`
	DeviceID   *uint8                                              `json:"device_id,omitempty"`
	Scanning   bool                                                `json:"scanning"`
	LastScan   *protocol.ScanPayload                               `json:"last_scan,omitempty"`
	Vertiports [protocol.VertiportCount]*protocol.VertiportCommand `json:"vertiports"`
}

// Controller is the caller-facing facade.
type Controller struct {
	opts    Options
	logger  *zap.Logger
	bus     *events.Bus
	scanner *discovery.Scanner

	// connectMu serializes session replacement.
	connectMu sync.Mutex

	mu         sync.Mutex
	session    *connection.Session
	scanning   bool
	scanCancel context.CancelFunc
	lastScan   *discovery.Outcome
	slots      [protocol.VertiportCount]*protocol.VertiportCommand
	liveness   *cron.Cron
	closed     bool

	wg sync.WaitGroup
}

// New creates a controller. It does not scan or connect.
func New(opts Options, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DevicePort == 0 {
		opts.DevicePort = protocol.DefaultPort
	}
	scanner := opts.Scanner
	if scanner == nil {
		scanner = discovery.NewScanner(nil, nil, logger.Named("scanner"))
	}
	return &Controller{
		opts:    opts,
		logger:  logger.Named("controller"),
		bus:     events.NewBus(opts.EventBuffer),
		scanner: scanner,
	}
}

// Subscribe returns the event stream and a cancel function. Slow subscribers
// lose events rather than stall the controller.
func (c *Controller) Subscribe() (<-chan protocol.Envelope, func()) {
	return c.bus.Subscribe()
}

// StartScan begins a background sweep of the local /24 and returns its id.
// Progress arrives as scan_started, device_found and scan_completed events,
// plus no_devices_found when nothing answered.
func (c *Controller) StartScan(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if c.scanning {
		c.mu.Unlock()
		return "", ErrScanInProgress
	}
	scanID := uuid.NewString()
	scanCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.scanning = true
	c.scanCancel = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("scan started", zap.String("scan_id", scanID), zap.Int("port", c.opts.DevicePort))
	c.bus.Publish(protocol.EventScanStarted, protocol.ScanPayload{ScanID: scanID})

	stream := c.scanner.StartWithID(scanCtx, scanID, c.opts.DevicePort)
	go c.consumeScan(scanCtx, cancel, stream)
	return scanID, nil
}

func (c *Controller) consumeScan(ctx context.Context, cancel context.CancelFunc, stream <-chan discovery.Event) {
	defer c.wg.Done()
	defer cancel()

	autoConnected := false
	for ev := range stream {
		switch ev.Kind {
		case discovery.EventFound:
			c.bus.Publish(protocol.EventDeviceFound, protocol.DevicePayload{
				ScanID:  ev.ScanID,
				Address: ev.Address.String(),
			})
			if autoConnected || !c.opts.AutoConnect || c.hasSession() {
				continue
			}
			autoConnected = true
			if err := c.connectAddress(ctx, ev.Address); err != nil {
				c.logger.Warn("auto-connect failed", zap.String("address", ev.Address.String()), zap.Error(err))
				continue
			}
			c.logger.Info("auto-connected to first discovered device", zap.String("address", ev.Address.String()))
			c.bus.Publish(protocol.EventAutoConnected, protocol.DevicePayload{
				ScanID:  ev.ScanID,
				Address: ev.Address.String(),
			})

		case discovery.EventCompleted:
			o := ev.Outcome
			c.mu.Lock()
			c.lastScan = o
			c.scanning = false
			c.scanCancel = nil
			c.mu.Unlock()

			c.bus.Publish(protocol.EventScanCompleted, scanPayload(o))
			if !o.Found {
				c.bus.Publish(protocol.EventNoDevicesFound, protocol.ScanPayload{
					ScanID:    o.ID,
					Subnet:    o.Subnet,
					Completed: o.Completed,
				})
			}
		}
	}
}

func scanPayload(o *discovery.Outcome) protocol.ScanPayload {
	p := protocol.ScanPayload{
		ScanID:    o.ID,
		Subnet:    o.Subnet,
		Found:     o.Found,
		Completed: o.Completed,
	}
	for _, addr := range o.Discovered {
		p.Discovered = append(p.Discovered, addr.String())
	}
	if o.Err != nil {
		p.Error = o.Err.Error()
	}
	return p
}

// Connect opens a session to host:port, replacing any existing session.
// Leading zeros in host are accepted and stripped. A zero port means the
// configured device port. Only a malformed address is an error; an
// unreachable device leaves the session retrying in the background.
func (c *Controller) Connect(ctx context.Context, host string, port int) error {
	normalized, err := protocol.NormalizeIPv4(host)
	if err != nil {
		return err
	}
	if port == 0 {
		port = c.opts.DevicePort
	}
	addr, err := protocol.ParseAddress(normalized, port)
	if err != nil {
		return err
	}
	return c.connectAddress(ctx, addr)
}

func (c *Controller) connectAddress(ctx context.Context, addr protocol.Address) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	prev := c.session
	c.session = nil
	c.mu.Unlock()

	// The previous session publishes its final state before the new one opens.
	if prev != nil {
		c.logger.Info("replacing session",
			zap.String("previous", prev.Address().String()),
			zap.String("address", addr.String()),
		)
		_ = prev.Close()
	}

	opts := append([]connection.Option{
		connection.WithLogger(c.logger),
		connection.WithStateObserver(c.statusPublisher(addr)),
	}, c.opts.SessionOptions...)

	sess, err := connection.Open(ctx, addr, opts...)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = sess.Close()
		return ErrClosed
	}
	c.session = sess
	c.mu.Unlock()
	return nil
}

func (c *Controller) statusPublisher(addr protocol.Address) func(connection.State) {
	return func(st connection.State) {
		c.bus.Publish(protocol.EventConnectionStatus, protocol.StatusPayload{
			Address: addr.String(),
			Status:  st.String(),
		})
	}
}

// SetVertiport sets the colour and status of one pad. Arguments outside
// their ranges yield ErrInvalidCommand. Without a session the result is
// connection.ErrNotConnected; connection.ErrSendFailed means the command is
// retained and replayed after the next reconnect.
func (c *Controller) SetVertiport(ctx context.Context, id, status, r, g, b int) error {
	if id < 0 || id >= protocol.VertiportCount {
		return fmt.Errorf("%w: %w: %d", ErrInvalidCommand, protocol.ErrInvalidPort, id)
	}
	for _, f := range []struct {
		name string
		v    int
	}{{"status", status}, {"r", r}, {"g", g}, {"b", b}} {
		if f.v < 0 || f.v > 255 {
			return fmt.Errorf("%w: %s %d outside 0-255", ErrInvalidCommand, f.name, f.v)
		}
	}
	cmd := protocol.VertiportCommand{
		PortID: uint8(id),
		Status: uint8(status),
		R:      uint8(r),
		G:      uint8(g),
		B:      uint8(b),
	}

	c.mu.Lock()
	sess := c.session
	if sess != nil {
		stored := cmd
		c.slots[id] = &stored
	}
	c.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("%w: no device selected", connection.ErrNotConnected)
	}

	err := sess.Send(ctx, cmd)
	payload := protocol.CommandPayload{Command: cmd, Delivered: err == nil}
	if err != nil {
		payload.Error = err.Error()
		c.logger.Warn("vertiport command not delivered", zap.Stringer("command", cmd), zap.Error(err))
	}
	c.bus.Publish(protocol.EventCommandSent, payload)
	return err
}

// TestConnection writes the liveness probe. False when there is no session
// or the link is down.
func (c *Controller) TestConnection() bool {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return false
	}
	return sess.TestConnection()
}

// Disconnect closes the current session, if any.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	c.logger.Info("disconnecting", zap.String("address", sess.Address().String()))
	return sess.Close()
}

// StartLiveness runs TestConnection on a cron schedule ("@every 30s" or a
// standard five-field expression). A second call replaces the schedule.
func (c *Controller) StartLiveness(schedule string) error {
	sched := cron.New()
	if _, err := sched.AddFunc(schedule, c.livenessTick); err != nil {
		return fmt.Errorf("liveness schedule %q: %w", schedule, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	prev := c.liveness
	c.liveness = sched
	c.mu.Unlock()

	if prev != nil {
		<-prev.Stop().Done()
	}
	sched.Start()
	c.logger.Info("liveness checks scheduled", zap.String("schedule", schedule))
	return nil
}

func (c *Controller) livenessTick() {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return
	}
	if sess.TestConnection() {
		c.logger.Debug("liveness probe ok", zap.String("address", sess.Address().String()))
		return
	}
	c.logger.Warn("liveness probe failed",
		zap.String("address", sess.Address().String()),
		zap.String("state", sess.State().String()),
	)
}

// Status returns a snapshot of the session, the last scan and the six pads.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:    connection.Disconnected.String(),
		Scanning: c.scanning,
	}
	for i, cmd := range c.slots {
		if cmd != nil {
			copied := *cmd
			st.Vertiports[i] = &copied
		}
	}
	if c.lastScan != nil {
		p := scanPayload(c.lastScan)
		st.LastScan = &p
	}
	if c.session != nil {
		st.Address = c.session.Address().String()
		st.State = c.session.State().String()
		if id, ok := c.session.DeviceID(); ok {
			st.DeviceID = &id
		}
	}
	return st
}

func (c *Controller) hasSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Close stops liveness checks, cancels a running scan, closes the session
// and closes every subscriber channel.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.scanCancel
	sched := c.liveness
	c.mu.Unlock()

	if sched != nil {
		<-sched.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
	c.bus.Close()
	return nil
}
