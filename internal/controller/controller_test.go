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

package controller

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/marcus-qen/vertiport/internal/connection"
	"github.com/marcus-qen/vertiport/internal/discovery"
	"github.com/marcus-qen/vertiport/internal/protocol"
)

// stubProber reports a single host reachable. When gate is set every probe
// blocks until it is closed or the scan is cancelled.
type stubProber struct {
	reachable string
	gate      chan struct{}
}

func (p *stubProber) Probe(ctx context.Context, addr protocol.Address) discovery.ProbeResult {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return discovery.ProbeResult{Address: addr, Err: ctx.Err()}
		}
	}
	if addr.Host() == p.reachable {
		return discovery.ProbeResult{Address: addr, Reachable: true, DeviceID: 0x05}
	}
	return discovery.ProbeResult{Address: addr, Err: discovery.ErrProbeRefused}
}

// device is a loopback controller that answers identify and records the
// rest of the bytes it receives.
type device struct {
	ln net.Listener

	mu     sync.Mutex
	data   []byte
	active int
}

func startDevice() *device {
	GinkgoHelper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	d := &device{ln: ln}
	go d.serve()
	DeferCleanup(ln.Close)
	return d
}

func (d *device) serve() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.active++
		d.mu.Unlock()
		go func(c net.Conn) {
			defer func() {
				_ = c.Close()
				d.mu.Lock()
				d.active--
				d.mu.Unlock()
			}()
			buf := make([]byte, 64)
			for {
				n, err := c.Read(buf)
				if n > 0 {
					chunk := buf[:n]
					if bytes.HasPrefix(chunk, protocol.IdentifyRequest()) {
						_, _ = c.Write([]byte{0x05})
						chunk = chunk[len(protocol.IdentifyRequest()):]
					}
					d.mu.Lock()
					d.data = append(d.data, chunk...)
					d.mu.Unlock()
				}
				if err != nil {
					return
				}
			}
		}(conn)
	}
}

func (d *device) port() int {
	return d.ln.Addr().(*net.TCPAddr).Port
}

func (d *device) received() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.data...)
}

func (d *device) activeConns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// drain returns every event already buffered on ch.
func drain(ch <-chan protocol.Envelope) []protocol.Envelope {
	var out []protocol.Envelope
	for {
		select {
		case env := <-ch:
			out = append(out, env)
		default:
			return out
		}
	}
}

func statusesOf(envs []protocol.Envelope) []string {
	var out []string
	for _, e := range envs {
		if p, ok := e.Payload.(protocol.StatusPayload); ok {
			out = append(out, p.Status)
		}
	}
	return out
}

func newTestController(prober discovery.Prober, port int, autoConnect bool) *Controller {
	scanner := discovery.NewScanner(
		discovery.StaticProvider(netip.MustParseAddr("127.0.0.1")),
		prober,
		zap.NewNop(),
	)
	c := New(Options{
		DevicePort:  port,
		AutoConnect: autoConnect,
		Scanner:     scanner,
		SessionOptions: []connection.Option{
			connection.WithRetryInterval(50 * time.Millisecond),
			connection.WithIOTimeout(500 * time.Millisecond),
		},
	}, zap.NewNop())
	DeferCleanup(c.Close)
	return c
}

// collectUntil reads events until one of type last arrives.
func collectUntil(ch <-chan protocol.Envelope, last protocol.EventType) []protocol.Envelope {
	GinkgoHelper()
	var seen []protocol.Envelope
	timeout := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-ch:
			Expect(ok).To(BeTrue(), "event stream closed")
			seen = append(seen, env)
			if env.Type == last {
				return seen
			}
		case <-timeout:
			Fail(fmt.Sprintf("no %s event within timeout, saw %v", last, typesOf(seen)))
			return seen
		}
	}
}

func typesOf(envs []protocol.Envelope) []protocol.EventType {
	out := make([]protocol.EventType, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Type)
	}
	return out
}

func indexOf(types []protocol.EventType, t protocol.EventType) int {
	for i, v := range types {
		if v == t {
			return i
		}
	}
	return -1
}

var _ = Describe("Controller", func() {
	ctx := context.Background()

	Describe("Connect", func() {
		It("rejects malformed addresses", func() {
			c := newTestController(&stubProber{}, 0, false)
			for _, host := range []string{"256.1.1.1", "1.2.3", "a.b.c.d", "", "1..2.3"} {
				Expect(c.Connect(ctx, host, 0)).To(MatchError(protocol.ErrInvalidAddress), host)
			}
			Expect(c.Status().State).To(Equal("disconnected"))
		})

		It("strips leading zeros and connects", func() {
			dev := startDevice()
			c := newTestController(&stubProber{}, dev.port(), false)
			events, cancel := c.Subscribe()
			defer cancel()

			Expect(c.Connect(ctx, "127.000.000.001", 0)).To(Succeed())

			st := c.Status()
			Expect(st.Address).To(Equal(fmt.Sprintf("127.0.0.1:%d", dev.port())))
			Expect(st.State).To(Equal("connected"))
			Expect(st.DeviceID).NotTo(BeNil())
			Expect(*st.DeviceID).To(Equal(uint8(0x05)))

			seen := collectUntil(events, protocol.EventConnectionStatus)
			Expect(seen[len(seen)-1].Payload).To(Equal(protocol.StatusPayload{
				Address: st.Address,
				Status:  "connecting",
			}))
		})

		It("closes the previous session before opening the next", func() {
			dev := startDevice()
			c := newTestController(&stubProber{}, dev.port(), false)
			events, cancel := c.Subscribe()
			defer cancel()

			Expect(c.Connect(ctx, "127.0.0.1", 0)).To(Succeed())
			Expect(c.Connect(ctx, "127.0.0.1", 0)).To(Succeed())

			Expect(statusesOf(drain(events))).To(Equal([]string{
				"connecting", "connected", "disconnected", "connecting", "connected",
			}))
			Expect(c.Status().State).To(Equal("connected"))
			Eventually(dev.activeConns).WithTimeout(2 * time.Second).Should(Equal(1))
		})

		It("succeeds for an unreachable device and keeps retrying", func() {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
			port := ln.Addr().(*net.TCPAddr).Port
			Expect(ln.Close()).To(Succeed())

			c := newTestController(&stubProber{}, port, false)
			Expect(c.Connect(ctx, "127.0.0.1", 0)).To(Succeed())
			Expect(c.Status().State).To(Equal("disconnected"))
			Expect(c.TestConnection()).To(BeFalse())
		})
	})

	Describe("SetVertiport", func() {
		It("validates every argument", func() {
			c := newTestController(&stubProber{}, 0, false)

			err := c.SetVertiport(ctx, 6, 1, 0, 0, 0)
			Expect(err).To(MatchError(ErrInvalidCommand))
			Expect(err).To(MatchError(protocol.ErrInvalidPort))

			Expect(c.SetVertiport(ctx, -1, 0, 0, 0, 0)).To(MatchError(ErrInvalidCommand))
			Expect(c.SetVertiport(ctx, 0, 256, 0, 0, 0)).To(MatchError(ErrInvalidCommand))
			Expect(c.SetVertiport(ctx, 0, 0, -1, 0, 0)).To(MatchError(ErrInvalidCommand))
			Expect(c.SetVertiport(ctx, 0, 0, 0, 300, 0)).To(MatchError(ErrInvalidCommand))
			Expect(c.SetVertiport(ctx, 0, 0, 0, 0, 999)).To(MatchError(ErrInvalidCommand))
		})

		It("reports not connected without a session", func() {
			c := newTestController(&stubProber{}, 0, false)
			err := c.SetVertiport(ctx, 3, 1, 255, 0, 128)
			Expect(err).To(MatchError(connection.ErrNotConnected))
			Expect(err.Error()).To(Equal("not connected: no device selected"))
			Expect(c.Status().Vertiports[3]).To(BeNil())
		})

		It("writes the command and records the pad state", func() {
			dev := startDevice()
			c := newTestController(&stubProber{}, dev.port(), false)
			Expect(c.Connect(ctx, "127.0.0.1", 0)).To(Succeed())
			events, cancel := c.Subscribe()
			defer cancel()

			Expect(c.SetVertiport(ctx, 3, 1, 255, 0, 128)).To(Succeed())

			Eventually(dev.received).WithTimeout(2 * time.Second).
				Should(Equal([]byte{0x7E, 0x03, 0x01, 0xFF, 0x00, 0x80}))

			slot := c.Status().Vertiports[3]
			Expect(slot).NotTo(BeNil())
			Expect(*slot).To(Equal(protocol.VertiportCommand{PortID: 3, Status: 1, R: 255, G: 0, B: 128}))

			seen := collectUntil(events, protocol.EventCommandSent)
			payload, ok := seen[len(seen)-1].Payload.(protocol.CommandPayload)
			Expect(ok).To(BeTrue())
			Expect(payload.Delivered).To(BeTrue())
		})
	})

	Describe("TestConnection", func() {
		It("is false without a session", func() {
			c := newTestController(&stubProber{}, 0, false)
			Expect(c.TestConnection()).To(BeFalse())
		})

		It("writes the liveness probe when connected", func() {
			dev := startDevice()
			c := newTestController(&stubProber{}, dev.port(), false)
			Expect(c.Connect(ctx, "127.0.0.1", 0)).To(Succeed())

			Expect(c.TestConnection()).To(BeTrue())
			Eventually(dev.received).WithTimeout(2 * time.Second).Should(Equal([]byte{0x00}))
		})
	})

	Describe("StartScan", func() {
		It("auto-connects to the first discovered device", func() {
			dev := startDevice()
			c := newTestController(&stubProber{reachable: "127.0.0.1"}, dev.port(), true)
			events, cancel := c.Subscribe()
			defer cancel()

			scanID, err := c.StartScan(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(scanID).NotTo(BeEmpty())

			seen := collectUntil(events, protocol.EventScanCompleted)
			types := typesOf(seen)
			Expect(types[0]).To(Equal(protocol.EventScanStarted))
			Expect(indexOf(types, protocol.EventDeviceFound)).To(BeNumerically(">", 0))
			Expect(indexOf(types, protocol.EventAutoConnected)).To(BeNumerically(">", indexOf(types, protocol.EventDeviceFound)))
			Expect(types).NotTo(ContainElement(protocol.EventNoDevicesFound))

			completed, ok := seen[len(seen)-1].Payload.(protocol.ScanPayload)
			Expect(ok).To(BeTrue())
			Expect(completed.ScanID).To(Equal(scanID))
			Expect(completed.Found).To(BeTrue())
			Expect(completed.Completed).To(BeTrue())
			Expect(completed.Discovered).To(Equal([]string{fmt.Sprintf("127.0.0.1:%d", dev.port())}))

			Eventually(func() string { return c.Status().State }).Should(Equal("connected"))
			Expect(c.Status().LastScan).NotTo(BeNil())
		})

		It("does not auto-connect when disabled", func() {
			dev := startDevice()
			c := newTestController(&stubProber{reachable: "127.0.0.1"}, dev.port(), false)
			events, cancel := c.Subscribe()
			defer cancel()

			_, err := c.StartScan(ctx)
			Expect(err).NotTo(HaveOccurred())
			types := typesOf(collectUntil(events, protocol.EventScanCompleted))
			Expect(types).To(ContainElement(protocol.EventDeviceFound))
			Expect(types).NotTo(ContainElement(protocol.EventAutoConnected))
			Expect(c.Status().Address).To(BeEmpty())
		})

		It("announces when no device answered", func() {
			c := newTestController(&stubProber{}, protocol.DefaultPort, true)
			events, cancel := c.Subscribe()
			defer cancel()

			_, err := c.StartScan(ctx)
			Expect(err).NotTo(HaveOccurred())

			seen := collectUntil(events, protocol.EventNoDevicesFound)
			types := typesOf(seen)
			Expect(indexOf(types, protocol.EventScanCompleted)).To(BeNumerically("<", indexOf(types, protocol.EventNoDevicesFound)))
			completed := seen[indexOf(types, protocol.EventScanCompleted)].Payload.(protocol.ScanPayload)
			Expect(completed.Found).To(BeFalse())
			Expect(completed.Completed).To(BeTrue())
			Expect(completed.Discovered).To(BeEmpty())
		})

		It("refuses a second scan while one is running", func() {
			gate := make(chan struct{})
			c := newTestController(&stubProber{gate: gate}, protocol.DefaultPort, false)
			events, cancel := c.Subscribe()
			defer cancel()

			_, err := c.StartScan(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Status().Scanning).To(BeTrue())

			_, err = c.StartScan(ctx)
			Expect(err).To(MatchError(ErrScanInProgress))

			close(gate)
			collectUntil(events, protocol.EventScanCompleted)
			Eventually(func() bool { return c.Status().Scanning }).Should(BeFalse())

			_, err = c.StartScan(ctx)
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("Disconnect", func() {
		It("closes the session and publishes the state change", func() {
			dev := startDevice()
			c := newTestController(&stubProber{}, dev.port(), false)
			Expect(c.Connect(ctx, "127.0.0.1", 0)).To(Succeed())
			events, cancel := c.Subscribe()
			defer cancel()

			Expect(c.Disconnect()).To(Succeed())
			seen := collectUntil(events, protocol.EventConnectionStatus)
			Expect(seen[len(seen)-1].Payload.(protocol.StatusPayload).Status).To(Equal("disconnected"))
			Expect(c.Status().Address).To(BeEmpty())
			Expect(c.SetVertiport(ctx, 0, 1, 1, 1, 1)).To(MatchError(connection.ErrNotConnected))
		})
	})

	Describe("StartLiveness", func() {
		It("rejects an invalid schedule", func() {
			c := newTestController(&stubProber{}, 0, false)
			Expect(c.StartLiveness("every now and then")).NotTo(Succeed())
		})

		It("probes the device on schedule", func() {
			dev := startDevice()
			c := newTestController(&stubProber{}, dev.port(), false)
			Expect(c.Connect(ctx, "127.0.0.1", 0)).To(Succeed())

			Expect(c.StartLiveness("@every 1s")).To(Succeed())
			Eventually(dev.received).WithTimeout(4 * time.Second).Should(ContainElement(byte(0x00)))
		})
	})

	It("is unusable after Close", func() {
		c := newTestController(&stubProber{}, 0, false)
		events, _ := c.Subscribe()
		Expect(c.Close()).To(Succeed())
		Expect(c.Close()).To(Succeed())

		Eventually(events).Should(BeClosed())
		_, err := c.StartScan(ctx)
		Expect(err).To(MatchError(ErrClosed))
		Expect(c.Connect(ctx, "127.0.0.1", 502)).To(MatchError(ErrClosed))
	})
})
