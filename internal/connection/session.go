// Package connection maintains the control connection to one vertiport
// lighting controller.
//
// A Session owns a single TCP socket. All socket I/O, the retry timer and the
// last issued command live in one supervisory goroutine; callers talk to it
// over channels, so no lock is ever held across network I/O. When the link
// drops the session retries at a fixed interval forever and, once
// reconnected, replays the last command so the pads show the state the
// operator last asked for.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/marcus-qen/vertiport/internal/metrics"
	"github.com/marcus-qen/vertiport/internal/protocol"
	"github.com/marcus-qen/vertiport/internal/telemetry"
)

const (
	// DefaultRetryInterval is the fixed delay between reconnect attempts.
	DefaultRetryInterval = time.Second

	triggerOpen  = "open"
	triggerTimer = "timer"
	triggerSend  = "send"
)

var (
	ErrConnectFailed = errors.New("connect failed")
	ErrSendFailed    = errors.New("send failed")
	ErrNotConnected  = errors.New("not connected")
)

// State is the link state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Dialer opens the TCP connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Option configures a Session.
type Option func(*Session)

// WithStateObserver registers fn to be called on every state change. fn runs
// on the session goroutine and must not call back into the session.
func WithStateObserver(fn func(State)) Option {
	return func(s *Session) { s.observer = fn }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithRetryInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.retryInterval = d
		}
	}
}

// WithIOTimeout bounds dial, write and handshake read.
func WithIOTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.ioTimeout = d
		}
	}
}

func WithDialer(d Dialer) Option {
	return func(s *Session) {
		if d != nil {
			s.dialer = d
		}
	}
}

type sendOp struct {
	cmd     protocol.VertiportCommand
	payload []byte
	reply   chan error
}

type testOp struct {
	reply chan bool
}

type lostNotice struct {
	gen uint64
	err error
}

// Session is a resilient control connection to one device.
type Session struct {
	addr          protocol.Address
	logger        *zap.Logger
	dialer        Dialer
	retryInterval time.Duration
	ioTimeout     time.Duration
	observer      func(State)
	limiter       *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan any
	lost   chan lostNotice
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	// Owned by the session goroutine.
	conn       net.Conn
	gen        uint64
	timer      *time.Timer
	timerC     <-chan time.Time
	identified bool

	mu          sync.RWMutex
	state       State
	deviceID    byte
	hasDeviceID bool
	lastCommand *protocol.VertiportCommand
}

// Open validates addr, makes the first connection attempt and starts the
// session goroutine. A failed first attempt is not an error: the session
// stays Disconnected and keeps retrying.
func Open(ctx context.Context, addr protocol.Address, opts ...Option) (*Session, error) {
	if addr.IsZero() {
		return nil, fmt.Errorf("%w: empty device address", protocol.ErrInvalidAddress)
	}

	s := &Session{
		addr:          addr,
		logger:        zap.NewNop(),
		retryInterval: DefaultRetryInterval,
		ioTimeout:     protocol.DefaultTimeout,
		ops:           make(chan any),
		lost:          make(chan lostNotice),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
		state:         Disconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialer == nil {
		s.dialer = &net.Dialer{Timeout: s.ioTimeout}
	}
	s.logger = s.logger.Named("session").With(zap.String("address", addr.String()))
	s.limiter = rate.NewLimiter(rate.Every(s.retryInterval), 1)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.connect(ctx, triggerOpen); err != nil {
		s.logger.Warn("initial connection failed, will retry",
			zap.Error(err),
			zap.Duration("retry_in", s.retryInterval),
		)
	}

	go s.run()
	return s, nil
}

// Address returns the device address.
func (s *Session) Address() protocol.Address { return s.addr }

// State returns the current link state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// DeviceID returns the identifier reported by the identify handshake.
func (s *Session) DeviceID() (byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID, s.hasDeviceID
}

// LastCommand returns the command that would be replayed on reconnect.
func (s *Session) LastCommand() (protocol.VertiportCommand, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastCommand == nil {
		return protocol.VertiportCommand{}, false
	}
	return *s.lastCommand, true
}

// Send records cmd as the last command and writes it to the device. If the
// link is down it makes one immediate reconnect attempt. A nil error means
// the bytes were written; ErrSendFailed means the command is retained and
// will be replayed after the next successful reconnect.
func (s *Session) Send(ctx context.Context, cmd protocol.VertiportCommand) error {
	payload, err := protocol.EncodeCommand(cmd)
	if err != nil {
		metrics.RecordCommand("rejected")
		return err
	}

	op := sendOp{cmd: cmd, payload: payload, reply: make(chan error, 1)}
	select {
	case <-s.quit:
		return ErrNotConnected
	default:
	}
	select {
	case s.ops <- op:
	case <-s.quit:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.reply:
		return err
	case <-s.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TestConnection writes the liveness probe. It returns false without any I/O
// when the session is not connected.
func (s *Session) TestConnection() bool {
	if s.State() != Connected {
		return false
	}
	op := testOp{reply: make(chan bool, 1)}
	select {
	case s.ops <- op:
	case <-s.quit:
		return false
	}
	select {
	case ok := <-op.reply:
		return ok
	case <-s.done:
		return false
	}
}

// Close stops the session goroutine, cancels the retry timer and closes the
// socket. It is safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.quit)
		s.cancel()
	})
	<-s.done
	return nil
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			s.shutdown()
			return
		case op := <-s.ops:
			switch op := op.(type) {
			case sendOp:
				op.reply <- s.handleSend(op)
			case testOp:
				op.reply <- s.handleTest()
			}
		case n := <-s.lost:
			s.handleLost(n.gen, n.err)
		case <-s.timerC:
			s.timer, s.timerC = nil, nil
			if err := s.connect(s.ctx, triggerTimer); err != nil {
				s.logger.Debug("reconnect attempt failed",
					zap.Error(err),
					zap.Duration("retry_in", s.retryInterval),
				)
			}
		}
	}
}

func (s *Session) shutdown() {
	s.stopTimer()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.setState(Disconnected)
	s.logger.Info("session closed")
}

// connect dials the device. On success it runs the identify handshake (first
// connection only) and, on reconnects, replays the last command.
func (s *Session) connect(ctx context.Context, trigger string) (err error) {
	if trigger == triggerOpen {
		s.setState(Connecting)
	} else {
		s.setState(Reconnecting)
	}

	ctx, span := telemetry.StartConnectSpan(ctx, s.addr.String(), trigger)
	defer func() {
		telemetry.EndConnectSpan(span, err)
		metrics.RecordConnectAttempt(trigger, err == nil)
	}()

	dialCtx, cancel := context.WithTimeout(ctx, s.ioTimeout)
	conn, dialErr := s.dialer.DialContext(dialCtx, "tcp", s.addr.String())
	cancel()
	if dialErr != nil {
		s.setState(Disconnected)
		s.armTimer()
		return fmt.Errorf("%w: %w", ErrConnectFailed, dialErr)
	}

	s.stopTimer()
	s.conn = conn
	s.gen++
	// A new outage gets its own send-triggered attempt.
	s.limiter = rate.NewLimiter(rate.Every(s.retryInterval), 1)
	s.setState(Connected)
	s.logger.Info("connected to device", zap.String("trigger", trigger))

	if !s.identified {
		s.identified = true
		if err := s.identify(); err != nil {
			s.handleLost(s.gen, err)
			return fmt.Errorf("%w: identify: %w", ErrConnectFailed, err)
		}
	}

	go s.readLoop(conn, s.gen)

	if trigger != triggerOpen {
		if err := s.replay(); err != nil {
			return fmt.Errorf("%w: replay: %w", ErrConnectFailed, err)
		}
	}
	return nil
}

// identify sends the identify request and records the first response byte.
// A silent device is logged and left usable.
func (s *Session) identify() error {
	if err := s.write(protocol.IdentifyRequest()); err != nil {
		return err
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.ioTimeout))
	defer func() {
		if s.conn != nil {
			_ = s.conn.SetReadDeadline(time.Time{})
		}
	}()

	buf := make([]byte, protocol.MaxResponseSize)
	n, err := s.conn.Read(buf)
	if id, ok := protocol.DecodeIdentifyResponse(buf[:n]); ok {
		s.mu.Lock()
		s.deviceID, s.hasDeviceID = id, true
		s.mu.Unlock()
		s.logger.Info("device identified", zap.Uint8("device_id", id))
		return nil
	}
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		return err
	}
	s.logger.Warn("device did not answer identify request")
	return nil
}

func (s *Session) replay() error {
	s.mu.RLock()
	last := s.lastCommand
	s.mu.RUnlock()
	if last == nil {
		return nil
	}

	payload, err := protocol.EncodeCommand(*last)
	if err != nil {
		return err
	}
	if err := s.write(payload); err != nil {
		s.handleLost(s.gen, err)
		return err
	}
	metrics.RecordReplay()
	s.logger.Info("replayed last command", zap.Stringer("command", last))
	return nil
}

func (s *Session) handleSend(op sendOp) error {
	cmd := op.cmd
	s.mu.Lock()
	s.lastCommand = &cmd
	s.mu.Unlock()

	if s.conn == nil {
		if !s.limiter.Allow() {
			metrics.RecordCommand("retained")
			return fmt.Errorf("%w: reconnect already attempted for this outage", ErrSendFailed)
		}
		if err := s.connect(s.ctx, triggerSend); err != nil {
			metrics.RecordCommand("retained")
			return fmt.Errorf("%w: %w", ErrSendFailed, err)
		}
		if s.conn == nil {
			metrics.RecordCommand("retained")
			return fmt.Errorf("%w: connection lost during replay", ErrSendFailed)
		}
	}

	if err := s.write(op.payload); err != nil {
		s.handleLost(s.gen, err)
		metrics.RecordCommand("retained")
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	metrics.RecordCommand("delivered")
	s.logger.Debug("command sent", zap.Stringer("command", cmd))
	return nil
}

func (s *Session) handleTest() bool {
	if s.conn == nil {
		return false
	}
	if err := s.write(protocol.LivenessProbe()); err != nil {
		s.handleLost(s.gen, err)
		return false
	}
	return true
}

// handleLost tears down connection gen and arms the retry timer. Notices for
// a connection that was already replaced are ignored.
func (s *Session) handleLost(gen uint64, err error) {
	if s.conn == nil || gen != s.gen {
		return
	}
	_ = s.conn.Close()
	s.conn = nil
	s.setState(Disconnected)
	s.armTimer()
	s.logger.Warn("connection lost",
		zap.Error(err),
		zap.Duration("retry_in", s.retryInterval),
	)
}

func (s *Session) write(b []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.ioTimeout))
	_, err := s.conn.Write(b)
	return err
}

// readLoop drains device responses and reports the connection lost on EOF
// or error.
func (s *Session) readLoop(conn net.Conn, gen uint64) {
	buf := make([]byte, protocol.MaxResponseSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.logger.Debug("device response", zap.Binary("data", buf[:n]))
		}
		if err != nil {
			select {
			case s.lost <- lostNotice{gen: gen, err: err}:
			case <-s.quit:
			}
			return
		}
	}
}

func (s *Session) armTimer() {
	if s.timer != nil {
		return
	}
	s.timer = time.NewTimer(s.retryInterval)
	s.timerC = s.timer.C
}

func (s *Session) stopTimer() {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer, s.timerC = nil, nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	metrics.RecordSessionState(st.String())
	if s.observer != nil {
		s.observer(st)
	}
}
