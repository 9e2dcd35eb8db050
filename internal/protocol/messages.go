// Package protocol defines the wire protocol spoken by the STM vertiport
// lighting controller, and the event envelope pushed to local observers.
//
// The device protocol has no framing, versioning or checksums. Every message
// has a fixed length:
//
//	identify request   42 42 00 FF
//	vertiport set      7E <port> <status> <r> <g> <b>
//	liveness probe     00
//
// A request yields at most one response, read with a bounded buffer.
package protocol

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultPort is the TCP port the controller listens on.
	DefaultPort = 502

	// VertiportCount is the number of individually addressable pads per controller.
	VertiportCount = 6

	// MaxResponseSize bounds a single read from the device.
	MaxResponseSize = 1024

	// DefaultTimeout bounds connect and read operations against the device.
	DefaultTimeout = time.Second

	// CommandSize is the length of an encoded vertiport set command.
	CommandSize = 6
)

const (
	identifyMarker = 0x42
	commandMarker  = 0x7E
	livenessByte   = 0x00
)

var (
	ErrInvalidPort      = errors.New("vertiport id out of range")
	ErrMalformedCommand = errors.New("malformed vertiport command")
)

// IdentifyRequest returns the 4-byte "who are you" request.
func IdentifyRequest() []byte {
	return []byte{identifyMarker, identifyMarker, 0x00, 0xFF}
}

// LivenessProbe returns the single-byte keep-alive probe.
func LivenessProbe() []byte {
	return []byte{livenessByte}
}

// DecodeIdentifyResponse extracts the device identifier from an identify
// response. An empty response means "no answer" and is not an error.
//
// Any non-empty payload is accepted; the device signature is not checked.
func DecodeIdentifyResponse(resp []byte) (deviceID byte, ok bool) {
	if len(resp) == 0 {
		return 0, false
	}
	return resp[0], true
}

// VertiportCommand is the desired lighting state of one pad.
type VertiportCommand struct {
	PortID uint8 `json:"port_id" yaml:"port_id"`
	Status uint8 `json:"status" yaml:"status"`
	R      uint8 `json:"r" yaml:"r"`
	G      uint8 `json:"g" yaml:"g"`
	B      uint8 `json:"b" yaml:"b"`
}

func (c VertiportCommand) String() string {
	return fmt.Sprintf("port=%d status=%d rgb=#%02x%02x%02x", c.PortID, c.Status, c.R, c.G, c.B)
}

// Validate reports whether the command addresses an existing pad.
func (c VertiportCommand) Validate() error {
	if int(c.PortID) >= VertiportCount {
		return fmt.Errorf("%w: %d (max %d)", ErrInvalidPort, c.PortID, VertiportCount-1)
	}
	return nil
}

// EncodeCommand renders a command in its 6-byte wire form.
func EncodeCommand(c VertiportCommand) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return []byte{commandMarker, c.PortID, c.Status, c.R, c.G, c.B}, nil
}

// DecodeCommand parses the 6-byte wire form back into a command.
func DecodeCommand(b []byte) (VertiportCommand, error) {
	if len(b) != CommandSize {
		return VertiportCommand{}, fmt.Errorf("%w: length %d, want %d", ErrMalformedCommand, len(b), CommandSize)
	}
	if b[0] != commandMarker {
		return VertiportCommand{}, fmt.Errorf("%w: marker 0x%02x", ErrMalformedCommand, b[0])
	}
	c := VertiportCommand{PortID: b[1], Status: b[2], R: b[3], G: b[4], B: b[5]}
	if err := c.Validate(); err != nil {
		return VertiportCommand{}, err
	}
	return c, nil
}
