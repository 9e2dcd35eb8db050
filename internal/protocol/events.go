package protocol

import "time"

// EventType identifies an event pushed to local observers (UI, /ws/events).
type EventType string

const (
	EventScanStarted      EventType = "scan_started"
	EventDeviceFound      EventType = "device_found"
	EventScanCompleted    EventType = "scan_completed"
	EventNoDevicesFound   EventType = "no_devices_found"
	EventAutoConnected    EventType = "auto_connected"
	EventConnectionStatus EventType = "connection_status"
	EventCommandSent      EventType = "command_sent"
)

// Envelope wraps every event on the observer stream.
type Envelope struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// ScanPayload accompanies scan_started and scan_completed.
type ScanPayload struct {
	ScanID     string   `json:"scan_id"`
	Subnet     string   `json:"subnet,omitempty"`
	Found      bool     `json:"found"`
	Completed  bool     `json:"completed"`
	Discovered []string `json:"discovered,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// DevicePayload accompanies device_found and auto_connected.
type DevicePayload struct {
	ScanID  string `json:"scan_id,omitempty"`
	Address string `json:"address"`
}

// StatusPayload accompanies connection_status.
type StatusPayload struct {
	Address string `json:"address,omitempty"`
	Status  string `json:"status"`
}

// CommandPayload accompanies command_sent.
type CommandPayload struct {
	Command   VertiportCommand `json:"command"`
	Delivered bool             `json:"delivered"`
	Error     string           `json:"error,omitempty"`
}
