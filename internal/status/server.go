// Package status provides the local HTTP surface of vertiportd: health and
// status endpoints, Prometheus metrics, a small control API and a WebSocket
// event stream.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/marcus-qen/vertiport/internal/connection"
	"github.com/marcus-qen/vertiport/internal/controller"
	"github.com/marcus-qen/vertiport/internal/events"
	"github.com/marcus-qen/vertiport/internal/metrics"
	"github.com/marcus-qen/vertiport/internal/protocol"
)

const (
	writeTimeout   = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	maxRequestBody = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The server binds to a local address; the UI may be served from anywhere.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Backend is the part of the controller the server drives.
type Backend interface {
	Status() controller.Status
	StartScan(ctx context.Context) (string, error)
	Connect(ctx context.Context, host string, port int) error
	Disconnect() error
	SetVertiport(ctx context.Context, id, status, r, g, b int) error
	TestConnection() bool
	Subscribe() (<-chan protocol.Envelope, func())
}

// Info is the /status response.
type Info struct {
	Version      string            `json:"version"`
	Device       controller.Status `json:"device"`
	StartedAt    time.Time         `json:"started_at"`
	Uptime       string            `json:"uptime"`
	GoVersion    string            `json:"go_version"`
	NumGoroutine int               `json:"goroutines"`
	MemAlloc     uint64            `json:"mem_alloc_bytes"`
}

// Server provides the local HTTP endpoints.
type Server struct {
	backend   Backend
	version   string
	startedAt time.Time
	logger    *zap.Logger
}

// NewServer creates a status server.
func NewServer(backend Backend, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		backend:   backend,
		version:   version,
		startedAt: time.Now(),
		logger:    logger.Named("status"),
	}
}

type connectRequest struct {
	Host string `json:"host"`
	Port int    `json:"port,omitempty"`
}

type vertiportRequest struct {
	Status int `json:"status"`
	R      int `json:"r"`
	G      int `json:"g"`
	B      int `json:"b"`
}

type commandResponse struct {
	Delivered bool   `json:"delivered"`
	Retained  bool   `json:"retained"`
	Error     string `json:"error,omitempty"`
}

// Handler returns an HTTP handler for every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		state := s.backend.Status().State
		if state == connection.Connected.String() {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, state)
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		writeJSON(w, http.StatusOK, Info{
			Version:      s.version,
			Device:       s.backend.Status(),
			StartedAt:    s.startedAt,
			Uptime:       time.Since(s.startedAt).Round(time.Second).String(),
			GoVersion:    runtime.Version(),
			NumGoroutine: runtime.NumGoroutine(),
			MemAlloc:     mem.Alloc,
		})
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /api/v1/scan", func(w http.ResponseWriter, r *http.Request) {
		scanID, err := s.backend.StartScan(r.Context())
		switch {
		case errors.Is(err, controller.ErrScanInProgress):
			writeError(w, http.StatusConflict, "scan_in_progress", err.Error())
		case err != nil:
			writeError(w, http.StatusServiceUnavailable, "scan_failed", err.Error())
		default:
			writeJSON(w, http.StatusAccepted, map[string]string{"scan_id": scanID})
		}
	})

	mux.HandleFunc("POST /api/v1/connect", func(w http.ResponseWriter, r *http.Request) {
		var req connectRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
			return
		}
		err := s.backend.Connect(r.Context(), req.Host, req.Port)
		switch {
		case errors.Is(err, protocol.ErrInvalidAddress):
			writeError(w, http.StatusBadRequest, "invalid_address", err.Error())
		case err != nil:
			writeError(w, http.StatusServiceUnavailable, "connect_failed", err.Error())
		default:
			writeJSON(w, http.StatusOK, s.backend.Status())
		}
	})

	mux.HandleFunc("POST /api/v1/disconnect", func(w http.ResponseWriter, r *http.Request) {
		if err := s.backend.Disconnect(); err != nil {
			writeError(w, http.StatusInternalServerError, "disconnect_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.backend.Status())
	})

	mux.HandleFunc("POST /api/v1/test", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": s.backend.TestConnection()})
	})

	mux.HandleFunc("POST /api/v1/vertiports/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_command", "vertiport id must be a number")
			return
		}
		var req vertiportRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
			return
		}

		err = s.backend.SetVertiport(r.Context(), id, req.Status, req.R, req.G, req.B)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, commandResponse{Delivered: true})
		case errors.Is(err, controller.ErrInvalidCommand):
			writeError(w, http.StatusBadRequest, "invalid_command", err.Error())
		case errors.Is(err, connection.ErrSendFailed):
			writeJSON(w, http.StatusAccepted, commandResponse{Retained: true, Error: err.Error()})
		case errors.Is(err, connection.ErrNotConnected):
			writeError(w, http.StatusConflict, "not_connected", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "send_failed", err.Error())
		}
	})

	mux.HandleFunc("GET /ws/events", s.handleEvents)

	return mux
}

// handleEvents streams controller events as JSON text frames until the
// client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	stream, cancel := s.backend.Subscribe()
	defer cancel()

	// Read pump: only control frames are expected; any error ends the stream.
	gone := make(chan struct{})
	conn.SetReadLimit(maxRequestBody)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case env, ok := <-stream:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			data, err := events.JSON(env)
			if err != nil {
				s.logger.Warn("event encode failed", zap.String("type", string(env.Type)), zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":  code,
		"error": message,
	})
}
