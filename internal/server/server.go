// Package server exposes managed fixtures over HTTP and streams attribute
// changes to websocket clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/chaz8081/fluvalctl/internal/ble"
	"github.com/chaz8081/fluvalctl/internal/ble/protocol"
	"github.com/chaz8081/fluvalctl/internal/device"
)

// Devices is the registry view the server needs.
type Devices interface {
	List() []*device.Device
	Get(mac string) (*device.Device, bool)
	Watch(fn func(*device.Device))
}

const (
	pingInterval  = 20 * time.Second
	writeTimeout  = 5 * time.Second
	clientBacklog = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Event is one websocket message.
type Event struct {
	Type      string            `json:"type"` // "snapshot" or "attribute"
	MAC       string            `json:"mac"`
	Device    *device.Snapshot  `json:"device,omitempty"`
	Attribute *device.Attribute `json:"attribute,omitempty"`
}

// Server serves the device API.
type Server struct {
	devices Devices
	router  chi.Router

	mu      sync.Mutex
	clients map[chan Event]struct{}
}

// New builds the router and subscribes to every current and future device.
func New(devices Devices) *Server {
	s := &Server{
		devices: devices,
		clients: make(map[chan Event]struct{}),
	}
	for _, d := range devices.List() {
		s.attach(d)
	}
	devices.Watch(s.attach)
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/devices", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/", s.listDevices)
		r.Get("/{mac}", s.getDevice)
		r.Get("/{mac}/{attr}", s.getAttribute)
		r.Put("/{mac}/{attr}", s.putAttribute)
	})

	r.Get("/ws", s.eventStream)
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled. ready, if not nil,
// is called once the listener is bound.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func()) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	slog.Info("[SERVER] listening", "addr", ln.Addr().String())
	if ready != nil {
		ready()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeClients()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("[SERVER] request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Response helpers
func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("[SERVER] encode response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]any{
		"error": message,
		"code":  status,
	})
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.devices.List()
	snaps := make([]device.Snapshot, 0, len(devices))
	for _, d := range devices {
		snaps = append(snaps, d.Snapshot())
	}
	jsonResponse(w, http.StatusOK, map[string]any{"devices": snaps})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*device.Device, bool) {
	mac := chi.URLParam(r, "mac")
	d, ok := s.devices.Get(mac)
	if !ok {
		errorResponse(w, http.StatusNotFound, "device not found: "+mac)
		return nil, false
	}
	return d, true
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	jsonResponse(w, http.StatusOK, d.Snapshot())
}

func (s *Server) getAttribute(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	attr, err := d.Attribute(chi.URLParam(r, "attr"))
	if err != nil {
		errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, attr)
}

// writeRequest is the PUT body. Value is a number for channels, a mode name
// or index for mode, and a bool or number for led_on_off.
type writeRequest struct {
	Value json.RawMessage `json:"value"`
}

func (s *Server) putAttribute(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "attr")

	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Value) == 0 {
		errorResponse(w, http.StatusBadRequest, "value required")
		return
	}

	value, err := decodeValue(key, req.Value)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := d.RequestWrite(key, value); err != nil {
		errorResponse(w, writeStatus(err), err.Error())
		return
	}

	attr, err := d.Attribute(key)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	slog.Info("[SERVER] attribute written", "mac", d.MAC(), "key", key, "value", value)
	jsonResponse(w, http.StatusOK, attr)
}

func decodeValue(key string, raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}

	switch key {
	case device.KeyMode:
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return 0, fmt.Errorf("mode must be a name or index")
		}
		m, err := protocol.ParseMode(strings.TrimSpace(name))
		if err != nil {
			return 0, err
		}
		return int(m), nil
	case device.KeyPower:
		var on bool
		if err := json.Unmarshal(raw, &on); err != nil {
			return 0, fmt.Errorf("led_on_off must be a bool")
		}
		if on {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%s must be an integer", key)
}

func writeStatus(err error) int {
	switch {
	case errors.Is(err, device.ErrUnknownAttribute):
		return http.StatusNotFound
	case errors.Is(err, device.ErrReadOnly), errors.Is(err, device.ErrReserved):
		return http.StatusMethodNotAllowed
	case errors.Is(err, device.ErrOutOfRange):
		return http.StatusUnprocessableEntity
	case errors.Is(err, device.ErrNotManual):
		return http.StatusConflict
	case errors.Is(err, ble.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// attach forwards every attribute change of d to websocket clients.
func (s *Server) attach(d *device.Device) {
	for _, key := range device.Keys() {
		d.Subscribe(key, func(group string) {
			attr, err := d.Attribute(group)
			if err != nil {
				return
			}
			s.broadcast(Event{Type: "attribute", MAC: d.MAC(), Attribute: &attr})
		})
	}
}

// broadcast never blocks; a client that falls behind misses events.
func (s *Server) broadcast(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- evt:
		default:
			slog.Debug("[SERVER] ws client backlog full, dropping event", "mac", evt.MAC)
		}
	}
}

func (s *Server) addClient() chan Event {
	ch := make(chan Event, clientBacklog)
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) removeClient(ch chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[ch]; ok {
		delete(s.clients, ch)
		close(ch)
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		delete(s.clients, ch)
		close(ch)
	}
}

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[SERVER] ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.addClient()
	defer s.removeClient(ch)

	// Reads only drive control frames and notice the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(evt Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(evt)
	}

	for _, d := range s.devices.List() {
		snap := d.Snapshot()
		if err := write(Event{Type: "snapshot", MAC: d.MAC(), Device: &snap}); err != nil {
			return
		}
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(time.Second))
				return
			}
			if err := write(evt); err != nil {
				slog.Debug("[SERVER] ws write", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
