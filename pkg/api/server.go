//nolint:revive // api is a standard package name for API servers
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fh/btpair/pkg/pairing"
	"github.com/google/uuid"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const writeWait = 5 * time.Second

// Session is the part of the pairing controller the API drives
type Session interface {
	State() pairing.SessionState
	StartDiscovery()
	ListBondedDevices(ctx context.Context) ([]pairing.Device, error)
	Show()
	Hide()
	Visible() bool
}

// Server provides a WebSocket API for following and steering a pairing session.
// It is also the session's Notifier and Observer, and can act as its Picker.
type Server struct {
	mux     *http.ServeMux
	httpSrv *http.Server

	session Session

	// guards conns and every write to them
	mtx   sync.Mutex
	conns map[*websocket.Conn]bool

	pickMtx sync.Mutex
	pending *pendingChoice
}

var _ pairing.Notifier = &Server{}
var _ pairing.Observer = &Server{}
var _ pairing.Picker = &Server{}

// SessionState is the snapshot returned by GET /api/session and getState
type SessionState struct {
	State   string           `json:"state"`
	Visible bool             `json:"visible"`
	Pending []pairing.Device `json:"pending,omitempty"`
}

// Event is sent to websocket clients
type Event struct {
	Type      string           `json:"type"`
	From      string           `json:"from,omitempty"`
	State     string           `json:"state,omitempty"`
	Visible   *bool            `json:"visible,omitempty"`
	Kind      string           `json:"kind,omitempty"`
	Message   string           `json:"message,omitempty"`
	RequestID string           `json:"requestId,omitempty"`
	Devices   []pairing.Device `json:"devices,omitempty"`
	Device    *pairing.Device  `json:"device,omitempty"`
}

// Command is received from websocket clients
type Command struct {
	Command string `json:"command"`
	Address string `json:"address,omitempty"`
}

// New creates a new API server
func New() *Server {
	s := &Server{
		mux:   http.NewServeMux(),
		conns: make(map[*websocket.Conn]bool),
	}
	s.setupRoutes()
	return s
}

// SetSession sets the session driven by this server
func (s *Server) SetSession(session Session) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.session = session
}

func (s *Server) getSession() Session {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.session
}

// Handler returns the HTTP handler serving the API
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves the API on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.mtx.Lock()
	s.httpSrv = &http.Server{Addr: addr, Handler: s.mux}
	srv := s.httpSrv
	s.mtx.Unlock()

	log.Infof("pkg api; pairing web API listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server and closes websocket clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelPending()

	s.mtx.Lock()
	srv := s.httpSrv
	for conn := range s.conns {
		if err := conn.Close(); err != nil {
			log.Debugf("pkg api; error closing websocket: %v", err)
		}
		delete(s.conns, conn)
	}
	s.mtx.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// SendEvent sends an event to all connected websocket clients
func (s *Server) SendEvent(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Errorf("pkg api; failed to marshal event: %v", err)
		return
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	for conn := range s.conns {
		s.writeLocked(conn, data)
	}
}

// writeLocked writes one message (must hold mtx)
func (s *Server) writeLocked(conn *websocket.Conn, data []byte) {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Debugf("pkg api; set write deadline: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Errorf("pkg api; failed to send websocket message: %v", err)
	}
}

// Notify forwards a user-visible notification
func (s *Server) Notify(n pairing.Notification) {
	s.SendEvent(Event{
		Type:    "notification",
		Kind:    string(n.Kind),
		Message: n.Message,
	})
}

// SessionStateChanged forwards a session transition
func (s *Server) SessionStateChanged(from, to pairing.SessionState) {
	s.SendEvent(Event{
		Type:  "state",
		From:  from.String(),
		State: to.String(),
	})
}

// DevicesDiscovered forwards the candidates of a discovery attempt
func (s *Server) DevicesDiscovered(requestID uuid.UUID, devices []pairing.Device) {
	s.SendEvent(Event{
		Type:      "devices",
		RequestID: requestID.String(),
		Devices:   devices,
	})
}

// BondRequested forwards a bond request
func (s *Server) BondRequested(device pairing.Device) {
	d := device
	s.SendEvent(Event{
		Type:   "bond",
		Device: &d,
	})
}

func (s *Server) snapshot() SessionState {
	state := SessionState{State: pairing.StateInitializing.String()}
	if session := s.getSession(); session != nil {
		state.State = session.State().String()
		state.Visible = session.Visible()
	}
	state.Pending = s.pendingDevices()
	return state
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if _, err := fmt.Fprintf(w, "Pairing API - Connect via WebSocket at /ws\n\nSession API:\n  GET    /api/session\n  POST   /api/session/discover\n  POST   /api/session/visible\n  POST   /api/session/hidden\n\nDevices API:\n  GET    /api/devices/bonded\n"); err != nil {
			log.Warnf("pkg api; failed to write response: %v", err)
		}
	})
	s.mux.Handle("/ws", s)
	s.mux.HandleFunc("/api/session", s.handleSessionAPI)
	s.mux.HandleFunc("/api/session/discover", s.handleDiscoverAPI)
	s.mux.HandleFunc("/api/session/visible", s.handleVisibilityAPI(true))
	s.mux.HandleFunc("/api/session/hidden", s.handleVisibilityAPI(false))
	s.mux.HandleFunc("/api/devices/bonded", s.handleBondedAPI)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log.Infof("pkg api; WebSocket connection from: %s", r.RemoteAddr)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("pkg api; WebSocket upgrade failed: %v", err)
		return
	}

	data, err := json.Marshal(s.sessionEvent())
	if err != nil {
		log.Errorf("pkg api; failed to marshal state: %v", err)
	}

	s.mtx.Lock()
	s.conns[ws] = true
	// initial state goes out before any broadcast can reach this client
	if data != nil {
		s.writeLocked(ws, data)
	}
	s.mtx.Unlock()

	s.reader(ws)
}

func (s *Server) sessionEvent() Event {
	snap := s.snapshot()
	visible := snap.Visible
	return Event{
		Type:    "session",
		State:   snap.State,
		Visible: &visible,
		Devices: snap.Pending,
	}
}

func (s *Server) reader(conn *websocket.Conn) {
	defer func() {
		s.mtx.Lock()
		delete(s.conns, conn)
		s.mtx.Unlock()
		if err := conn.Close(); err != nil {
			log.Debugf("pkg api; error closing websocket: %v", err)
		}
	}()

	for {
		_, p, err := conn.ReadMessage()
		if err != nil {
			log.Infof("pkg api; WebSocket read error: %v", err)
			return
		}
		log.Debugf("pkg api; received WebSocket message: %s", string(p))
		s.handleCommand(conn, p)
	}
}

func (s *Server) handleCommand(conn *websocket.Conn, data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Errorf("pkg api; failed to parse command: %v", err)
		s.reply(conn, Event{Type: "error", Message: fmt.Sprintf("invalid command: %v", err)})
		return
	}

	switch cmd.Command {
	case "getState":
		s.reply(conn, s.sessionEvent())
	case "discover":
		session := s.getSession()
		if session == nil {
			s.reply(conn, Event{Type: "error", Message: "session not initialized"})
			return
		}
		session.StartDiscovery()
	case "choose":
		if err := s.choose(cmd.Address); err != nil {
			s.reply(conn, Event{Type: "error", Message: err.Error()})
		}
	case "cancel":
		if err := s.cancel(); err != nil {
			s.reply(conn, Event{Type: "error", Message: err.Error()})
		}
	case "":
		log.Error("pkg api; command field missing")
		s.reply(conn, Event{Type: "error", Message: "command field missing"})
	default:
		log.Warnf("pkg api; unknown command %q", cmd.Command)
		s.reply(conn, Event{Type: "error", Message: fmt.Sprintf("unknown command %q", cmd.Command)})
	}
}

// reply sends an event to one client
func (s *Server) reply(conn *websocket.Conn, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Errorf("pkg api; failed to marshal event: %v", err)
		return
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.conns[conn] {
		s.writeLocked(conn, data)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("pkg api; failed to encode response: %v", err)
	}
}

// handleSessionAPI returns the session snapshot
func (s *Server) handleSessionAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot())
}

// handleDiscoverAPI starts a new discovery attempt
func (s *Server) handleDiscoverAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	session := s.getSession()
	if session == nil {
		http.Error(w, "Session not initialized", http.StatusInternalServerError)
		return
	}
	session.StartDiscovery()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":  "success",
		"message": "Discovery started",
	})
}

// handleVisibilityAPI shows or hides the session
func (s *Server) handleVisibilityAPI(visible bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		session := s.getSession()
		if session == nil {
			http.Error(w, "Session not initialized", http.StatusInternalServerError)
			return
		}
		if visible {
			session.Show()
		} else {
			session.Hide()
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "success",
			"visible": session.Visible(),
		})
	}
}

// handleBondedAPI lists the platform's bonded devices
func (s *Server) handleBondedAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	session := s.getSession()
	if session == nil {
		http.Error(w, "Session not initialized", http.StatusInternalServerError)
		return
	}
	devices, err := session.ListBondedDevices(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to list bonded devices: %v", err), http.StatusInternalServerError)
		return
	}
	if devices == nil {
		devices = []pairing.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
