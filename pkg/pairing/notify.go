package pairing

import (
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// NotificationKind selects how long a message stays on screen
type NotificationKind string

const (
	// Toast is a short transient message
	Toast NotificationKind = "toast"
	// Snackbar is a longer-lived status message
	Snackbar NotificationKind = "snackbar"
)

// Notification is a user-visible message
type Notification struct {
	Kind    NotificationKind `json:"kind"`
	Message string           `json:"message"`
}

// Notifier is the user-visible surface of the session
type Notifier interface {
	Notify(n Notification)
}

// LogNotifier writes notifications to the log
type LogNotifier struct{}

// Notify logs the message at info level
func (LogNotifier) Notify(n Notification) {
	log.Infof("[%s] %s", n.Kind, n.Message)
}

// MultiNotifier fans a notification out to several surfaces
type MultiNotifier []Notifier

// Notify forwards n to every non-nil notifier
func (m MultiNotifier) Notify(n Notification) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(n)
		}
	}
}

// Observer receives session events.
// This allows surfaces such as the API server to follow the session without the controller
// depending on them.
type Observer interface {
	// SessionStateChanged is called after every state transition
	SessionStateChanged(from, to SessionState)

	// DevicesDiscovered is called when a discovery attempt produced candidates
	DevicesDiscovered(requestID uuid.UUID, devices []Device)

	// BondRequested is called after a bond request was issued
	BondRequested(device Device)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

// SessionStateChanged is a no-op implementation
func (NoOpObserver) SessionStateChanged(from, to SessionState) {}

// DevicesDiscovered is a no-op implementation
func (NoOpObserver) DevicesDiscovered(requestID uuid.UUID, devices []Device) {}

// BondRequested is a no-op implementation
func (NoOpObserver) BondRequested(device Device) {}

// ListenerSet is a StateBroadcast building block for backends.
// Register and Unregister are idempotent.
type ListenerSet struct {
	mu        sync.Mutex
	listeners []StateListener
}

// Register adds l unless it is already present. It reports whether l was added.
func (s *ListenerSet) Register(l StateListener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.listeners {
		if existing == l {
			return false
		}
	}
	s.listeners = append(s.listeners, l)
	return true
}

// Unregister removes l. It reports whether l was present.
func (s *ListenerSet) Unregister(l StateListener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered listeners
func (s *ListenerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Broadcast delivers state to a snapshot of the registered listeners
func (s *ListenerSet) Broadcast(state AdapterState) {
	s.mu.Lock()
	snapshot := make([]StateListener, len(s.listeners))
	copy(snapshot, s.listeners)
	s.mu.Unlock()

	for _, l := range snapshot {
		l.OnStateChanged(state)
	}
}
