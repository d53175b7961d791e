package session

import "time"

// EventKind labels a lifecycle notification.
type EventKind string

const (
	EventConnected     EventKind = "connected"
	EventAuthenticated EventKind = "authenticated"
	EventDisconnected  EventKind = "disconnected"
	EventExpired       EventKind = "expired"
	EventErrored       EventKind = "errored"
)

// Event is a session lifecycle notification.
type Event struct {
	Kind      EventKind
	SessionID string
	ClientID  string
	Reason    string
	At        time.Time
}

// Observer receives lifecycle events. Implementations must not block;
// slow consumers should buffer internally.
type Observer interface {
	OnSessionEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// OnSessionEvent implements Observer.
func (f ObserverFunc) OnSessionEvent(e Event) { f(e) }
