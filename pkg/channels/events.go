package channels

import "sync"

// EventType distinguishes connector events.
type EventType string

const (
	EventStatus EventType = "status"
	EventQR     EventType = "qr"
)

// Event is a status or QR notification emitted by a connector.
type Event struct {
	Type         EventType
	ConnectionID string
	Status       Status
	Err          error
	QR           string
}

// EventSink observes connector events.
type EventSink interface {
	Emit(event Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(event Event)

// Emit calls f.
func (f EventSinkFunc) Emit(event Event) {
	f(event)
}

// StatusEvent builds a status event.
func StatusEvent(connectionID string, status Status, err error) Event {
	return Event{Type: EventStatus, ConnectionID: connectionID, Status: status, Err: err}
}

// QREvent builds a QR code event.
func QREvent(connectionID, qr string) Event {
	return Event{Type: EventQR, ConnectionID: connectionID, QR: qr}
}

// StatusTracker holds a connector's status and forwards changes to a sink.
// Adapters embed it to share reporting.
type StatusTracker struct {
	connectionID string
	sink         EventSink
	status       Status
	mu           sync.Mutex
}

// NewStatusTracker starts in the disconnected state.
func NewStatusTracker(connectionID string, sink EventSink) *StatusTracker {
	return &StatusTracker{connectionID: connectionID, sink: sink, status: StatusDisconnected}
}

// Status returns the current status.
func (t *StatusTracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetStatus records a status and emits it.
func (t *StatusTracker) SetStatus(status Status, err error) {
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
	if t.sink != nil {
		t.sink.Emit(StatusEvent(t.connectionID, status, err))
	}
}

// BeginConnect moves to connecting unless already connecting or connected.
// It returns false when the caller should treat Connect as a no-op.
func (t *StatusTracker) BeginConnect() bool {
	t.mu.Lock()
	if t.status.Active() {
		t.mu.Unlock()
		return false
	}
	t.status = StatusConnecting
	t.mu.Unlock()
	if t.sink != nil {
		t.sink.Emit(StatusEvent(t.connectionID, StatusConnecting, nil))
	}
	return true
}

// EmitQR forwards a QR code to the sink.
func (t *StatusTracker) EmitQR(qr string) {
	if t.sink != nil {
		t.sink.Emit(QREvent(t.connectionID, qr))
	}
}
