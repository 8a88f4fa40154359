package bridge

import (
	"encoding/json"
	"sync"
)

// EventType names the bridge action an Event describes.
type EventType string

const (
	EventSocketCreated EventType = "SOCKET_CREATED"
	EventSocketClosed  EventType = "SOCKET_CLOSED"
	EventRegister      EventType = "REGISTER"
	EventUnregister    EventType = "UNREGISTER"
	EventSend          EventType = "SEND"
	EventPublish       EventType = "PUBLISH"
	EventReceive       EventType = "RECEIVE"
)

// Event describes one pending bridge action. An interceptor inspects it,
// may rewrite Message, and must call Complete exactly once.
type Event struct {
	Type    EventType
	ConnID  string
	Message *ControlMessage

	once    sync.Once
	done    chan struct{}
	allowed bool
}

func newEvent(typ EventType, connID string, msg *ControlMessage) *Event {
	if msg == nil {
		msg = &ControlMessage{}
	}
	return &Event{
		Type:    typ,
		ConnID:  connID,
		Message: msg,
		done:    make(chan struct{}),
	}
}

// fork returns a fresh, uncompleted event sharing e's message, so that a
// late Complete from one interceptor cannot settle the next one's event.
func (e *Event) fork() *Event {
	return newEvent(e.Type, e.ConnID, e.Message)
}

// Complete settles the event. Only the first call has an effect; it
// reports whether this call was the one that settled the event.
func (e *Event) Complete(allow bool) bool {
	settled := false
	e.once.Do(func() {
		e.allowed = allow
		settled = true
		close(e.done)
	})
	return settled
}

// RawMessage returns the message as the client sent it, or nil for socket
// events.
func (e *Event) RawMessage() json.RawMessage {
	if e.Message == nil || e.Message.Type == "" {
		return nil
	}
	b, err := json.Marshal(e.Message)
	if err != nil {
		return nil
	}
	return b
}
