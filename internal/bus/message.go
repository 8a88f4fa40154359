// Package bus is an in-process publish/subscribe event bus.
//
// Every address is served by one channel goroutine which invokes the
// handlers of that address one message at a time, so handlers observe
// messages for an address in the order they were published. A channel is
// forgotten when its last subscriber unsubscribes.
package bus

import (
	"encoding/json"
	"errors"
)

var (
	ErrClosed        = errors.New("bus closed")
	ErrEmptyAddress  = errors.New("empty address")
	ErrNilHandler    = errors.New("nil handler")
	ErrNoHandlers    = errors.New("no handlers for address")
	ErrUnknownHandle = errors.New("unknown handle")
)

// Message is one bus message. Body is opaque JSON.
type Message struct {
	Address      string
	Headers      map[string]string
	Body         json.RawMessage
	ReplyAddress string
}

// Handler receives the messages of one subscription.
type Handler func(Message)

// Handle identifies one live subscription. The zero Handle is invalid.
type Handle struct {
	id      uint64
	address string
}

// Address returns the address the handle is subscribed to.
func (h Handle) Address() string {
	return h.address
}

// Valid reports whether h was returned by Subscribe.
func (h Handle) Valid() bool {
	return h.id != 0
}
