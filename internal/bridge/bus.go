package bridge

import (
	"context"

	"github.com/Automattic/pingbridge/internal/bus"
)

// Bus is the event bus as the bridge uses it. *bus.Bus implements it.
//
// Unsubscribe must be synchronous: once it returns, the handler is not
// invoked again. The table calls it at most once per handle.
type Bus interface {
	Subscribe(address string, h bus.Handler) (bus.Handle, error)
	Unsubscribe(h bus.Handle) error
	Publish(address string, msg bus.Message) error
	Send(address string, msg bus.Message) error
	Request(ctx context.Context, address string, msg bus.Message) (bus.Message, error)
}

var _ Bus = (*bus.Bus)(nil)
