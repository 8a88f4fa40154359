package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Automattic/pingbridge/internal/log"
	"github.com/Automattic/pingbridge/internal/metrics"
)

// Bus routes messages to the channel goroutine of their address.
type Bus struct {
	mu       sync.Mutex
	channels map[string]*channel
	handles  map[uint64]*channel
	nextID   uint64
	closed   bool
	log      zerolog.Logger
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		channels: make(map[string]*channel),
		handles:  make(map[uint64]*channel),
		log:      log.WithComponent("bus"),
	}
}

// Subscribe registers h for address. When Subscribe returns, every message
// published to address afterwards reaches h.
func (b *Bus) Subscribe(address string, h Handler) (Handle, error) {
	if address == "" {
		return Handle{}, ErrEmptyAddress
	}
	if h == nil {
		return Handle{}, ErrNilHandler
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Handle{}, ErrClosed
	}
	c, ok := b.channels[address]
	if !ok {
		// Create a channel if needed.
		c = newChannel(address, b.log)
		b.channels[address] = c
		go c.run()
	}
	b.nextID++
	id := b.nextID
	b.handles[id] = c
	c.count++
	ack := make(chan struct{})
	c.queue.push(command{cmd: SUBSCRIBE, id: id, handler: h, ack: ack})
	b.mu.Unlock()

	<-ack
	return Handle{id: id, address: address}, nil
}

// Unsubscribe removes the subscription identified by h. When Unsubscribe
// returns, its handler is no longer running and is never invoked again.
// It must not be called from a handler of the same address.
func (b *Bus) Unsubscribe(h Handle) error {
	b.mu.Lock()
	c, ok := b.handles[h.id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("unsubscribe %q: %w", h.address, ErrUnknownHandle)
	}
	delete(b.handles, h.id)
	c.count--
	ack := make(chan struct{})
	c.queue.push(command{cmd: UNSUBSCRIBE, id: h.id, ack: ack})
	if c.count == 0 {
		delete(b.channels, c.address)
		c.queue.push(command{cmd: STOP})
	}
	b.mu.Unlock()

	<-ack
	return nil
}

// Publish delivers msg to every subscriber of address. Publishing to an
// address without subscribers drops the message.
func (b *Bus) Publish(address string, msg Message) error {
	return b.route(PUBLISH, address, msg)
}

// Send delivers msg to one subscriber of address, chosen round-robin.
func (b *Bus) Send(address string, msg Message) error {
	return b.route(SEND, address, msg)
}

func (b *Bus) route(cmd cmdType, address string, msg Message) error {
	if address == "" {
		return ErrEmptyAddress
	}
	msg.Address = address

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	c, ok := b.channels[address]
	if !ok {
		metrics.Mark("bus.drops", 1)
		if cmd == SEND {
			return fmt.Errorf("send %q: %w", address, ErrNoHandlers)
		}
		return nil
	}
	metrics.Mark("bus.routed", 1)
	c.queue.push(command{cmd: cmd, msg: msg})
	return nil
}

// Request sends msg to one subscriber of address and waits for the reply
// the subscriber sends with Reply.
func (b *Bus) Request(ctx context.Context, address string, msg Message) (Message, error) {
	replies := make(chan Message, 1)
	replyAddress := "__reply." + uuid.NewString()
	h, err := b.Subscribe(replyAddress, func(m Message) {
		select {
		case replies <- m:
		default:
		}
	})
	if err != nil {
		return Message{}, err
	}
	defer b.Unsubscribe(h)

	msg.ReplyAddress = replyAddress
	if err := b.Send(address, msg); err != nil {
		return Message{}, err
	}
	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return Message{}, fmt.Errorf("request %q: %w", address, ctx.Err())
	}
}

// Reply answers a message received through Request.
func (b *Bus) Reply(to Message, reply Message) error {
	if to.ReplyAddress == "" {
		return fmt.Errorf("reply to %q: %w", to.Address, ErrEmptyAddress)
	}
	return b.Send(to.ReplyAddress, reply)
}

// HasSubscribers reports whether address has at least one subscriber.
func (b *Bus) HasSubscribers(address string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.channels[address]
	return ok
}

// Subscribers returns the number of live subscriptions for address.
func (b *Bus) Subscribers(address string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.channels[address]; ok {
		return c.count
	}
	return 0
}

// Close stops every channel goroutine. Handles outstanding at Close are
// invalidated.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for address, c := range b.channels {
		c.queue.push(command{cmd: STOP})
		delete(b.channels, address)
	}
	clear(b.handles)
}
