package bus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/Automattic/pingbridge/internal/metrics"
)

type cmdType int

const (
	SUBSCRIBE cmdType = iota
	UNSUBSCRIBE
	PUBLISH
	SEND
	STOP
)

type command struct {
	cmd     cmdType
	id      uint64
	handler Handler
	msg     Message
	ack     chan struct{}
}

// queue is an unbounded mailbox. push never blocks so a handler may
// publish without risking a cycle between two channel goroutines.
type queue struct {
	mu    sync.Mutex
	cmds  []command
	ready chan struct{}
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

func (q *queue) push(cmd command) {
	q.mu.Lock()
	q.cmds = append(q.cmds, cmd)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue) drain() []command {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmds := q.cmds
	q.cmds = nil
	return cmds
}

type subscription struct {
	id      uint64
	handler Handler
}

type channel struct {
	address string
	queue   *queue
	subs    []subscription
	next    int // round-robin cursor for SEND
	log     zerolog.Logger

	// count is owned by the Bus and guarded by Bus.mu.
	count int
}

func newChannel(address string, log zerolog.Logger) *channel {
	return &channel{
		address: address,
		queue:   newQueue(),
		log:     log,
	}
}

func (c *channel) run() {
	metrics.Incr("bus.channels", 1)
	defer metrics.Decr("bus.channels", 1)
	for range c.queue.ready {
		for _, cmd := range c.queue.drain() {
			switch cmd.cmd {
			case SUBSCRIBE:
				c.subscribe(cmd.id, cmd.handler)
			case UNSUBSCRIBE:
				c.unsubscribe(cmd.id)
			case PUBLISH:
				c.publish(cmd.msg)
			case SEND:
				c.send(cmd.msg)
			case STOP:
				return
			}
			if cmd.ack != nil {
				close(cmd.ack)
			}
		}
	}
}

func (c *channel) subscribe(id uint64, h Handler) {
	c.subs = append(c.subs, subscription{id: id, handler: h})
}

func (c *channel) unsubscribe(id uint64) {
	for i, s := range c.subs {
		if s.id == id {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			if c.next > i {
				c.next--
			}
			return
		}
	}
}

func (c *channel) publish(msg Message) {
	for _, s := range c.subs {
		c.deliver(s, msg)
	}
}

func (c *channel) send(msg Message) {
	if len(c.subs) == 0 {
		metrics.Mark("bus.drops", 1)
		return
	}
	if c.next >= len(c.subs) {
		c.next = 0
	}
	s := c.subs[c.next]
	c.next++
	c.deliver(s, msg)
}

func (c *channel) deliver(s subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Str("address", c.address).
				Interface("panic", r).
				Msg("bus handler panicked")
		}
	}()
	metrics.Mark("bus.delivered", 1)
	s.handler(msg)
}
