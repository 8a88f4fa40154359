package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Automattic/pingbridge/internal/bus"
	"github.com/Automattic/pingbridge/internal/log"
	"github.com/Automattic/pingbridge/internal/metrics"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session is the bridge side of one client connection. The transport feeds
// it inbound frames with HandleFrame, one at a time, and writes every frame
// it reads from Outbound. Outbound is closed when the session is closed.
type Session struct {
	id     string
	remote string
	srv    *Server
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex // guards state and out
	state  State
	out    chan []byte
	reason error
	closed chan struct{}
}

func newSession(srv *Server, id, remote string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:     id,
		remote: remote,
		srv:    srv,
		log:    srv.log.With().Str(log.FieldConnID, id).Logger(),
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, srv.opts.OutboundQueueSize),
		closed: make(chan struct{}),
	}
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer address the transport reported.
func (s *Session) RemoteAddr() string { return s.remote }

// Outbound returns the queue of frames to write to the client.
func (s *Session) Outbound() <-chan []byte { return s.out }

// Done is closed once the session reaches CLOSED.
func (s *Session) Done() <-chan struct{} { return s.closed }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the reason the session was closed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Addresses returns the addresses the session is subscribed to.
func (s *Session) Addresses() []string {
	return s.srv.table.Addresses(s.id)
}

// HandleFrame processes one inbound frame. Failures are reported to the
// client as err frames; none of them close the session.
func (s *Session) HandleFrame(frame []byte) {
	if s.State() != StateOpen {
		return
	}
	metrics.Mark("bridge.frames.in", 1)

	msg, err := ParseControlMessage(frame)
	if err != nil {
		s.ReportError("", err)
		return
	}
	switch msg.Type {
	case TypePing:
		return
	case TypeRegister:
		err = s.register(&msg)
	case TypeUnregister:
		err = s.unregister(&msg)
	case TypePublish, TypeSend:
		err = s.publish(&msg)
	}
	if err != nil {
		s.ReportError(msg.Address, err)
	}
}

func (s *Session) register(msg *ControlMessage) error {
	if err := s.srv.CheckAddress(msg.Address); err != nil {
		return err
	}
	if err := s.srv.pipeline.Evaluate(s.ctx, newEvent(EventRegister, s.id, msg)); err != nil {
		return err
	}
	if !s.srv.Policy().PermitsInbound(msg.Address, msg.Headers) {
		return fmt.Errorf("register %q: %w", msg.Address, ErrPolicyDenied)
	}
	headers := msg.Headers
	sub, err := s.srv.table.Register(s.id, msg.Address, headers, func(m bus.Message) {
		s.deliver(headers, m)
	})
	if err != nil {
		return err
	}
	metrics.Incr("bridge.subscriptions", 1)
	s.log.Debug().Str(log.FieldAddress, sub.Address).Msg("registered")
	return nil
}

func (s *Session) unregister(msg *ControlMessage) error {
	if err := s.srv.pipeline.Evaluate(s.ctx, newEvent(EventUnregister, s.id, msg)); err != nil {
		return err
	}
	sub, err := s.srv.table.Unregister(s.id, msg.Address)
	if sub != nil {
		metrics.Decr("bridge.subscriptions", 1)
		s.log.Debug().Str(log.FieldAddress, sub.Address).Msg("unregistered")
	}
	return err
}

func (s *Session) publish(msg *ControlMessage) error {
	if err := s.srv.CheckAddress(msg.Address); err != nil {
		return err
	}
	typ := EventPublish
	if msg.Type == TypeSend {
		typ = EventSend
	}
	if err := s.srv.pipeline.Evaluate(s.ctx, newEvent(typ, s.id, msg)); err != nil {
		return err
	}
	if !s.srv.Policy().PermitsOutbound(msg.Address, msg.Headers, msg.Body) {
		return fmt.Errorf("%s %q: %w", msg.Type, msg.Address, ErrPolicyDenied)
	}

	out := bus.Message{Headers: msg.Headers, Body: msg.Body}
	switch {
	case msg.Type == TypePublish:
		return s.srv.bus.Publish(msg.Address, out)
	case msg.ReplyAddress != "":
		// A pending reply holds a bus handler, so it counts against the
		// connection's handler limit until it is answered or times out.
		if err := s.srv.table.AcquireReply(s.id); err != nil {
			return fmt.Errorf("send %q: %w", msg.Address, err)
		}
		go s.request(msg.Address, msg.ReplyAddress, out)
		return nil
	default:
		err := s.srv.bus.Send(msg.Address, out)
		if errors.Is(err, bus.ErrNoHandlers) {
			// fire-and-forget: nobody was listening
			metrics.Mark("bridge.send.unhandled", 1)
			return nil
		}
		return err
	}
}

// request performs a bus request and delivers the reply to the client at
// replyAddress, or an err frame if there is none.
func (s *Session) request(address, replyAddress string, msg bus.Message) {
	defer s.srv.table.ReleaseReply(s.id)
	ctx, cancel := context.WithTimeout(s.ctx, s.srv.opts.ReplyTimeout)
	defer cancel()

	reply, err := s.srv.bus.Request(ctx, address, msg)
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("request %q: %w", address, ErrReplyTimeout)
		}
		s.ReportError(replyAddress, err)
		return
	}
	rec := &ControlMessage{Type: TypeReceive, Address: replyAddress, Headers: reply.Headers, Body: reply.Body}
	if err := s.srv.pipeline.Evaluate(s.ctx, newEvent(EventReceive, s.id, rec)); err != nil {
		metrics.Mark("bridge.deliveries.denied", 1)
		return
	}
	s.write(encodeDelivery(rec.Address, rec.Headers, rec.Body))
}

// deliver runs on the bus goroutine of the message's address.
func (s *Session) deliver(regHeaders Headers, m bus.Message) {
	if s.State() != StateOpen {
		metrics.Mark("bridge.deliveries.closed", 1)
		return
	}
	if !s.srv.Policy().PermitsDelivery(m.Address, regHeaders, m.Body) {
		metrics.Mark("bridge.deliveries.denied", 1)
		return
	}
	rec := &ControlMessage{Type: TypeReceive, Address: m.Address, Headers: m.Headers, Body: m.Body}
	if err := s.srv.pipeline.Evaluate(s.ctx, newEvent(EventReceive, s.id, rec)); err != nil {
		metrics.Mark("bridge.deliveries.denied", 1)
		return
	}
	if s.write(encodeDelivery(rec.Address, rec.Headers, rec.Body)) == nil {
		metrics.Mark("bridge.deliveries", 1)
	}
}

// ReportError writes the err frame for err to the client.
func (s *Session) ReportError(address string, err error) {
	f := failureFor(err)
	metrics.Mark("bridge.errors."+f.Type, 1)
	s.log.Debug().
		Err(err).
		Str(log.FieldAddress, address).
		Str(log.FieldFailure, f.Type).
		Msg("control message failed")
	s.write(encodeError(address, f))
}

// write queues frame for the client. A full queue closes the session.
func (s *Session) write(frame []byte) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return ErrConnectionClosed
	}
	select {
	case s.out <- frame:
		s.mu.Unlock()
		return nil
	default:
	}
	s.mu.Unlock()

	metrics.Mark("bridge.slow_consumers", 1)
	// Close may be waiting on the bus goroutine that is calling write.
	go s.Close(ErrSlowConsumer)
	return ErrSlowConsumer
}

// Close moves the session through CLOSING to CLOSED, releasing every bus
// handle it holds. It is safe to call more than once and from any goroutine
// except a bus handler.
func (s *Session) Close(reason error) {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		<-s.closed
		return
	}
	s.state = StateClosing
	s.reason = reason
	s.mu.Unlock()

	s.cancel()
	released, err := s.srv.table.RemoveAll(s.id)
	if err != nil {
		s.log.Error().Err(err).Msg("releasing subscriptions")
	}
	metrics.Decr("bridge.subscriptions", int64(len(released)))

	s.mu.Lock()
	s.state = StateClosed
	close(s.out)
	s.mu.Unlock()
	close(s.closed)

	s.srv.forget(s)
	ev := s.log.Debug()
	if reason != nil && !errors.Is(reason, ErrConnectionClosed) {
		ev = s.log.Info().Err(reason)
	}
	ev.Int("released", len(released)).Msg("session closed")
}
