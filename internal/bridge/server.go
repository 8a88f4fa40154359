// Package bridge connects websocket clients to the event bus. A client
// registers for addresses, unregisters from them, and publishes or sends to
// them with JSON control frames. Every action passes through a Pipeline of
// interceptors and is checked against the address Policy before it takes
// effect. The Table makes sure a connection holds at most one bus
// subscription per address.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Automattic/pingbridge/internal/log"
	"github.com/Automattic/pingbridge/internal/metrics"
	"github.com/Automattic/pingbridge/internal/policy"
)

const (
	DefaultMaxAddressLength     = 200
	DefaultMaxHandlersPerSocket = 1000
	DefaultOutboundQueueSize    = 256
	DefaultReplyTimeout         = 30 * time.Second
)

// Options configure a Server. Zero values select the defaults above; a nil
// Policy denies everything and a nil Pipeline allows everything.
type Options struct {
	Bus                  Bus
	Policy               *policy.Policy
	Pipeline             *Pipeline
	MaxAddressLength     int
	MaxHandlersPerSocket int
	OutboundQueueSize    int
	ReplyTimeout         time.Duration
}

func (o *Options) setDefaults() {
	if o.Policy == nil {
		o.Policy = policy.DenyAll()
	}
	if o.Pipeline == nil {
		o.Pipeline = NewPipeline(0)
	}
	if o.MaxAddressLength == 0 {
		o.MaxAddressLength = DefaultMaxAddressLength
	}
	if o.MaxHandlersPerSocket == 0 {
		o.MaxHandlersPerSocket = DefaultMaxHandlersPerSocket
	}
	if o.OutboundQueueSize <= 0 {
		o.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = DefaultReplyTimeout
	}
}

// Server owns the live sessions. It holds no subscription logic of its own.
type Server struct {
	opts     Options
	bus      Bus
	table    *Table
	pipeline *Pipeline
	policy   atomic.Pointer[policy.Policy]
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewServer returns a server bridging to opts.Bus.
func NewServer(opts Options) *Server {
	opts.setDefaults()
	s := &Server{
		opts:     opts,
		bus:      opts.Bus,
		table:    NewTable(opts.Bus, opts.MaxHandlersPerSocket),
		pipeline: opts.Pipeline,
		log:      log.WithComponent("bridge"),
		sessions: make(map[string]*Session),
	}
	s.policy.Store(opts.Policy)
	// A registration that raced a policy swap is judged by the policy in
	// force when it commits.
	s.table.admit = func(sub *Subscription) bool {
		return s.Policy().PermitsInbound(sub.Address, sub.Headers)
	}
	return s
}

// Policy returns the policy in force.
func (s *Server) Policy() *policy.Policy {
	return s.policy.Load()
}

// Table returns the subscription table.
func (s *Server) Table() *Table {
	return s.table
}

// CheckAddress reports ErrAddressTooLong if address is longer than the
// configured maximum.
func (s *Server) CheckAddress(address string) error {
	if max := s.opts.MaxAddressLength; max > 0 && len(address) > max {
		return fmt.Errorf("%d bytes, max %d: %w", len(address), max, ErrAddressTooLong)
	}
	return nil
}

// MaxAddressLength returns the longest address clients may use.
func (s *Server) MaxAddressLength() int {
	return s.opts.MaxAddressLength
}

// Open starts a session for a new transport connection. The connection is
// refused if the SOCKET_CREATED event is denied.
func (s *Server) Open(ctx context.Context, remoteAddr string) (*Session, error) {
	sess := newSession(s, uuid.NewString(), remoteAddr)

	if err := s.pipeline.Evaluate(ctx, newEvent(EventSocketCreated, sess.id, nil)); err != nil {
		sess.cancel()
		metrics.Mark("bridge.sessions.refused", 1)
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sess.cancel()
		return nil, ErrServerClosed
	}
	s.table.Open(sess.id)
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	metrics.Incr("bridge.sessions", 1)
	sess.log.Debug().Str(log.FieldRemoteAddr, remoteAddr).Msg("session opened")
	return sess, nil
}

// forget is called by a session once it reaches CLOSED.
func (s *Server) forget(sess *Session) {
	s.mu.Lock()
	_, ok := s.sessions[sess.id]
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	if !ok {
		return
	}
	metrics.Decr("bridge.sessions", 1)
	// SOCKET_CLOSED is informational; the decision cannot undo the close.
	_ = s.pipeline.Evaluate(context.Background(), newEvent(EventSocketClosed, sess.id, nil))
}

// Session returns the live session with the given id.
func (s *Server) Session(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Sessions returns a snapshot of the live sessions.
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Len returns the number of live sessions.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ApplyPolicy puts p in force and revokes every subscription p no longer
// permits. Affected clients receive a policy_revoked err frame per address.
func (s *Server) ApplyPolicy(p *policy.Policy) int {
	s.policy.Store(p)
	revoked := 0
	for _, sess := range s.Sessions() {
		released, err := s.table.Revoke(sess.id, func(sub *Subscription) bool {
			return p.PermitsInbound(sub.Address, sub.Headers)
		})
		if err != nil {
			sess.log.Error().Err(err).Msg("revoking subscriptions")
		}
		metrics.Decr("bridge.subscriptions", int64(len(released)))
		for _, sub := range released {
			sess.ReportError(sub.Address, ErrPolicyRevoked)
		}
		revoked += len(released)
	}
	if revoked > 0 {
		s.log.Info().Int("revoked", revoked).Msg("policy applied")
	}
	return revoked
}

// Shutdown closes every session and refuses new ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, sess := range s.Sessions() {
			sess.Close(ErrServerClosed)
		}
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
