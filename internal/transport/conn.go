package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Automattic/pingbridge/internal/bridge"
	"github.com/Automattic/pingbridge/internal/log"
	"github.com/Automattic/pingbridge/internal/metrics"
	"github.com/Automattic/pingbridge/internal/ticker"
)

// connection pumps frames between one websocket and its bridge session.
// The reader goroutine is the session's only inbound worker and the writer
// goroutine its only outbound one.
type connection struct {
	sess    *bridge.Session
	w       websocketManager
	limiter *rate.Limiter // nil means unlimited
	pings   *ticker.Multi
	maxSize int64
	log     zerolog.Logger
}

func newConnection(sess *bridge.Session, w websocketManager, opts *Options) *connection {
	c := &connection{
		sess:    sess,
		w:       w,
		pings:   opts.Pings,
		maxSize: opts.MaxMessageSize,
		log:     log.WithComponent("transport").With().Str(log.FieldConnID, sess.ID()).Logger(),
	}
	if opts.FrameRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.FrameRate), opts.FrameBurst)
	}
	return c
}

func (c *connection) run() {
	metrics.Incr("websockets", 1)
	defer metrics.Decr("websockets", 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writer()
	}()
	err := c.reader()
	c.sess.Close(err)
	<-done
}

func (c *connection) reader() error {
	c.w.wsSetReadLimit(c.maxSize)
	c.w.wsSetReadDeadline()
	c.w.wsSetPongHandler()
	for {
		if err := c.readMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("%w: peer closed", bridge.ErrConnectionClosed)
			}
			return fmt.Errorf("%w: %v", bridge.ErrConnectionClosed, err)
		}
	}
}

func (c *connection) readMessage() error {
	messageType, message, err := c.w.wsReadMessage()
	if err != nil {
		return err
	}
	c.w.wsSetReadDeadline()
	metrics.Mark("conn.recv", 1)
	if messageType == websocket.BinaryMessage {
		c.sess.ReportError("", fmt.Errorf("%w: binary frame", bridge.ErrMalformedFrame))
		return nil
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.sess.ReportError("", bridge.ErrRateLimited)
		return nil
	}
	c.sess.HandleFrame(message)
	return nil
}

// writer drains the session's outbound queue and keeps the peer alive with
// pings. It closes the websocket when the queue is closed or a write fails.
func (c *connection) writer() {
	defer c.w.wsClose()
	var tick <-chan time.Time
	if c.pings != nil {
		sub := c.pings.Subscribe()
		defer c.pings.Unsubscribe(sub)
		tick = sub.C
	}
	for {
		select {
		case frame, ok := <-c.sess.Outbound():
			if !ok {
				c.writeClose()
				return
			}
			c.w.wsSetWriteDeadline()
			if err := c.w.wsWriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.sess.Close(fmt.Errorf("%w: %v", bridge.ErrConnectionClosed, err))
				return
			}
			metrics.Mark("conn.send", 1)
		case _, ok := <-tick:
			if !ok {
				tick = nil
				continue
			}
			c.w.wsSetWriteDeadline()
			if err := c.w.wsWriteMessage(websocket.PingMessage, nil); err != nil {
				c.sess.Close(fmt.Errorf("%w: %v", bridge.ErrConnectionClosed, err))
				return
			}
		}
	}
}

func (c *connection) writeClose() {
	code, text := websocket.CloseNormalClosure, ""
	switch err := c.sess.Err(); {
	case errors.Is(err, bridge.ErrSlowConsumer):
		code, text = websocket.ClosePolicyViolation, "slow consumer"
	case errors.Is(err, bridge.ErrServerClosed):
		code, text = websocket.CloseGoingAway, "server shutting down"
	}
	c.w.wsWriteClose(code, text)
}
