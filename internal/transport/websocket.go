package transport

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	defaultWriteWait = 10 * time.Second

	// Time allowed to read the next message or pong from the peer.
	defaultPongWait = 60 * time.Second

	// Maximum message size allowed from peer.
	defaultMaxMessageSize = 64 * 1024
)

// websocketManager is the part of *websocket.Conn a connection uses.
type websocketManager interface {
	wsSetReadLimit(limit int64)
	wsSetReadDeadline()
	wsSetPongHandler()
	wsReadMessage() (int, []byte, error)
	wsSetWriteDeadline()
	wsWriteMessage(int, []byte) error
	wsWriteClose(code int, text string)
	wsClose()
	wsRemoteAddr() string
}

type websocketInteractor struct {
	ws        *websocket.Conn
	pongWait  time.Duration
	writeWait time.Duration
}

func (w websocketInteractor) wsSetReadLimit(limit int64) {
	w.ws.SetReadLimit(limit)
}

func (w websocketInteractor) wsSetReadDeadline() {
	w.ws.SetReadDeadline(time.Now().Add(w.pongWait))
}

func (w websocketInteractor) wsSetPongHandler() {
	w.ws.SetPongHandler(func(string) error { w.wsSetReadDeadline(); return nil })
}

func (w websocketInteractor) wsClose() {
	w.ws.Close()
}

func (w websocketInteractor) wsReadMessage() (messageType int, p []byte, err error) {
	return w.ws.ReadMessage()
}

func (w websocketInteractor) wsSetWriteDeadline() {
	w.ws.SetWriteDeadline(time.Now().Add(w.writeWait))
}

func (w websocketInteractor) wsWriteMessage(messageType int, payload []byte) error {
	return w.ws.WriteMessage(messageType, payload)
}

func (w websocketInteractor) wsWriteClose(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	w.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.writeWait))
}

func (w websocketInteractor) wsRemoteAddr() string {
	return w.ws.RemoteAddr().String()
}
