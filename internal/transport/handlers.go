// Package transport serves the bridge over HTTP: the websocket endpoint
// clients connect to, plus plain HTTP publishing and a metrics dump.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Automattic/pingbridge/internal/bridge"
	"github.com/Automattic/pingbridge/internal/bus"
	"github.com/Automattic/pingbridge/internal/log"
	"github.com/Automattic/pingbridge/internal/metrics"
	"github.com/Automattic/pingbridge/internal/ticker"
)

const maxPostBody = 1 << 20

// Options configure the HTTP surface.
type Options struct {
	// Prefix is the path the bridge is mounted on, e.g. "/eventbus".
	Prefix string
	// Origin, if set, is the only Origin header accepted on upgrade.
	Origin string

	MaxMessageSize int64
	PongWait       time.Duration
	WriteWait      time.Duration
	// Pings drives keepalive pings; nil disables them.
	Pings *ticker.Multi

	// FrameRate limits inbound frames per second per connection; zero
	// means unlimited.
	FrameRate  float64
	FrameBurst int
}

func (o *Options) setDefaults() {
	o.Prefix = "/" + strings.Trim(o.Prefix, "/")
	if o.Prefix == "/" {
		o.Prefix = ""
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.FrameRate > 0 && o.FrameBurst <= 0 {
		o.FrameBurst = int(o.FrameRate) + 1
	}
}

// NewHandler routes the bridge endpoints of srv.
func NewHandler(srv *bridge.Server, b bridge.Bus, opts Options) http.Handler {
	opts.setDefaults()
	r := mux.NewRouter()

	// Route websocket requests
	r.Path(opts.Prefix+"/websocket").Methods("GET").
		HeadersRegexp("Upgrade", "(?i)^websocket$").
		Handler(newWsHandler(srv, opts))
	r.Path(opts.Prefix+"/websocket").Methods("GET").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `Can "Upgrade" only to "WebSocket".`, http.StatusBadRequest)
	})

	r.Path(opts.Prefix + "/").Methods("GET").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
		io.WriteString(w, "Welcome to pingbridge!\n")
	})

	r.Path("/publish/{address:.+}").Methods("POST").Handler(postHandler{srv: srv, b: b})

	r.Path("/debug/metrics").Methods("GET").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		metrics.WriteOnce(w)
	})
	return r
}

type wsHandler struct {
	srv      *bridge.Server
	opts     Options
	upgrader *websocket.Upgrader
	log      zerolog.Logger
}

func newWsHandler(srv *bridge.Server, opts Options) wsHandler {
	upgrader := &websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	if opts.Origin != "" {
		origin := opts.Origin
		upgrader.CheckOrigin = func(r *http.Request) bool {
			return r.Header.Get("Origin") == origin
		}
	}
	return wsHandler{srv: srv, opts: opts, upgrader: upgrader, log: log.WithComponent("transport")}
}

func (wsh wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := wsh.upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.Mark("websockets.rejected", 1)
		return
	}
	wi := websocketInteractor{ws: ws, pongWait: wsh.opts.PongWait, writeWait: wsh.opts.WriteWait}

	sess, err := wsh.srv.Open(r.Context(), wi.wsRemoteAddr())
	if err != nil {
		wsh.log.Debug().Err(err).Str(log.FieldRemoteAddr, wi.wsRemoteAddr()).Msg("session refused")
		wi.wsWriteClose(websocket.ClosePolicyViolation, "access_denied")
		wi.wsClose()
		return
	}
	newConnection(sess, wi, &wsh.opts).run()
}

type postHandler struct {
	srv *bridge.Server
	b   bridge.Bus
}

func (ph postHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if !validateAddress(w, ph.srv, address) {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPostBody))
	if err != nil {
		sendBadRequestError(w, "Unable to read POST body.")
		return
	}
	msg, err := postMessage(r, body)
	if err != nil {
		sendBadRequestError(w, err.Error())
		return
	}
	if !ph.srv.Policy().PermitsOutbound(address, msg.Headers, msg.Body) {
		http.Error(w, "Error: access denied.", http.StatusForbidden)
		return
	}
	if err := ph.b.Publish(address, msg); err != nil {
		http.Error(w, "Error: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	metrics.Mark("http.publish", 1)
	w.Write([]byte("OK\n"))
}

// postMessage turns a POST body into a bus message. A JSON body is
// published as is; anything else is published as a JSON string.
func postMessage(r *http.Request, body []byte) (bus.Message, error) {
	msg := bus.Message{Headers: map[string]string{}}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		msg.Headers["Content-Type"] = ct
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if !json.Valid(body) {
			return msg, errors.New("POST body is not valid JSON.")
		}
		msg.Body = body
		return msg, nil
	}
	if !utf8.Valid(body) {
		return msg, errors.New("POST body must be valid UTF-8.")
	}
	msg.Body, _ = json.Marshal(string(body))
	return msg, nil
}

func validateAddress(w http.ResponseWriter, srv *bridge.Server, address string) bool {
	if !utf8.ValidString(address) {
		sendBadRequestError(w, "Address must be valid Unicode (UTF-8).")
		return false
	}
	if address == "" {
		sendBadRequestError(w, "Address must not be empty.")
		return false
	}
	if srv.CheckAddress(address) != nil {
		http.Error(w,
			fmt.Sprintf("Error: address longer than %d bytes.", srv.MaxAddressLength()),
			http.StatusRequestURITooLong)
		return false
	}
	return true
}

func sendBadRequestError(w http.ResponseWriter, str string) {
	http.Error(w,
		fmt.Sprintf("Error: bad request. %s", str),
		http.StatusBadRequest)
}
