// Package realtime is the websocket and HTTP surface of the broker. Each
// connection gets a relay handler for its role; messages are JSON text
// frames and video travels in binary frames.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"relaybroker/internal/bootstrap"
	"relaybroker/internal/directory"
	"relaybroker/internal/logging"
	"relaybroker/internal/protocol"
	"relaybroker/internal/relay"
	"relaybroker/internal/session"
)

var log = logging.L("realtime")

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendQueue     = 256
	maxFrameSize  = 16 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Directory is what the HTTP surface needs from the identity store.
type Directory interface {
	Settings() directory.Settings
	User(userName string) (directory.User, bool)
	SignIn(userName, password string) directory.SignInResult
	VerifyAPIKey(id, secret string) (string, bool)
}

// OTPRedeemer consumes one-time passcodes minted by the bootstrap path.
type OTPRedeemer interface {
	Redeem(code string) (string, bool)
}

type Deps struct {
	Hub       *relay.Hub
	Clients   *Clients
	Bootstrap *bootstrap.Service
	Sessions  *session.Registry
	Agents    *session.AgentRegistry
	Directory Directory
	OTP       OTPRedeemer
	// PublicURL overrides the scheme and host of generated join links.
	PublicURL string
	RateLimit rate.Limit
	RateBurst int
}

// Server routes websocket connections to relay handlers and serves the
// REST API.
type Server struct {
	Deps
	limiter *ipLimiter
}

func New(d Deps) *Server {
	if d.Clients == nil {
		d.Clients = NewClients()
	}
	return &Server{Deps: d, limiter: newIPLimiter(d.RateLimit, d.RateBurst)}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /hubs/agent", s.handleAgentHub)
	mux.HandleFunc("GET /hubs/desktop", s.handleDesktopHub)
	mux.HandleFunc("GET /hubs/viewer", s.handleViewerHub)

	mux.Handle("GET /api/RemoteControl/{deviceID}", s.limit(http.HandlerFunc(s.handleRemoteControl)))
	mux.Handle("POST /api/RemoteControl", s.limit(http.HandlerFunc(s.handleRemoteControlLogin)))
	mux.Handle("GET /api/sessions", s.limit(http.HandlerFunc(s.handleListSessions)))
	mux.Handle("GET /api/sessions/ended", s.limit(http.HandlerFunc(s.handleEndedSessions)))
	mux.Handle("GET /api/agents", s.limit(http.HandlerFunc(s.handleListAgents)))

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type outbound struct {
	kind int
	data []byte
}

type client struct {
	id         string
	role       protocol.Role
	remoteAddr string
	conn       *websocket.Conn
	send       chan outbound

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request, role protocol.Role) (*client, bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "role", role, logging.KeyRemoteAddr, r.RemoteAddr, logging.KeyError, err)
		return nil, false
	}
	conn.SetReadLimit(maxFrameSize)

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		id:         uuid.New().String(),
		role:       role,
		remoteAddr: r.RemoteAddr,
		conn:       conn,
		send:       make(chan outbound, sendQueue),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.Clients.add(c)
	log.Debug("connection opened", "role", role, logging.KeyConnID, c.id, logging.KeyRemoteAddr, c.remoteAddr)
	return c, true
}

// close tears the connection down once. Senders observe ctx and stop.
func (c *client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
	})
}

func (c *client) enqueueText(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrNotConnected
	default:
	}
	select {
	case c.send <- outbound{kind: websocket.TextMessage, data: data}:
		return nil
	case <-c.ctx.Done():
		return ErrNotConnected
	default:
		return ErrQueueFull
	}
}

// enqueueBinary waits for queue space so video keeps the viewer's pace.
func (c *client) enqueueBinary(ctx context.Context, data []byte) error {
	select {
	case c.send <- outbound{kind: websocket.BinaryMessage, data: data}:
		return nil
	case <-c.ctx.Done():
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *client) reply(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := c.enqueueText(data); err != nil {
		log.Debug("reply not delivered", logging.KeyConnID, c.id, logging.KeyError, err)
	}
}

func (c *client) replyResult(id string, data interface{}) {
	msg, err := protocol.NewResult(id, data)
	if err != nil {
		log.Error("failed to build result", logging.KeyConnID, c.id, logging.KeyError, err)
		return
	}
	c.reply(msg)
}

func (c *client) replyFailure(id string, err error) {
	msg, buildErr := protocol.NewFailure(id, relay.Reason(err), relay.Message(err))
	if buildErr != nil {
		return
	}
	c.reply(msg)
}

// respond sends a result for a request, or a failure if err is set.
func (c *client) respond(id string, data interface{}, err error) {
	if err != nil {
		c.replyFailure(id, err)
		return
	}
	c.replyResult(id, data)
}

func (c *client) sendError(code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	c.reply(msg)
}

// readPump reads frames until the connection fails, handing each one to
// onText or onBinary. Frames of one connection are handled one at a time,
// in order.
func (c *client) readPump(onText func([]byte), onBinary func([]byte)) {
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		kind, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket read error", logging.KeyConnID, c.id, logging.KeyError, err)
			}
			return
		}

		switch kind {
		case websocket.TextMessage:
			c.guard(func() { onText(message) })
		case websocket.BinaryMessage:
			if onBinary == nil {
				c.sendError(protocol.ErrInvalidMessage, "binary frames are not accepted on this connection")
				continue
			}
			c.guard(func() { onBinary(message) })
		}
		// Handlers may wait on consent or a slow consumer.
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	}
}

// guard keeps a handler panic from taking the connection down.
func (c *client) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panic", "role", c.role, logging.KeyConnID, c.id, "panic", r)
			c.sendError(protocol.ErrInternal, "internal error")
		}
	}()
	fn()
}

// goGuard runs fn in its own goroutine under guard.
func (c *client) goGuard(fn func()) {
	go c.guard(fn)
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case out := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(out.kind, out.data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// serve runs the pumps until the connection ends, then calls disconnect.
func (s *Server) serve(c *client, onText func([]byte), onBinary func([]byte), disconnect func()) {
	go c.writePump()
	defer func() {
		c.close()
		s.Clients.remove(c)
		c.guard(disconnect)
		log.Debug("connection closed", "role", c.role, logging.KeyConnID, c.id)
	}()
	c.readPump(onText, onBinary)
}

// parse validates a text frame for the client's role, answering with an
// error message if it is malformed.
func (c *client) parse(raw []byte) (*protocol.Message, bool) {
	msg, err := protocol.ValidateClientMessage(c.role, raw)
	if err != nil {
		c.sendError(protocol.ErrInvalidMessage, err.Error())
		return nil, false
	}
	return msg, true
}

func decodeOr(c *client, msg *protocol.Message, v interface{}) bool {
	if err := msg.Decode(v); err != nil {
		c.sendError(protocol.ErrInvalidMessage, err.Error())
		return false
	}
	return true
}
