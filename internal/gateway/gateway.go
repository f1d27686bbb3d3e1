/**
 * @description
 * This file implements the session gateway: one websocket connection per
 * logical client session. The gateway authenticates the caller once at
 * handshake time, registers the session with the event bus under the
 * caller's user id, pumps queued events onto the wire in arrival order, and
 * relays inbound action frames to the proposal and transaction engines.
 *
 * Reconnection is stateless: a reconnecting client receives no replay of
 * missed events and is expected to re-fetch the conversations and
 * transactions it cares about over the REST surface.
 *
 * @dependencies
 * - github.com/gorilla/websocket: The websocket transport.
 * - internal/app, internal/bus, internal/domain: Engines, fan-out and models.
 */

package gateway

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/campusthrift/exchange-service/internal/app"
	"github.com/campusthrift/exchange-service/internal/bus"
)

// Authenticator validates the credential presented with the websocket
// handshake and yields the caller's user id.
type Authenticator interface {
	Authenticate(r *http.Request) (uuid.UUID, error)
}

// Options tunes a Gateway. Zero values fall back to defaults.
type Options struct {
	// IdleTimeout disconnects a session that sends no frame (including
	// pongs) within the window.
	IdleTimeout time.Duration
	// WriteTimeout bounds each outbound write.
	WriteTimeout time.Duration
}

const (
	defaultIdleTimeout  = 60 * time.Second
	defaultWriteTimeout = 10 * time.Second
	maxFrameBytes       = 32 * 1024
)

// Gateway upgrades HTTP requests to websocket sessions.
type Gateway struct {
	service *app.Service
	bus     *bus.Bus
	authn   Authenticator

	idleTimeout  time.Duration
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

// New creates a Gateway.
func New(service *app.Service, b *bus.Bus, authn Authenticator, opts Options) *Gateway {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Gateway{
		service:      service,
		bus:          b,
		authn:        authn,
		idleTimeout:  opts.IdleTimeout,
		writeTimeout: opts.WriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin enforcement belongs to the fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeWS authenticates and upgrades the connection, then runs the session's
// read and write pumps until disconnect or idle timeout.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, err := g.authn.Authenticate(r)
	if err != nil {
		log.Printf("level=warn component=gateway msg=\"handshake rejected\" err=%v", err)
		http.Error(w, "invalid or missing credential", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Printf("level=warn component=gateway msg=\"upgrade failed\" user_id=%s err=%v", userID, err)
		return
	}

	handle := g.bus.Register(userID)
	sess := &session{
		gateway: g,
		conn:    conn,
		handle:  handle,
		userID:  userID,
		out:     make(chan serverFrame, 8),
		done:    make(chan struct{}),
	}
	log.Printf("level=info component=gateway msg=\"session opened\" user_id=%s", userID)

	go sess.writePump()
	sess.readPump()
}

// session is one live connection. The read pump owns conn reads and session
// teardown; the write pump owns all conn writes.
type session struct {
	gateway *Gateway
	conn    *websocket.Conn
	handle  *bus.SessionHandle
	userID  uuid.UUID
	out     chan serverFrame
	done    chan struct{}
}

func (s *session) readPump() {
	defer s.close()

	g := s.gateway
	s.conn.SetReadLimit(maxFrameBytes)
	s.conn.SetReadDeadline(time.Now().Add(g.idleTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(g.idleTimeout))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("level=warn component=gateway msg=\"session read failed\" user_id=%s err=%v", s.userID, err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(g.idleTimeout))
		s.handleFrame(raw)
	}
}

func (s *session) writePump() {
	pingInterval := s.gateway.idleTimeout / 2
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case ev := <-s.handle.Events():
			s.conn.SetWriteDeadline(time.Now().Add(s.gateway.writeTimeout))
			if err := s.conn.WriteJSON(serverFrame{Type: ev.Type, Data: ev.Payload}); err != nil {
				log.Printf("level=warn component=gateway msg=\"session write failed\" user_id=%s err=%v", s.userID, err)
				return
			}
		case frame := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(s.gateway.writeTimeout))
			if err := s.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.gateway.writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// close deregisters the session and stops the write pump. In-flight engine
// calls are not cancelled: a confirm the server already accepted completes
// whether or not this session is still connected.
func (s *session) close() {
	s.gateway.bus.Deregister(s.handle)
	close(s.done)
	s.conn.Close()
	log.Printf("level=info component=gateway msg=\"session closed\" user_id=%s", s.userID)
}
