// Package http exposes the WebSocket gateway. A session owns exactly one
// socket and holds nothing but its identity and the id of the room it is in;
// all game state lives behind the room actor.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"quiz-arena-service/internal/auth"
	"quiz-arena-service/internal/domain"
	"quiz-arena-service/internal/game"
	"quiz-arena-service/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	maxMessageSize = 8 << 10
	sendBufferSize = 64
)

// Gateway upgrades HTTP requests to sockets and routes decoded messages into
// the room registry.
type Gateway struct {
	registry *game.Registry
	verifier auth.Verifier
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewGateway(registry *game.Registry, verifier auth.Verifier, logger *zap.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With(zap.String("component", "gateway")),
	}
}

// Routes builds the HTTP mux for the gateway.
func (g *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.ServeWS)
	mux.HandleFunc("/healthz", g.handleHealth)
	return mux
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"rooms":  g.registry.Len(),
	})
}

// ServeWS authenticates the request, upgrades it and runs the session until
// the socket closes.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := g.verifier.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	s := &session{
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		closed:   make(chan struct{}),
		logger:   g.logger.With(zap.String("user_id", identity.UserID)),
	}
	go s.writePump()
	s.readLoop(g)
}

// session is one live socket. It implements game.Connection; the room actor
// calls Send and Close, the read loop runs on the HTTP handler goroutine.
type session struct {
	identity auth.Identity
	conn     *websocket.Conn
	send     chan []byte
	closed   chan struct{}
	once     sync.Once
	logger   *zap.Logger

	mu     sync.Mutex
	roomID string
}

func (s *session) UserID() string { return s.identity.UserID }

// Send encodes and enqueues a message for the write pump. It never blocks:
// a client too slow to drain its buffer is disconnected rather than allowed
// to stall a room broadcast.
func (s *session) Send(msg *protocol.Message) error {
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	select {
	case s.send <- raw:
		return nil
	case <-s.closed:
		return errors.New("session closed")
	default:
		s.logger.Warn("send buffer full, dropping client")
		_ = s.Close()
		return errors.New("send buffer full")
	}
}

func (s *session) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *session) setRoom(roomID string) {
	s.mu.Lock()
	s.roomID = roomID
	s.mu.Unlock()
}

func (s *session) room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case raw := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				_ = s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.Close()
				return
			}
		case <-s.closed:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (s *session) readLoop(g *Gateway) {
	defer s.detach(g)

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			var malformed *protocol.MalformedError
			if errors.As(err, &malformed) {
				_ = s.Send(protocol.NewErrorMessage(protocol.CodeMalformedMessage, malformed.Reason))
				continue
			}
			_ = s.Send(protocol.NewErrorMessage(protocol.CodeMalformedMessage, "undecodable message"))
			continue
		}
		s.dispatch(g, msg)
	}
}

// detach runs when the socket dies for any reason: the member goes offline
// in its room and the write pump shuts down.
func (s *session) detach(g *Gateway) {
	if roomID := s.room(); roomID != "" {
		if room, ok := g.registry.RoomByID(roomID); ok {
			room.Leave(s.identity.UserID, "disconnected")
		}
	}
	_ = s.Close()
}

func (s *session) dispatch(g *Gateway, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeCreateRoom:
		s.handleCreateRoom(g, msg)
	case protocol.TypeJoin:
		s.handleJoin(g, msg)
	case protocol.TypePing:
		// Pre-join pings are answered here; in a room the actor echoes so
		// the pong reflects room liveness too.
		if room, ok := s.currentRoom(g); ok {
			room.Deliver(s.identity.UserID, msg)
			return
		}
		s.handlePing(msg)
	case protocol.TypeLeave:
		if room, ok := s.currentRoom(g); ok {
			room.Deliver(s.identity.UserID, msg)
		}
		s.setRoom("")
	case protocol.TypeStart, protocol.TypeAnswer, protocol.TypeKick:
		room, ok := s.currentRoom(g)
		if !ok {
			_ = s.Send(protocol.NewErrorMessage(protocol.CodeRoomNotFound, "not in a room"))
			return
		}
		room.Deliver(s.identity.UserID, msg)
	default:
		// Server-to-client types arriving inbound.
		_ = s.Send(protocol.NewErrorMessage(protocol.CodeMalformedMessage, "unexpected message type"))
	}
}

func (s *session) currentRoom(g *Gateway) (*game.Room, bool) {
	roomID := s.room()
	if roomID == "" {
		return nil, false
	}
	return g.registry.RoomByID(roomID)
}

func (s *session) handleCreateRoom(g *Gateway, msg *protocol.Message) {
	var payload protocol.CreateRoomPayload
	if err := msg.UnmarshalData(&payload); err != nil {
		_ = s.Send(protocol.NewErrorMessage(protocol.CodeMalformedMessage, "invalid create_room payload"))
		return
	}
	if payload.QuizID == "" {
		_ = s.Send(protocol.NewErrorMessage(protocol.CodeInvalidConfiguration, "quiz_id is required"))
		return
	}
	if s.room() != "" {
		_ = s.Send(protocol.NewErrorMessage(protocol.CodeInvalidConfiguration, "already in a room"))
		return
	}

	settings := domain.RoomSettings{}
	if payload.Settings != nil {
		settings = domain.RoomSettings{
			QuestionDurationMS: payload.Settings.QuestionDurationMS,
			AllowReconnect:     payload.Settings.AllowReconnect,
			ShowLeaderboard:    payload.Settings.ShowLeaderboard,
		}
	}

	// Room lifecycle outlives this request; detach it from the request ctx.
	room, err := g.registry.CreateRoom(context.Background(), s.identity.UserID, payload.QuizID, settings)
	if err != nil {
		_ = s.Send(protocol.NewErrorMessage(errorCode(err), "could not create room"))
		return
	}
	if err := room.Join(s.identity.UserID, s.identity.DisplayName, s); err != nil {
		_ = s.Send(protocol.NewErrorMessage(errorCode(err), err.Error()))
		room.Close()
		return
	}
	s.setRoom(room.ID)
}

func (s *session) handleJoin(g *Gateway, msg *protocol.Message) {
	var payload protocol.JoinPayload
	if err := msg.UnmarshalData(&payload); err != nil {
		_ = s.Send(protocol.NewErrorMessage(protocol.CodeMalformedMessage, "invalid join payload"))
		return
	}
	// One room per socket; joining another room while a membership is live
	// would leave the first room holding this connection forever.
	if s.room() != "" {
		_ = s.Send(protocol.NewErrorMessage(protocol.CodeInvalidConfiguration, "already in a room"))
		return
	}

	var (
		room *game.Room
		ok   bool
	)
	switch {
	case payload.PIN != "":
		room, ok = g.registry.RoomByPIN(payload.PIN)
	case msg.RoomID != nil:
		// Reconnect path: clients that already know their room skip the PIN.
		room, ok = g.registry.RoomByID(*msg.RoomID)
	}
	if !ok {
		_ = s.Send(protocol.NewErrorMessage(protocol.CodeRoomNotFound, "no room with that PIN"))
		return
	}

	displayName := payload.DisplayName
	if displayName == "" {
		displayName = s.identity.DisplayName
	}
	if err := room.Join(s.identity.UserID, displayName, s); err != nil {
		_ = s.Send(protocol.NewErrorMessage(errorCode(err), err.Error()))
		return
	}
	s.setRoom(room.ID)
}

func (s *session) handlePing(msg *protocol.Message) {
	var payload protocol.PingPayload
	_ = msg.UnmarshalData(&payload)
	pong, err := protocol.NewMessage(protocol.TypePong, protocol.PongPayload{Timestamp: payload.Timestamp})
	if err == nil {
		_ = s.Send(pong)
	}
}

// errorCode maps domain sentinels onto wire error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		return protocol.CodeRoomNotFound
	case errors.Is(err, domain.ErrQuizNotFound):
		return protocol.CodeInvalidConfiguration
	case errors.Is(err, domain.ErrRoomFull):
		return protocol.CodeRoomFull
	case errors.Is(err, domain.ErrUnauthorized):
		return protocol.CodeUnauthorized
	case errors.Is(err, domain.ErrDuplicateAnswer):
		return protocol.CodeDuplicateAnswer
	case errors.Is(err, domain.ErrTooLate):
		return protocol.CodeTooLate
	case errors.Is(err, domain.ErrInvalidConfiguration):
		return protocol.CodeInvalidConfiguration
	default:
		return protocol.CodeUpstreamUnavailable
	}
}
