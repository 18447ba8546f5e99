package ws

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"harbor/internal/constants"
	"harbor/internal/models"
)

// SessionState is the lifecycle state of a socket.
type SessionState int32

const (
	SessionStateConnected     SessionState = iota // socket open, awaiting auth
	SessionStateAuthenticated                     // identity attached, processing frames
	SessionStateClosing                           // shutdown initiated
	SessionStateClosed                            // terminal
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer
	pongWait = 15 * time.Second

	// Ping cadence. Must be less than pongWait
	pingPeriod = 10 * time.Second

	// Maximum inbound frame size (SDP payloads are large)
	maxFrameSize = 65536

	// Maximum message content length in characters
	maxMessageContentLength = 4000
)

// Session is the per-socket context. Identity and voice fields are guarded
// by the hub mutex after auth; limiter fields belong to the read pump alone.
type Session struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	state         atomic.Int32
	connCloseOnce sync.Once
	droppedFrames atomic.Int64

	// Identity snapshot, guarded by hub.mu
	userID       string
	username     string
	avatarURL    string
	role         models.Role
	presence     string
	lastActivity time.Time
	joined       map[string]struct{}
	activeVoice  string

	// Signaling window, read pump only
	signalWindowStart time.Time
	signalCount       int
	signalNotified    bool
}

func NewSession(hub *Hub, conn *websocket.Conn) *Session {
	s := &Session{
		ID:       uuid.New().String(),
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, constants.WSClientSendBufferSize),
		presence: "online",
		joined:   make(map[string]struct{}),
	}
	s.state.Store(int32(SessionStateConnected))
	return s
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) IsAuthenticated() bool {
	return s.State() == SessionStateAuthenticated
}

func (s *Session) IsClosed() bool {
	state := s.State()
	return state == SessionStateClosing || state == SessionStateClosed
}

func isValidSessionTransition(from, to SessionState) bool {
	switch from {
	case SessionStateConnected:
		return to == SessionStateAuthenticated || to == SessionStateClosing
	case SessionStateAuthenticated:
		return to == SessionStateClosing
	case SessionStateClosing:
		return to == SessionStateClosed
	case SessionStateClosed:
		return false
	}
	return false
}

// transitionTo atomically moves to a new state if the transition is valid.
func (s *Session) transitionTo(newState SessionState) bool {
	for {
		current := SessionState(s.state.Load())
		if !isValidSessionTransition(current, newState) {
			return false
		}
		if s.state.CompareAndSwap(int32(current), int32(newState)) {
			return true
		}
	}
}

// Close tears down the socket, at most once.
func (s *Session) Close() {
	if !s.transitionTo(SessionStateClosing) {
		s.connCloseOnce.Do(func() { s.conn.Close() })
		return
	}
	s.connCloseOnce.Do(func() { s.conn.Close() })
	s.transitionTo(SessionStateClosed)
}

// enqueue hands a materialized frame to the write pump without blocking.
// Slow clients accumulate drops and are disconnected past the threshold.
func (s *Session) enqueue(frame []byte) {
	if s.IsClosed() {
		return
	}
	select {
	case s.send <- frame:
	default:
		dropped := s.droppedFrames.Add(1)
		if dropped >= constants.MaxDroppedFramesBeforeDisconnect {
			slog.Warn("disconnecting slow client", "component", "ws",
				"session_id", s.ID, "dropped", dropped)
			s.Close()
		}
	}
}

// sendFrame marshals and enqueues a single-recipient frame.
func (s *Session) sendFrame(kind string, payload any) {
	frame, err := marshalFrame(kind, payload)
	if err != nil {
		slog.Error("encoding frame", "component", "ws", "kind", kind, "error", err)
		return
	}
	s.enqueue(frame)
}

func (s *Session) sendError(code, message string) {
	s.sendFrame(KindError, ErrorPayload{Code: code, Message: message})
}

// ReadPump drains inbound frames until the socket closes, then unwinds the
// session through the hub.
func (s *Session) ReadPump() {
	defer func() {
		s.hub.handleDisconnect(s)
		s.Close()
	}()

	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("websocket read error", "component", "ws", "session_id", s.ID, "error", err)
			}
			return
		}
		s.hub.HandleFrame(s, raw)
	}
}

// WritePump is the only writer on the socket.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			if s.IsClosed() {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			if s.IsClosed() {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
