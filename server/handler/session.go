package handler

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"whiteboard/model"
	"whiteboard/server/config"
	"whiteboard/server/room"
)

// Session is the server side of one connection. It owns the user record
// for the connection and the id of the room it joined.
type Session struct {
	registry *room.Registry
	roomID   string
	user     model.User
	conn     *websocket.Conn
	cfg      config.Config
	limiter  *rate.Limiter
	log      *slog.Logger

	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	closeStatus int
}

func newSession(registry *room.Registry, roomID string, user model.User, conn *websocket.Conn, cfg config.Config, log *slog.Logger) *Session {
	return &Session{
		registry: registry,
		roomID:   roomID,
		user:     user,
		conn:     conn,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		log:      log.With("room", roomID, "user", user.ID, "name", user.Name),
		send:     make(chan []byte, cfg.SendBuffer),
		done:     make(chan struct{}),
	}
}

// Send implements room.Member.
func (s *Session) Send(p []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- p:
		return true
	default:
		return false
	}
}

// Close implements room.Member. The writer sends a close frame telling the
// client whether it may come back, then closes the socket, which ends the
// read loop and with it the session.
func (s *Session) Close(reason room.CloseReason) {
	s.closeWith(closeCode(reason))
}

func (s *Session) closeWith(code int) {
	s.closeOnce.Do(func() {
		s.closeStatus = code
		close(s.done)
	})
}

// closeCode maps why the room dropped a member to a websocket close code.
// Clients reconnect after anything but a normal closure.
func closeCode(reason room.CloseReason) int {
	if reason == room.ReasonSlow {
		return websocket.CloseTryAgainLater
	}
	return websocket.CloseNormalClosure
}

func (s *Session) serve() {
	written := make(chan struct{})
	go func() {
		defer close(written)
		s.writePump()
	}()

	s.OnJoin()
	s.readPump()
	s.OnDisconnect()

	s.closeWith(websocket.CloseNormalClosure)
	<-written
}

func (s *Session) OnJoin() {
	s.registry.Join(s.roomID, s.user, s)
	s.log.Info("joined")
}

// OnEvent applies one decoded client message to the session's room.
func (s *Session) OnEvent(msg model.Message) error {
	r, ok := s.registry.Get(s.roomID)
	if !ok {
		return room.ErrRoomNotFound
	}
	return r.Apply(s.user, msg)
}

// OnDisconnect runs the leave sequence. The registry removes the user,
// announces it and drops the room if it is empty, as one step.
func (s *Session) OnDisconnect() {
	removed := s.registry.Leave(s.roomID, s.user.ID)
	s.log.Info("left", "removed", removed)
}

func (s *Session) readPump() {
	s.conn.SetReadLimit(s.cfg.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, p, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("read failed", "err", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		msg, err := model.Decode(p)
		if err != nil {
			s.log.Warn("dropping malformed message", "err", err)
			continue
		}

		if throttled(msg) && !s.limiter.Allow() {
			s.log.Warn("rate limit exceeded, dropping message", "event", msg.Event())
			continue
		}

		if err := s.OnEvent(msg); err != nil {
			if errors.Is(err, room.ErrRoomNotFound) {
				s.log.Error("room vanished while attached", "event", msg.Event())
				return
			}
			s.log.Warn("dropping message", "event", msg.Event(), "err", err)
		}
	}
}

// throttled reports whether msg counts against the inbound rate limit.
// Only in-flight updates do: peers catch up on the next one, while a lost
// completion, deletion or clear would never be repaired.
func throttled(msg model.Message) bool {
	switch msg.(type) {
	case model.StrokeStarted, model.StrokeUpdated:
		return true
	}
	return false
}

func (s *Session) writePump() {
	ping := time.NewTicker(s.cfg.PongTimeout * 9 / 10)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case p := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, p); err != nil {
				s.log.Warn("write failed", "err", err)
				s.closeWith(websocket.CloseAbnormalClosure)
				return
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.closeWith(websocket.CloseAbnormalClosure)
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(s.closeStatus, ""),
				time.Now().Add(s.cfg.WriteTimeout))
			return
		}
	}
}
