package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"whiteboard/model"
	"whiteboard/server/config"
	"whiteboard/server/room"
)

var ErrInvalidJoin = errors.New("invalid join parameters")

// JoinParams are read from the handshake query string.
type JoinParams struct {
	RoomID   string
	UserName string
}

func parseJoin(r *http.Request) (JoinParams, error) {
	q := r.URL.Query()
	ids, ok := q["roomId"]
	if !ok || len(ids) != 1 {
		return JoinParams{}, fmt.Errorf("%w: roomId must be given exactly once", ErrInvalidJoin)
	}
	roomID := strings.TrimSpace(ids[0])
	if roomID == "" {
		return JoinParams{}, fmt.Errorf("%w: roomId is empty", ErrInvalidJoin)
	}
	return JoinParams{
		RoomID:   roomID,
		UserName: strings.TrimSpace(q.Get("userName")),
	}, nil
}

func newUpgrader(cfg config.Config) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Non-browser clients send no Origin header.
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(cfg.AllowedOrigins, origin)
		},
	}
}

// NewRouter wires the HTTP surface of the server.
func NewRouter(registry *room.Registry, cfg config.Config, log *slog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", HandleHealth(registry)).Methods(http.MethodGet)
	r.HandleFunc("/rooms", HandleRooms(registry)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/ws", HandleWebSocket(registry, cfg, log)).Methods(http.MethodGet, http.MethodOptions)
	r.Use(Logging(log), mux.CORSMethodMiddleware(r), CORS(cfg.AllowedOrigins))
	return r
}

// HandleWebSocket upgrades the connection and runs a session until the
// connection goes away.
func HandleWebSocket(registry *room.Registry, cfg config.Config, log *slog.Logger) http.HandlerFunc {
	upgrader := newUpgrader(cfg)

	return func(w http.ResponseWriter, r *http.Request) {
		params, err := parseJoin(r)
		if err != nil {
			log.Warn("rejecting connection", "remote", r.RemoteAddr, "err", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}

		id := uuid.NewString()
		name := params.UserName
		if name == "" {
			name = model.PlaceholderName(id)
		}
		user := model.User{
			ID:       id,
			Name:     name,
			Color:    model.ColorFor(name),
			IsActive: true,
			LastSeen: time.Now(),
		}

		s := newSession(registry, params.RoomID, user, conn, cfg, log)
		s.serve()
	}
}
