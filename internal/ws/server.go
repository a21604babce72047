package ws

import (
	"context"
	"errors"
	"log"
	"net/http"

	"droidtour/internal/auth"

	"github.com/gorilla/websocket"
)

const maxMessageBytes = 64 << 10

type Server struct {
	ctx      context.Context
	auth     *auth.AuthService
	config   Config
	upgrader *websocket.Upgrader
}

// NewServer returns the websocket endpoint. Connections end when ctx is done.
func NewServer(ctx context.Context, auth *auth.AuthService, config Config) *Server {
	return &Server{
		ctx:    ctx,
		auth:   auth,
		config: config,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Mobile clients do not send a browser origin.
				return true
			},
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, err := s.auth.Authenticate(auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(r.Context(), cancel)
	defer stop()

	err = NewConnection(conn, user, s.config).Handle(ctx)
	if err != nil && !isClosed(err) {
		log.Printf("websocket connection of %s ended: %v", user.ID, err)
	}
}

func isClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent)
}
