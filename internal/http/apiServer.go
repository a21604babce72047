package http

import (
	"context"
	"log"
	"net/http"
	"sync"

	"droidtour/internal/api"
	"droidtour/internal/auth"
	"droidtour/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(authService *auth.AuthService, handlers *api.API, chatServer *ws.Server, addr string) *APIServer {
	mux := http.NewServeMux()
	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return api.RequireAuth(authService, h)
	}

	mux.HandleFunc("GET /api/me", authed(handlers.MeHandler))
	mux.HandleFunc("POST /api/conversations", authed(handlers.OpenConversationHandler))
	mux.HandleFunc("GET /api/conversations", authed(handlers.ListConversationsHandler))
	mux.HandleFunc("GET /api/conversations/{id}", authed(handlers.GetConversationHandler))
	mux.HandleFunc("GET /api/conversations/{id}/messages", authed(handlers.MessagesHandler))
	mux.HandleFunc("POST /api/conversations/{id}/read", authed(handlers.MarkReadHandler))
	mux.HandleFunc("GET /api/presence/{userId}", authed(handlers.PresenceHandler))
	mux.HandleFunc("POST /api/attachments", authed(handlers.UploadAttachmentHandler))
	mux.HandleFunc("GET /api/attachments/{hash}", authed(handlers.GetAttachmentHandler))
	mux.HandleFunc("POST /api/push-subscriptions", authed(handlers.PushSubscriptionHandler))

	// WebSocket endpoint
	mux.HandleFunc("/api/chat", chatServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Handler exposes the routes for in-process tests.
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
