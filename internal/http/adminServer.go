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

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAdminServer(authService *auth.AuthService, hub *ws.Hub, addr string) *AdminServer {
	adminHandler := api.NewAdminHandler(authService, hub)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/tokens", api.RequireAdmin(authService, adminHandler.IssueTokenHandler))
	mux.HandleFunc("DELETE /admin/tokens", api.RequireAdmin(authService, adminHandler.RevokeTokenHandler))

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *AdminServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *AdminServer) Start() error {
	log.Printf("Admin API started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
