package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"droidtour/internal/auth"
	"droidtour/internal/filestore"
	"droidtour/internal/models"
)

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type userKey struct{}

// UserFromContext returns the user attached by RequireAuth.
func UserFromContext(ctx context.Context) (models.User, bool) {
	u, ok := ctx.Value(userKey{}).(models.User)
	return u, ok
}

// RequireAuth rejects requests without a valid bearer token.
func RequireAuth(authService *auth.AuthService, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := authService.Authenticate(auth.TokenFromRequest(r))
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	}
}

// RequireAdmin checks the basic auth password when one is configured.
func RequireAdmin(authService *auth.AuthService, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if authService.AdminAuthRequired() {
			_, password, ok := r.BasicAuth()
			if !ok || !authService.CheckAdminPassword(password) {
				w.Header().Set("WWW-Authenticate", `Basic realm="droidtour-admin"`)
				writeError(w, auth.ErrUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, filestore.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
		message = "internal error"
	}
	writeJSON(w, status, APIResponse{Success: false, Message: message})
}
