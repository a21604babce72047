package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"droidtour/internal/content"
	"droidtour/internal/models"

	"github.com/c-pro/geche"
	"golang.org/x/crypto/bcrypt"
)

const DefaultTokenExpiry = 24 * time.Hour

var ErrUnauthorized = errors.New("unauthorized")

type TokenRequest struct {
	UserID      string      `json:"userId"`
	DisplayName string      `json:"displayName"`
	Role        models.Role `json:"role"`
}

type TokenResponse struct {
	Success     bool        `json:"success"`
	Message     string      `json:"message,omitempty"`
	Token       string      `json:"token,omitempty"`
	TokenExpiry int64       `json:"tokenExpiry,omitempty"`
	User        models.User `json:"user"`
}

type Config struct {
	TokenExpiry time.Duration
	// AdminPasswordHash is a bcrypt hash. Admin endpoints are open when empty.
	AdminPasswordHash string
}

func (c *Config) Validate() error {
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	if c.TokenExpiry < 0 {
		return errors.New("token expiry must be positive")
	}
	if c.AdminPasswordHash != "" {
		if _, err := bcrypt.Cost([]byte(c.AdminPasswordHash)); err != nil {
			return fmt.Errorf("admin password hash is not a bcrypt hash: %w", err)
		}
	}
	return nil
}

// AuthService issues bearer tokens and resolves them to users.
type AuthService struct {
	Config
	liveTokens geche.Geche[string, models.User]
	now        func() time.Time
}

func NewAuthService(ctx context.Context, config Config) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:     config,
		liveTokens: geche.NewMapTTLCache[string, models.User](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}, nil
}

// IssueToken creates a token for user valid for TokenExpiry.
func (as *AuthService) IssueToken(req TokenRequest) (TokenResponse, error) {
	if err := content.ValidateID(req.UserID); err != nil {
		return TokenResponse{}, fmt.Errorf("%w: %v", models.ErrInvalidArgument, err)
	}
	if !req.Role.Valid() {
		return TokenResponse{}, fmt.Errorf("%w: unknown role %q", models.ErrInvalidArgument, req.Role)
	}

	user := models.User{
		ID:          req.UserID,
		DisplayName: content.SanitizeName(req.DisplayName),
		Role:        req.Role,
	}
	if user.DisplayName == "" {
		user.DisplayName = user.ID
	}

	token, err := as.generateToken()
	if err != nil {
		slog.Error("token generation failed", "user_id", user.ID, "error", err)
		return TokenResponse{}, err
	}
	as.liveTokens.Set(token, user)

	return TokenResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: as.now().Add(as.TokenExpiry).Unix(),
		User:        user,
	}, nil
}

// Authenticate returns the user owning token.
func (as *AuthService) Authenticate(token string) (models.User, error) {
	if token == "" {
		return models.User{}, ErrUnauthorized
	}
	user, err := as.liveTokens.Get(token)
	if err != nil {
		return models.User{}, ErrUnauthorized
	}
	return user, nil
}

func (as *AuthService) Revoke(token string) error {
	if _, err := as.liveTokens.Get(token); err != nil {
		return ErrUnauthorized
	}
	return as.liveTokens.Del(token)
}

// AdminAuthRequired reports whether admin endpoints need a password.
func (as *AuthService) AdminAuthRequired() bool {
	return as.AdminPasswordHash != ""
}

func (as *AuthService) CheckAdminPassword(password string) bool {
	if !as.AdminAuthRequired() {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(as.AdminPasswordHash), []byte(password)) == nil
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the token query parameter used by websocket clients.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
