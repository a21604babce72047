package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBFile               string
	AdminAddr            string
	APIAddr              string
	BaseURL              string
	UploadsPath          string
	TokenExpiry          time.Duration
	HeartbeatInterval    time.Duration
	MessagePageLimit     int
	MaxUploadBytes       int64
	AtomicUnreadCounters bool
	AdminPasswordHash    string
	// AdminPassword is the plain password the CLI sends to the admin API.
	AdminPassword        string
	VAPIDPublicKey       string
	VAPIDPrivateKey      string
	VAPIDSubscriber      string
}

// Load reads the configuration from the environment. Variables from a .env
// file in the working directory are used when not already set.
func Load(cliMode bool) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, fmt.Errorf("TOKEN_EXPIRY: %w", err)
	}
	heartbeat, err := time.ParseDuration(getEnv("HEARTBEAT_INTERVAL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("HEARTBEAT_INTERVAL: %w", err)
	}
	pageLimit, err := strconv.Atoi(getEnv("MESSAGE_PAGE_LIMIT", "50"))
	if err != nil {
		return nil, fmt.Errorf("MESSAGE_PAGE_LIMIT: %w", err)
	}
	maxUpload, err := strconv.ParseInt(getEnv("MAX_UPLOAD_BYTES", "10485760"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("MAX_UPLOAD_BYTES: %w", err)
	}
	atomicCounters, err := strconv.ParseBool(getEnv("ATOMIC_UNREAD_COUNTERS", "false"))
	if err != nil {
		return nil, fmt.Errorf("ATOMIC_UNREAD_COUNTERS: %w", err)
	}

	cfg := &Config{
		DBFile:               getEnv("DROIDTOUR_DB", "droidtour.db"),
		AdminAddr:            getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:              getEnv("API_ADDR", ":8080"),
		BaseURL:              getEnv("BASE_URL", "http://localhost:8080"),
		UploadsPath:          getEnv("UPLOADS_PATH", "uploads"),
		TokenExpiry:          tokenExpiry,
		HeartbeatInterval:    heartbeat,
		MessagePageLimit:     pageLimit,
		MaxUploadBytes:       maxUpload,
		AtomicUnreadCounters: atomicCounters,
		AdminPasswordHash:    os.Getenv("ADMIN_PASSWORD_HASH"),
		AdminPassword:        os.Getenv("ADMIN_PASSWORD"),
		VAPIDPublicKey:       os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:      os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubscriber:      getEnv("VAPID_SUBSCRIBER", "ops@droidtour.example"),
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the loaded values. The CLI only needs the admin address.
func (c *Config) Validate(cliMode bool) error {
	if c.AdminAddr == "" {
		return fmt.Errorf("ADMIN_ADDR is required")
	}
	if cliMode {
		return nil
	}

	if c.DBFile == "" {
		return fmt.Errorf("DROIDTOUR_DB is required")
	}
	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be greater than 0")
	}
	if c.MessagePageLimit <= 0 {
		return fmt.Errorf("MESSAGE_PAGE_LIMIT must be greater than 0")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be greater than 0")
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

// PushEnabled reports whether web push keys are configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
