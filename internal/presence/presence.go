package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"droidtour/internal/models"
	"droidtour/internal/rtdb"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	heartbeatTimeout         = 10 * time.Second
)

// Session is the connection-scoped capability used to register writes the
// store applies when the connection is lost.
type Session interface {
	OnDisconnectUpdate(path string, fields map[string]any) (*rtdb.DisconnectHook, error)
}

// Manager tracks the presence of the user on one connection.
type Manager struct {
	db       *rtdb.DB
	session  Session
	interval time.Duration

	mu            sync.Mutex
	userID        string
	hook          *rtdb.DisconnectHook
	stopHeartbeat context.CancelFunc
	heartbeatDone chan struct{}
}

func New(db *rtdb.DB, session Session, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Manager{
		db:       db,
		session:  session,
		interval: interval,
	}
}

func onlineFields() map[string]any {
	return map[string]any{
		"isOnline": true,
		"lastSeen": rtdb.ServerTimestamp,
		"status":   models.PresenceOnline,
	}
}

func offlineFields() map[string]any {
	return map[string]any{
		"isOnline": false,
		"lastSeen": rtdb.ServerTimestamp,
		"status":   models.PresenceOffline,
	}
}

// SetOnline marks userID online, registers the offline write for connection
// loss and starts the heartbeat. Calling it again for the same user only
// refreshes the record.
func (m *Manager) SetOnline(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", models.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.userID != "" && m.userID != userID {
		if err := m.goOffline(ctx, m.userID); err != nil {
			return err
		}
	}

	path := models.UserPresencePath(userID)
	if err := m.db.Update(ctx, path, onlineFields()); err != nil {
		return fmt.Errorf("failed to set %s online: %w", userID, err)
	}

	if m.hook == nil {
		hook, err := m.session.OnDisconnectUpdate(path, offlineFields())
		if err != nil {
			return fmt.Errorf("failed to register disconnect hook: %w", err)
		}
		m.hook = hook
	}

	m.userID = userID
	if m.stopHeartbeat == nil {
		hbCtx, cancel := context.WithCancel(context.Background())
		m.stopHeartbeat = cancel
		m.heartbeatDone = make(chan struct{})
		go m.heartbeat(hbCtx, path, m.heartbeatDone)
	}
	return nil
}

// SetOffline stops the heartbeat, writes the offline record and cancels the
// pending disconnect write.
func (m *Manager) SetOffline(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", models.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.goOffline(ctx, userID)
}

// Cleanup takes the tracked user offline, if any.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userID == "" {
		return nil
	}
	return m.goOffline(ctx, m.userID)
}

// Detach stops the heartbeat and forgets the tracked user without writing.
// It is used once the session is gone and its disconnect writes were applied.
func (m *Manager) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.haltHeartbeat()
	m.hook = nil
	m.userID = ""
}

// UserID returns the user currently tracked as online.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

func (m *Manager) goOffline(ctx context.Context, userID string) error {
	tracked := userID == m.userID
	if tracked {
		m.haltHeartbeat()
	}

	if err := m.db.Update(ctx, models.UserPresencePath(userID), offlineFields()); err != nil {
		return fmt.Errorf("failed to set %s offline: %w", userID, err)
	}

	if !tracked {
		return nil
	}
	if m.hook != nil {
		if err := m.hook.Cancel(); err != nil && !errors.Is(err, rtdb.ErrSessionClosed) {
			return fmt.Errorf("failed to cancel disconnect hook: %w", err)
		}
		m.hook = nil
	}
	m.userID = ""
	return nil
}

func (m *Manager) haltHeartbeat() {
	if m.stopHeartbeat == nil {
		return
	}
	m.stopHeartbeat()
	<-m.heartbeatDone
	m.stopHeartbeat = nil
	m.heartbeatDone = nil
}

func (m *Manager) heartbeat(ctx context.Context, path string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.beat(ctx, path)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) beat(ctx context.Context, path string) {
	ctx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	defer cancel()
	err := m.db.Update(ctx, path, map[string]any{"lastSeen": rtdb.ServerTimestamp})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("heartbeat failed", "path", path, "error", err)
	}
}

// GetUserPresence reads the presence record of userID. A user without a
// record is reported offline.
func (m *Manager) GetUserPresence(ctx context.Context, userID string) (models.Presence, error) {
	return Get(ctx, m.db, userID)
}

// ListenToPresence calls handler with the presence of userID now and on
// every change.
func (m *Manager) ListenToPresence(userID string, handler func(models.Presence)) (*rtdb.Subscription, error) {
	return Listen(m.db, userID, handler)
}

// Get reads a presence record without a connection-scoped manager.
func Get(ctx context.Context, db *rtdb.DB, userID string) (models.Presence, error) {
	if userID == "" {
		return models.Presence{}, fmt.Errorf("%w: user id is required", models.ErrInvalidArgument)
	}
	snap, err := db.Get(ctx, models.UserPresencePath(userID))
	if err != nil {
		return models.Presence{}, err
	}
	return decode(userID, snap), nil
}

func Listen(db *rtdb.DB, userID string, handler func(models.Presence)) (*rtdb.Subscription, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", models.ErrInvalidArgument)
	}
	return db.Subscribe(db.Query(models.UserPresencePath(userID)), rtdb.EventValue, func(e rtdb.Event) {
		handler(decode(userID, e.Snapshot))
	})
}

func decode(userID string, snap rtdb.Snapshot) models.Presence {
	if !snap.Exists() {
		return models.OfflinePresence(userID)
	}
	var p models.Presence
	if err := snap.Decode(&p); err != nil {
		slog.Warn("malformed presence record", "user_id", userID, "error", err)
		return models.OfflinePresence(userID)
	}
	p.UserID = userID
	if p.Status == "" {
		p.Status = models.PresenceOffline
		if p.IsOnline {
			p.Status = models.PresenceOnline
		}
	}
	return p
}
