package presence

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"droidtour/internal/models"
	"droidtour/internal/rtdb"

	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *rtdb.DB {
	t.Helper()
	var tick atomic.Int64
	db, err := rtdb.Open(filepath.Join(t.TempDir(), "presence.db"), rtdb.WithClock(func() time.Time {
		return time.UnixMilli(1_700_000_000_000 + tick.Add(1))
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSetOnline(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	session := db.NewSession()
	m := New(db, session, time.Hour)
	defer m.Cleanup(ctx)

	require.NoError(t, m.SetOnline(ctx, "client_1"))
	require.NoError(t, m.SetOnline(ctx, "client_1"))

	all, err := db.Get(ctx, models.PresencePath)
	require.NoError(t, err)
	require.Len(t, all.Children(), 1)

	p, err := m.GetUserPresence(ctx, "client_1")
	require.NoError(t, err)
	require.True(t, p.IsOnline)
	require.Equal(t, models.PresenceOnline, p.Status)
	require.NotZero(t, p.LastSeen)
	require.Equal(t, 1, session.Pending())
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	m := New(db, db.NewSession(), 5*time.Millisecond)

	require.NoError(t, m.SetOnline(ctx, "client_1"))
	first, err := m.GetUserPresence(ctx, "client_1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, err := m.GetUserPresence(ctx, "client_1")
		return err == nil && p.LastSeen > first.LastSeen+2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.SetOffline(ctx, "client_1"))
	stopped, err := m.GetUserPresence(ctx, "client_1")
	require.NoError(t, err)
	require.False(t, stopped.IsOnline)

	time.Sleep(20 * time.Millisecond)
	after, err := m.GetUserPresence(ctx, "client_1")
	require.NoError(t, err)
	require.Equal(t, stopped.LastSeen, after.LastSeen)
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()

	t.Run("ConnectionLossWritesOffline", func(t *testing.T) {
		db := openDB(t)
		session := db.NewSession()
		m := New(db, session, time.Hour)

		require.NoError(t, m.SetOnline(ctx, "client_1"))
		require.NoError(t, session.Disconnect(ctx))

		p, err := Get(ctx, db, "client_1")
		require.NoError(t, err)
		require.False(t, p.IsOnline)
		require.Equal(t, models.PresenceOffline, p.Status)

		require.NoError(t, m.Cleanup(ctx))
	})

	t.Run("SetOfflineCancelsHook", func(t *testing.T) {
		db := openDB(t)
		old := db.NewSession()
		m := New(db, old, time.Hour)
		require.NoError(t, m.SetOnline(ctx, "client_1"))
		require.NoError(t, m.SetOffline(ctx, "client_1"))
		require.Zero(t, old.Pending())

		fresh := New(db, db.NewSession(), time.Hour)
		defer fresh.Cleanup(ctx)
		require.NoError(t, fresh.SetOnline(ctx, "client_1"))

		require.NoError(t, old.Disconnect(ctx))
		p, err := Get(ctx, db, "client_1")
		require.NoError(t, err)
		require.True(t, p.IsOnline)
	})

	t.Run("ClosedSession", func(t *testing.T) {
		db := openDB(t)
		session := db.NewSession()
		m := New(db, session, time.Hour)
		require.NoError(t, m.SetOnline(ctx, "client_1"))
		session.Close()
		require.NoError(t, m.SetOffline(ctx, "client_1"))
		require.Empty(t, m.UserID())
	})
}

func TestGetUserPresence(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	p, err := Get(ctx, db, "nobody")
	require.NoError(t, err)
	require.Equal(t, models.OfflinePresence("nobody"), p)

	_, err = Get(ctx, db, "")
	require.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestListenToPresence(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	m := New(db, db.NewSession(), time.Hour)

	updates := make(chan models.Presence, 10)
	sub, err := m.ListenToPresence("company_1", func(p models.Presence) {
		updates <- p
	})
	require.NoError(t, err)
	defer sub.Cancel()

	next := func() models.Presence {
		select {
		case p := <-updates:
			return p
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for presence")
		}
		return models.Presence{}
	}

	require.False(t, next().IsOnline)
	require.NoError(t, m.SetOnline(ctx, "company_1"))
	require.True(t, next().IsOnline)
	require.NoError(t, m.Cleanup(ctx))

	for {
		if p := next(); !p.IsOnline {
			break
		}
	}
}

func TestDetach(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	session := db.NewSession()
	m := New(db, session, time.Hour)

	require.NoError(t, m.SetOnline(ctx, "client_1"))
	require.NoError(t, session.Disconnect(ctx))
	m.Detach()
	require.Empty(t, m.UserID())

	p, err := Get(ctx, db, "client_1")
	require.NoError(t, err)
	require.False(t, p.IsOnline)
}
