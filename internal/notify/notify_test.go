package notify

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"droidtour/internal/models"
	"droidtour/internal/rtdb"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/require"
)

func newSubscription(t *testing.T, endpoint string) Subscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	secret := make([]byte, 16)
	_, err = rand.Read(secret)
	require.NoError(t, err)

	var sub Subscription
	sub.Endpoint = endpoint
	sub.Keys.P256dh = base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes())
	sub.Keys.Auth = base64.RawURLEncoding.EncodeToString(secret)
	return sub
}

func setup(t *testing.T, status int) (*WebPush, *rtdb.DB, *httptest.Server, *atomic.Int32) {
	t.Helper()
	db, err := rtdb.Open(filepath.Join(t.TempDir(), "push.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	priv, pub, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)

	wp, err := New(Config{
		DB:              db,
		VAPIDPublicKey:  pub,
		VAPIDPrivateKey: priv,
		Subscriber:      "ops@droidtour.example",
		HTTPClient:      srv.Client(),
	})
	require.NoError(t, err)
	return wp, db, srv, &hits
}

func message() models.Message {
	return models.Message{
		ConversationID: "client_1_company_1",
		MessageID:      "m1",
		SenderID:       "company_1",
		SenderName:     "Andes Tours",
		ReceiverID:     "client_1",
		MessageText:    "Your tour starts at 9",
	}
}

func TestNotifyMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("OfflineReceiver", func(t *testing.T) {
		wp, _, srv, hits := setup(t, http.StatusCreated)
		_, err := wp.SaveSubscription(ctx, "client_1", newSubscription(t, srv.URL+"/a"))
		require.NoError(t, err)
		_, err = wp.SaveSubscription(ctx, "client_1", newSubscription(t, srv.URL+"/b"))
		require.NoError(t, err)

		require.NoError(t, wp.NotifyMessage(ctx, message()))
		require.Equal(t, int32(2), hits.Load())
	})

	t.Run("OnlineReceiverSkipped", func(t *testing.T) {
		wp, db, srv, hits := setup(t, http.StatusCreated)
		_, err := wp.SaveSubscription(ctx, "client_1", newSubscription(t, srv.URL))
		require.NoError(t, err)
		require.NoError(t, db.Set(ctx, models.UserPresencePath("client_1"), map[string]any{
			"isOnline": true,
			"status":   models.PresenceOnline,
		}))

		require.NoError(t, wp.NotifyMessage(ctx, message()))
		require.Zero(t, hits.Load())
	})

	t.Run("GoneSubscriptionRemoved", func(t *testing.T) {
		wp, db, srv, _ := setup(t, http.StatusGone)
		_, err := wp.SaveSubscription(ctx, "client_1", newSubscription(t, srv.URL))
		require.NoError(t, err)

		require.NoError(t, wp.NotifyMessage(ctx, message()))
		subs, err := db.Get(ctx, subscriptionsPath("client_1"))
		require.NoError(t, err)
		require.False(t, subs.Exists())
	})

	t.Run("Rejected", func(t *testing.T) {
		wp, _, srv, _ := setup(t, http.StatusBadRequest)
		_, err := wp.SaveSubscription(ctx, "client_1", newSubscription(t, srv.URL))
		require.NoError(t, err)
		require.Error(t, wp.NotifyMessage(ctx, message()))
	})

	t.Run("NoSubscriptions", func(t *testing.T) {
		wp, _, _, hits := setup(t, http.StatusCreated)
		require.NoError(t, wp.NotifyMessage(ctx, message()))
		require.Zero(t, hits.Load())
	})
}

func TestSaveSubscription(t *testing.T) {
	ctx := context.Background()
	wp, db, srv, _ := setup(t, http.StatusCreated)

	sub := newSubscription(t, srv.URL)
	k1, err := wp.SaveSubscription(ctx, "client_1", sub)
	require.NoError(t, err)
	k2, err := wp.SaveSubscription(ctx, "client_1", newSubscription(t, srv.URL))
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	subs, err := db.Get(ctx, subscriptionsPath("client_1"))
	require.NoError(t, err)
	require.Len(t, subs.Children(), 1)

	_, err = wp.SaveSubscription(ctx, "client_1", Subscription{})
	require.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestDisabled(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrDisabled)
}

func TestPayloadTruncation(t *testing.T) {
	msg := message()
	msg.MessageText = string(make([]rune, 300))
	require.Len(t, []rune(newPayload(msg).Body), maxBodyChars)

	msg.SetAttachment(models.Attachment{Type: models.AttachmentTypeImage, Name: "x.png"})
	require.Equal(t, "Image", newPayload(msg).Body)
}
