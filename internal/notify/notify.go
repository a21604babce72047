package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"droidtour/internal/models"
	"droidtour/internal/presence"
	"droidtour/internal/rtdb"

	"github.com/SherClockHolmes/webpush-go"
)

const (
	// pushTTL is how long, in seconds, the push service keeps an undelivered notification.
	pushTTL      = 60 * 60
	maxBodyChars = 120
)

var ErrDisabled = errors.New("web push is not configured")

// Subscription is the browser/app PushSubscription JSON.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

type storedSubscription struct {
	Endpoint  string `msgpack:"endpoint"`
	P256dh    string `msgpack:"p256dh"`
	Auth      string `msgpack:"auth"`
	CreatedAt int64  `msgpack:"createdAt"`
}

// Payload is the JSON body delivered to the receiver's device.
type Payload struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	SenderID       string `json:"senderId"`
	Title          string `json:"title"`
	Body           string `json:"body"`
}

type Config struct {
	DB              *rtdb.DB
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	// HTTPClient overrides the client used to reach push services.
	HTTPClient webpush.HTTPClient
}

// WebPush alerts receivers who are offline when a message arrives.
type WebPush struct {
	db         *rtdb.DB
	publicKey  string
	privateKey string
	subscriber string
	client     webpush.HTTPClient
}

func New(cfg Config) (*WebPush, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, ErrDisabled
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &WebPush{
		db:         cfg.DB,
		publicKey:  cfg.VAPIDPublicKey,
		privateKey: cfg.VAPIDPrivateKey,
		subscriber: cfg.Subscriber,
		client:     client,
	}, nil
}

// PublicKey is handed to clients so they can subscribe.
func (w *WebPush) PublicKey() string {
	return w.publicKey
}

func subscriptionKey(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return hex.EncodeToString(sum[:16])
}

func subscriptionsPath(userID string) string {
	return models.PushSubscriptionsPath + "/" + userID
}

// SaveSubscription stores sub for userID. Saving the same endpoint again
// replaces the previous keys.
func (w *WebPush) SaveSubscription(ctx context.Context, userID string, sub Subscription) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", models.ErrInvalidArgument)
	}
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return "", fmt.Errorf("%w: endpoint and keys are required", models.ErrInvalidArgument)
	}

	key := subscriptionKey(sub.Endpoint)
	err := w.db.Set(ctx, subscriptionsPath(userID)+"/"+key, map[string]any{
		"endpoint":  sub.Endpoint,
		"p256dh":    sub.Keys.P256dh,
		"auth":      sub.Keys.Auth,
		"createdAt": rtdb.ServerTimestamp,
	})
	if err != nil {
		return "", fmt.Errorf("failed to save push subscription: %w", err)
	}
	return key, nil
}

func (w *WebPush) RemoveSubscription(ctx context.Context, userID, key string) error {
	return w.db.Remove(ctx, subscriptionsPath(userID)+"/"+key)
}

// NotifyMessage pushes msg to every device of its receiver unless the
// receiver is online.
func (w *WebPush) NotifyMessage(ctx context.Context, msg models.Message) error {
	if msg.ReceiverID == "" {
		return nil
	}

	p, err := presence.Get(ctx, w.db, msg.ReceiverID)
	if err != nil {
		return err
	}
	if p.IsOnline {
		return nil
	}

	subs, err := w.db.Get(ctx, subscriptionsPath(msg.ReceiverID))
	if err != nil {
		return err
	}
	if !subs.Exists() {
		return nil
	}

	payload, err := json.Marshal(newPayload(msg))
	if err != nil {
		return err
	}

	var errs []error
	for _, child := range subs.Children() {
		var s storedSubscription
		if err := child.Decode(&s); err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", child.Key(), err))
			continue
		}
		if err := w.send(ctx, msg.ReceiverID, child.Key(), s, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *WebPush) send(ctx context.Context, userID, key string, s storedSubscription, payload []byte) error {
	sub := &webpush.Subscription{
		Endpoint: s.Endpoint,
		Keys: webpush.Keys{
			P256dh: s.P256dh,
			Auth:   s.Auth,
		},
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, sub, &webpush.Options{
		HTTPClient:      w.client,
		Subscriber:      w.subscriber,
		VAPIDPublicKey:  w.publicKey,
		VAPIDPrivateKey: w.privateKey,
		TTL:             pushTTL,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return fmt.Errorf("push to %s failed: %w", key, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		slog.Info("dropping expired push subscription", "user_id", userID, "subscription", key)
		return w.RemoveSubscription(ctx, userID, key)
	case resp.StatusCode >= 300:
		return fmt.Errorf("push to %s rejected: %s", key, resp.Status)
	}
	return nil
}

func newPayload(msg models.Message) Payload {
	body := []rune(msg.PreviewText())
	if len(body) > maxBodyChars {
		body = append(body[:maxBodyChars-1], '…')
	}
	title := msg.SenderName
	if title == "" {
		title = msg.SenderID
	}
	return Payload{
		Type:           "message",
		ConversationID: msg.ConversationID,
		MessageID:      msg.MessageID,
		SenderID:       msg.SenderID,
		Title:          title,
		Body:           string(body),
	}
}
