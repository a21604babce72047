package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"droidtour/internal/content"
	"droidtour/internal/models"
	"droidtour/internal/rtdb"
)

const (
	DefaultLimit  = 50
	notifyTimeout = 10 * time.Second
)

// Notifier is told about every stored message so the receiver can be alerted.
type Notifier interface {
	NotifyMessage(ctx context.Context, msg models.Message) error
}

type EventType string

const (
	MessageAdded   EventType = "added"
	MessageChanged EventType = "changed"
)

type MessageEvent struct {
	Type    EventType
	Message models.Message
}

type Config struct {
	DB       *rtdb.DB
	Notifier Notifier
	// DefaultLimit caps listen and load calls that pass no limit.
	DefaultLimit int
	// AtomicUnreadCounters increments unread counters inside a store
	// transaction instead of reading and writing them back.
	AtomicUnreadCounters bool
}

// Manager sends and receives messages and keeps conversation records in sync.
// It owns at most one live message subscription at a time.
type Manager struct {
	db             *rtdb.DB
	notifier       Notifier
	defaultLimit   int
	atomicCounters bool

	mux      sync.Mutex
	listener *rtdb.Subscription
}

func New(config Config) *Manager {
	limit := config.DefaultLimit
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Manager{
		db:             config.DB,
		notifier:       config.Notifier,
		defaultLimit:   limit,
		atomicCounters: config.AtomicUnreadCounters,
	}
}

// CreateOrGetConversation returns the conversation between a client and a
// company, creating it and its index entries on first use. The boolean
// reports whether this call created it.
func (m *Manager) CreateOrGetConversation(ctx context.Context, clientID, companyID, clientName, companyName string) (models.Conversation, bool, error) {
	for _, id := range []string{clientID, companyID} {
		if err := content.ValidateID(id); err != nil {
			return models.Conversation{}, false, fmt.Errorf("%w: %v", models.ErrInvalidArgument, err)
		}
	}
	if clientID == companyID {
		return models.Conversation{}, false, fmt.Errorf("%w: participants must differ", models.ErrInvalidArgument)
	}

	var (
		id       string
		created  bool
		existing models.Conversation
	)
	for _, candidate := range models.ConversationIDs(clientID, companyID) {
		var taken bool
		var err error
		created, taken, err = m.claimConversation(ctx, candidate, clientID, companyID, clientName, companyName, &existing)
		if err != nil {
			return models.Conversation{}, false, err
		}
		if !taken {
			id = candidate
			break
		}
	}
	if id == "" {
		return models.Conversation{}, false, fmt.Errorf("%w: no free conversation id for %s and %s", models.ErrConflict, clientID, companyID)
	}

	indexClient, indexCompany := clientID, companyID
	if !created {
		indexClient, indexCompany = existing.ClientID, existing.CompanyID
	}
	err := m.db.Update(ctx, "", map[string]any{
		models.ClientIndexPath(indexClient) + "/" + id:   true,
		models.CompanyIndexPath(indexCompany) + "/" + id: true,
	})
	if err != nil {
		return models.Conversation{}, false, fmt.Errorf("failed to index conversation %s: %w", id, err)
	}

	conv, err := m.GetConversation(ctx, id)
	if err != nil {
		return models.Conversation{}, false, err
	}
	return conv, created, nil
}

// claimConversation creates the record at id or loads it into existing.
// taken reports a record at id that belongs to a different pair.
func (m *Manager) claimConversation(ctx context.Context, id, clientID, companyID, clientName, companyName string, existing *models.Conversation) (created, taken bool, err error) {
	created, err = m.db.Transaction(ctx, models.ConversationPath(id), func(cur rtdb.Snapshot) (any, error) {
		taken = false
		if cur.Exists() {
			var conv models.Conversation
			if err := cur.Decode(&conv); err != nil {
				return nil, err
			}
			if !conv.HasParticipant(clientID) || !conv.HasParticipant(companyID) {
				taken = true
			}
			*existing = conv
			return nil, rtdb.ErrAbort
		}
		return map[string]any{
			"clientId":             clientID,
			"companyId":            companyID,
			"clientName":           content.SanitizeName(clientName),
			"companyName":          content.SanitizeName(companyName),
			"lastMessage":          "",
			"lastMessageTimestamp": 0,
			"lastMessageSenderId":  "",
			"unreadCountClient":    0,
			"unreadCountAdmin":     0,
			"createdAt":            rtdb.ServerTimestamp,
			"updatedAt":            rtdb.ServerTimestamp,
		}, nil
	})
	if err != nil {
		return false, false, fmt.Errorf("failed to create conversation %s: %w", id, err)
	}
	return created, taken, nil
}

func (m *Manager) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	if conversationID == "" {
		return models.Conversation{}, fmt.Errorf("%w: conversation id is required", models.ErrInvalidArgument)
	}
	snap, err := m.db.Get(ctx, models.ConversationPath(conversationID))
	if err != nil {
		return models.Conversation{}, err
	}
	if !snap.Exists() {
		return models.Conversation{}, models.ErrConversationNotFound
	}
	var conv models.Conversation
	if err := snap.Decode(&conv); err != nil {
		return models.Conversation{}, err
	}
	conv.ID = conversationID
	return conv, nil
}

// SendMessage stores msg in the conversation and then updates the
// conversation preview and the receiver's unread counter.
func (m *Manager) SendMessage(ctx context.Context, conversationID string, msg models.Message) (models.Message, error) {
	if conversationID == "" {
		return models.Message{}, fmt.Errorf("%w: conversation id is required", models.ErrInvalidArgument)
	}
	if msg.SenderID == "" {
		return models.Message{}, fmt.Errorf("%w: sender is required", models.ErrInvalidArgument)
	}
	msg.MessageText = content.Sanitize(msg.MessageText)
	if strings.TrimSpace(msg.MessageText) == "" && !msg.HasAttachment {
		return models.Message{}, fmt.Errorf("%w: message body is required", models.ErrInvalidArgument)
	}

	conv, err := m.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Message{}, err
	}
	if !conv.HasParticipant(msg.SenderID) {
		return models.Message{}, fmt.Errorf("%w: %s is not part of %s", models.ErrInvalidArgument, msg.SenderID, conversationID)
	}

	receiverID, receiverName := conv.Counterpart(msg.SenderID)
	msg.ReceiverID = receiverID
	if msg.ReceiverName == "" {
		msg.ReceiverName = receiverName
	}
	if msg.SenderName == "" {
		_, msg.SenderName = conv.Counterpart(receiverID)
	}
	msg.SenderType = models.RoleCompany
	if msg.SenderID == conv.ClientID {
		msg.SenderType = models.RoleClient
	}
	msg.MessageID = m.db.PushKey()
	msg.Status = models.MessageStatusSent
	msg.IsRead = false

	fields := msg.ToMap()
	fields["timestamp"] = rtdb.ServerTimestamp
	path := models.MessagePath(conversationID, msg.MessageID)
	if err := m.db.Set(ctx, path, fields); err != nil {
		return models.Message{}, fmt.Errorf("failed to store message: %w", err)
	}

	snap, err := m.db.Get(ctx, path)
	if err != nil {
		return models.Message{}, err
	}
	stored, err := decodeMessage(conversationID, snap)
	if err != nil {
		return models.Message{}, err
	}

	if err := m.updateConversation(ctx, conv, stored); err != nil {
		return stored, fmt.Errorf("message %s stored but conversation not updated: %w", stored.MessageID, err)
	}

	if m.notifier != nil {
		go m.notify(stored)
	}
	return stored, nil
}

func (m *Manager) updateConversation(ctx context.Context, conv models.Conversation, msg models.Message) error {
	path := models.ConversationPath(conv.ID)
	counter := conv.UnreadFieldFor(msg.ReceiverID)

	preview := map[string]any{
		"lastMessage":               msg.PreviewText(),
		"lastMessageTimestamp":      msg.Timestamp,
		"lastMessageSenderId":       msg.SenderID,
		"lastMessageHasAttachment":  msg.HasAttachment,
		"lastMessageAttachmentType": nil,
		"updatedAt":                 rtdb.ServerTimestamp,
	}
	if msg.HasAttachment {
		preview["lastMessageAttachmentType"] = string(msg.AttachmentType)
	}

	if m.atomicCounters {
		if err := m.db.Update(ctx, path, preview); err != nil {
			return err
		}
		_, err := m.db.Transaction(ctx, path+"/"+counter, func(cur rtdb.Snapshot) (any, error) {
			return cur.Int() + 1, nil
		})
		return err
	}

	// Read-then-write: two sends racing on the same conversation can lose
	// an increment. Counters are advisory badges.
	cur, err := m.db.Get(ctx, path+"/"+counter)
	if err != nil {
		return err
	}
	preview[counter] = cur.Int() + 1
	return m.db.Update(ctx, path, preview)
}

func (m *Manager) notify(msg models.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := m.notifier.NotifyMessage(ctx, msg); err != nil {
		slog.Warn("message notification failed", "conversation_id", msg.ConversationID, "message_id", msg.MessageID, "error", err)
	}
}

// ListenForMessages subscribes to the latest limit messages of a conversation
// and to every message added or changed afterwards. It replaces the
// manager's previous subscription.
func (m *Manager) ListenForMessages(conversationID string, limit int, handler func(MessageEvent)) (*rtdb.Subscription, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", models.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = m.defaultLimit
	}

	m.mux.Lock()
	defer m.mux.Unlock()

	if m.listener != nil {
		m.listener.Cancel()
		m.listener = nil
	}

	q := m.db.Query(models.MessagesPath(conversationID)).OrderByChild("timestamp").LimitToLast(limit)
	sub, err := m.db.Subscribe(q, rtdb.EventChildAdded|rtdb.EventChildChanged, func(e rtdb.Event) {
		msg, err := decodeMessage(conversationID, e.Snapshot)
		if err != nil {
			slog.Warn("skipping undecodable message", "path", e.Snapshot.Path(), "error", err)
			return
		}
		eventType := MessageAdded
		if e.Kind == rtdb.EventChildChanged {
			eventType = MessageChanged
		}
		handler(MessageEvent{Type: eventType, Message: msg})
	})
	if err != nil {
		return nil, err
	}
	m.listener = sub
	return sub, nil
}

// StopListening cancels the active message subscription, if any.
func (m *Manager) StopListening() {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.listener != nil {
		m.listener.Cancel()
		m.listener = nil
	}
}

// LoadMessages returns up to limit messages with timestamp <= before in
// ascending order. A zero before loads the most recent page.
func (m *Manager) LoadMessages(ctx context.Context, conversationID string, before int64, limit int) ([]models.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", models.ErrInvalidArgument)
	}
	if before < 0 {
		return nil, fmt.Errorf("%w: before must not be negative", models.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = m.defaultLimit
	}

	q := m.db.Query(models.MessagesPath(conversationID)).OrderByChild("timestamp")
	if before > 0 {
		q = q.EndAt(before)
	}
	snaps, err := q.LimitToLast(limit).Get(ctx)
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(snaps))
	for _, s := range snaps {
		msg, err := decodeMessage(conversationID, s)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (m *Manager) MarkMessageAsDelivered(ctx context.Context, conversationID, messageID string) error {
	return m.advanceStatus(ctx, conversationID, messageID, models.MessageStatusDelivered)
}

func (m *Manager) MarkMessageAsRead(ctx context.Context, conversationID, messageID string) error {
	return m.advanceStatus(ctx, conversationID, messageID, models.MessageStatusRead)
}

// advanceStatus moves a message forward to status; older or equal targets are ignored.
func (m *Manager) advanceStatus(ctx context.Context, conversationID, messageID string, status models.MessageStatus) error {
	if conversationID == "" || messageID == "" {
		return fmt.Errorf("%w: conversation and message ids are required", models.ErrInvalidArgument)
	}

	missing := false
	_, err := m.db.Transaction(ctx, models.MessagePath(conversationID, messageID), func(cur rtdb.Snapshot) (any, error) {
		fields, ok := cur.Value().(map[string]any)
		if !ok {
			missing = true
			return nil, rtdb.ErrAbort
		}
		current, _ := fields["status"].(string)
		if status.Rank() <= models.MessageStatus(current).Rank() {
			return nil, rtdb.ErrAbort
		}

		next := make(map[string]any, len(fields)+2)
		for k, v := range fields {
			next[k] = v
		}
		next["status"] = string(status)
		switch status {
		case models.MessageStatusDelivered:
			next["deliveredAt"] = rtdb.ServerTimestamp
		case models.MessageStatusRead:
			next["isRead"] = true
			next["readAt"] = rtdb.ServerTimestamp
		}
		return next, nil
	})
	if err != nil {
		return err
	}
	if missing {
		return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
	}
	return nil
}

// MarkAllMessagesAsRead marks every unread message not sent by readerID as
// read and resets the reader's unread counter in a single write.
// It returns the number of messages updated.
func (m *Manager) MarkAllMessagesAsRead(ctx context.Context, conversationID, readerID string) (int, error) {
	if readerID == "" {
		return 0, fmt.Errorf("%w: reader is required", models.ErrInvalidArgument)
	}
	conv, err := m.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !conv.HasParticipant(readerID) {
		return 0, fmt.Errorf("%w: %s is not part of %s", models.ErrInvalidArgument, readerID, conversationID)
	}

	snap, err := m.db.Get(ctx, models.MessagesPath(conversationID))
	if err != nil {
		return 0, err
	}

	fields := map[string]any{
		conv.UnreadFieldFor(readerID): 0,
	}
	count := 0
	for _, child := range snap.Children() {
		msg, err := decodeMessage(conversationID, child)
		if err != nil {
			return 0, err
		}
		if msg.SenderID == readerID || msg.IsRead {
			continue
		}
		prefix := "messages/" + child.Key() + "/"
		fields[prefix+"status"] = string(models.MessageStatusRead)
		fields[prefix+"isRead"] = true
		fields[prefix+"readAt"] = rtdb.ServerTimestamp
		count++
	}

	if err := m.db.Update(ctx, models.ConversationPath(conversationID), fields); err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	return count, nil
}

func decodeMessage(conversationID string, snap rtdb.Snapshot) (models.Message, error) {
	if !snap.Exists() {
		return models.Message{}, fmt.Errorf("message %s: %w", snap.Key(), models.ErrNotFound)
	}
	var msg models.Message
	if err := snap.Decode(&msg); err != nil {
		return models.Message{}, err
	}
	if msg.MessageID == "" {
		msg.MessageID = snap.Key()
	}
	msg.ConversationID = conversationID
	return msg, nil
}
