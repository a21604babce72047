package models

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrConversationNotFound = fmt.Errorf("conversation %w", ErrNotFound)
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrConflict             = errors.New("conflict")
)

// Store paths of the realtime tree.
const (
	ConversationsPath     = "conversations"
	ConversationIndexPath = "conversation_index"
	PresencePath          = "user_presence"
	PushSubscriptionsPath = "push_subscriptions"
	AttachmentsPath       = "attachments"

	messagesSegment = "messages"
	idSeparator     = "_"
)

type Role string

const (
	RoleClient     Role = "CLIENT"
	RoleCompany    Role = "COMPANY"
	RoleGuide      Role = "GUIDE"
	RoleSuperAdmin Role = "SUPERADMIN"
)

func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleCompany, RoleGuide, RoleSuperAdmin:
		return true
	}
	return false
}

// User is an authenticated DroidTour account.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "SENT"
	MessageStatusDelivered MessageStatus = "DELIVERED"
	MessageStatusRead      MessageStatus = "READ"
)

// Rank orders statuses so transitions can only move forward.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	}
	return 0
}

type AttachmentType string

const (
	AttachmentTypeImage AttachmentType = "IMAGE"
	AttachmentTypeFile  AttachmentType = "FILE"
)

// Label is the text shown in conversation previews instead of the message body.
func (t AttachmentType) Label() string {
	if t == AttachmentTypeImage {
		return "Image"
	}
	return "File"
}

type Attachment struct {
	Type AttachmentType `json:"type"`
	URL  string         `json:"url"`
	Name string         `json:"name"`
	Size int64          `json:"size"`
}

// Conversation is the denormalized record of a two-party chat.
type Conversation struct {
	ID                        string         `msgpack:"-" json:"id"`
	ClientID                  string         `msgpack:"clientId" json:"clientId"`
	CompanyID                 string         `msgpack:"companyId" json:"companyId"`
	ClientName                string         `msgpack:"clientName" json:"clientName"`
	CompanyName               string         `msgpack:"companyName" json:"companyName"`
	LastMessage               string         `msgpack:"lastMessage" json:"lastMessage"`
	LastMessageTimestamp      int64          `msgpack:"lastMessageTimestamp" json:"lastMessageTimestamp"`
	LastMessageSenderID       string         `msgpack:"lastMessageSenderId" json:"lastMessageSenderId"`
	LastMessageHasAttachment  bool           `msgpack:"lastMessageHasAttachment" json:"lastMessageHasAttachment"`
	LastMessageAttachmentType AttachmentType `msgpack:"lastMessageAttachmentType" json:"lastMessageAttachmentType,omitempty"`
	UnreadCountClient         int64          `msgpack:"unreadCountClient" json:"unreadCountClient"`
	UnreadCountAdmin          int64          `msgpack:"unreadCountAdmin" json:"unreadCountAdmin"`
	CreatedAt                 int64          `msgpack:"createdAt" json:"createdAt"`
	UpdatedAt                 int64          `msgpack:"updatedAt" json:"updatedAt"`
}

// UnreadFieldFor returns the counter field that counts messages waiting for userID.
func (c Conversation) UnreadFieldFor(userID string) string {
	if userID == c.ClientID {
		return "unreadCountClient"
	}
	return "unreadCountAdmin"
}

// Counterpart returns the other participant's id and name.
func (c Conversation) Counterpart(userID string) (string, string) {
	if userID == c.ClientID {
		return c.CompanyID, c.CompanyName
	}
	return c.ClientID, c.ClientName
}

func (c Conversation) HasParticipant(userID string) bool {
	return userID == c.ClientID || userID == c.CompanyID
}

// Message is a single chat entry nested under a conversation.
type Message struct {
	MessageID      string         `msgpack:"messageId" json:"messageId"`
	ConversationID string         `msgpack:"-" json:"conversationId"`
	SenderID       string         `msgpack:"senderId" json:"senderId"`
	SenderName     string         `msgpack:"senderName" json:"senderName"`
	SenderType     Role           `msgpack:"senderType" json:"senderType"`
	ReceiverID     string         `msgpack:"receiverId" json:"receiverId"`
	ReceiverName   string         `msgpack:"receiverName" json:"receiverName"`
	MessageText    string         `msgpack:"messageText" json:"messageText"`
	Status         MessageStatus  `msgpack:"status" json:"status"`
	IsRead         bool           `msgpack:"isRead" json:"isRead"`
	Timestamp      int64          `msgpack:"timestamp" json:"timestamp"`
	DeliveredAt    int64          `msgpack:"deliveredAt" json:"deliveredAt,omitempty"`
	ReadAt         int64          `msgpack:"readAt" json:"readAt,omitempty"`
	HasAttachment  bool           `msgpack:"hasAttachment" json:"hasAttachment"`
	AttachmentURL  string         `msgpack:"attachmentUrl" json:"attachmentUrl,omitempty"`
	AttachmentType AttachmentType `msgpack:"attachmentType" json:"attachmentType,omitempty"`
	AttachmentName string         `msgpack:"attachmentName" json:"attachmentName,omitempty"`
	AttachmentSize int64          `msgpack:"attachmentSize" json:"attachmentSize,omitempty"`
}

// SetAttachment copies an uploaded attachment descriptor onto the message.
func (m *Message) SetAttachment(a Attachment) {
	m.HasAttachment = true
	m.AttachmentURL = a.URL
	m.AttachmentType = a.Type
	m.AttachmentName = a.Name
	m.AttachmentSize = a.Size
}

// PreviewText is what the conversation list shows for this message.
func (m Message) PreviewText() string {
	if m.HasAttachment {
		return m.AttachmentType.Label()
	}
	return m.MessageText
}

// ToMap returns the persisted fields of the message. Timestamp is left to the caller.
func (m Message) ToMap() map[string]any {
	fields := map[string]any{
		"messageId":     m.MessageID,
		"senderId":      m.SenderID,
		"senderName":    m.SenderName,
		"senderType":    string(m.SenderType),
		"receiverId":    m.ReceiverID,
		"receiverName":  m.ReceiverName,
		"messageText":   m.MessageText,
		"status":        string(m.Status),
		"isRead":        m.IsRead,
		"hasAttachment": m.HasAttachment,
	}
	if m.HasAttachment {
		fields["attachmentUrl"] = m.AttachmentURL
		fields["attachmentType"] = string(m.AttachmentType)
		fields["attachmentName"] = m.AttachmentName
		fields["attachmentSize"] = m.AttachmentSize
	}
	return fields
}

const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Presence is the last reported online state of a user.
type Presence struct {
	UserID   string `msgpack:"-" json:"userId"`
	IsOnline bool   `msgpack:"isOnline" json:"isOnline"`
	LastSeen int64  `msgpack:"lastSeen" json:"lastSeen"` // Unix milliseconds
	Status   string `msgpack:"status" json:"status"`
}

// OfflinePresence is reported for users that never went online.
func OfflinePresence(userID string) Presence {
	return Presence{UserID: userID, Status: PresenceOffline}
}

// ConversationSides places user and the peer they want to talk to on the
// client and company sides of a conversation. Clients talk to companies;
// every other role takes the company side.
func ConversationSides(user User, peerID, peerName string) (clientID, companyID, clientName, companyName string) {
	if user.Role == RoleClient {
		return user.ID, peerID, user.DisplayName, peerName
	}
	return peerID, user.ID, peerName, user.DisplayName
}

// ConversationID builds the deterministic id of the conversation between a and b.
func ConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, idSeparator)
}

// ConversationIDs lists the ids a pair may be stored under, in lookup order.
// Ids may contain the separator, so different pairs can share the joined id;
// the second candidate is suffixed with a digest of the exact pair.
func ConversationIDs(a, b string) []string {
	ids := []string{a, b}
	sort.Strings(ids)
	primary := strings.Join(ids, idSeparator)
	sum := sha256.Sum256([]byte(ids[0] + "/" + ids[1]))
	return []string{primary, primary + "." + hex.EncodeToString(sum[:6])}
}

func ConversationPath(conversationID string) string {
	return ConversationsPath + "/" + conversationID
}

func MessagesPath(conversationID string) string {
	return ConversationPath(conversationID) + "/" + messagesSegment
}

func MessagePath(conversationID, messageID string) string {
	return MessagesPath(conversationID) + "/" + messageID
}

// ClientIndexPath is the index branch listing conversations of a client.
func ClientIndexPath(clientID string) string {
	return ConversationIndexPath + "/client_" + clientID
}

// CompanyIndexPath is the index branch listing conversations of a company.
func CompanyIndexPath(companyID string) string {
	return ConversationIndexPath + "/company_" + companyID
}

func UserPresencePath(userID string) string {
	return PresencePath + "/" + userID
}
