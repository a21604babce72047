package ws

import "droidtour/internal/models"

type ClientMessageType string

const (
	ClientMessageTypeOnline        ClientMessageType = "online"
	ClientMessageTypeOffline       ClientMessageType = "offline"
	ClientMessageTypeOpen          ClientMessageType = "open"
	ClientMessageTypeListen        ClientMessageType = "listen"
	ClientMessageTypeStop          ClientMessageType = "stop"
	ClientMessageTypeSend          ClientMessageType = "send"
	ClientMessageTypeDelivered     ClientMessageType = "delivered"
	ClientMessageTypeRead          ClientMessageType = "read"
	ClientMessageTypeReadAll       ClientMessageType = "readAll"
	ClientMessageTypeConversations ClientMessageType = "conversations"
	ClientMessageTypePresence      ClientMessageType = "presence"
)

// ClientMessage is a command sent by the app. RequestID is echoed back in
// the ack or error reply.
type ClientMessage struct {
	RequestID      string             `json:"requestId,omitempty"`
	Type           ClientMessageType  `json:"type"`
	ConversationID string             `json:"conversationId,omitempty"`
	MessageID      string             `json:"messageId,omitempty"`
	PeerID         string             `json:"peerId,omitempty"`
	PeerName       string             `json:"peerName,omitempty"`
	UserID         string             `json:"userId,omitempty"`
	Text           string             `json:"text,omitempty"`
	Attachment     *models.Attachment `json:"attachment,omitempty"`
	Limit          int                `json:"limit,omitempty"`
}

type ServerMessageType string

const (
	ServerMessageTypeAck           ServerMessageType = "ack"
	ServerMessageTypeError         ServerMessageType = "error"
	ServerMessageTypeAdded         ServerMessageType = "added"
	ServerMessageTypeChanged       ServerMessageType = "changed"
	ServerMessageTypeConversations ServerMessageType = "conversations"
	ServerMessageTypePresence      ServerMessageType = "presence"
)

type ServerMessage struct {
	Type           ServerMessageType     `json:"type"`
	RequestID      string                `json:"requestId,omitempty"`
	Error          string                `json:"error,omitempty"`
	ConversationID string                `json:"conversationId,omitempty"`
	Conversation   *models.Conversation  `json:"conversation,omitempty"`
	Created        bool                  `json:"created,omitempty"`
	Message        *models.Message       `json:"message,omitempty"`
	Conversations  []models.Conversation `json:"conversations,omitempty"`
	Presence       *models.Presence      `json:"presence,omitempty"`
	Count          int                   `json:"count,omitempty"`
}
