package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"droidtour/internal/chat"
	"droidtour/internal/conversations"
	"droidtour/internal/models"
	"droidtour/internal/presence"
	"droidtour/internal/rtdb"
)

const (
	outboxSize         = 64
	maxPresenceWatches = 64
	teardownTimeout    = 5 * time.Second
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

// Config carries the shared services every connection is built from.
type Config struct {
	DB                   *rtdb.DB
	Hub                  *Hub
	Conversations        *conversations.Helper
	Notifier             chat.Notifier
	MessageLimit         int
	AtomicUnreadCounters bool
	HeartbeatInterval    time.Duration
}

// Connection serves one authenticated websocket. It owns a store session,
// so losing the socket applies the user's disconnect writes.
type Connection struct {
	ws       wsConnection
	hub      *Hub
	user     models.User
	session  *rtdb.Session
	chat     *chat.Manager
	presence *presence.Manager
	convs    *conversations.Helper

	fromClient chan ClientMessage
	fromServer chan ServerMessage
	errorCh    chan error
	kick       chan struct{}
	kickOnce   sync.Once
	done       chan struct{}

	// Touched only by mainLoop and, after it exits, by teardown.
	listSub      *rtdb.Subscription
	presenceSubs map[string]*rtdb.Subscription
}

func NewConnection(ws wsConnection, user models.User, config Config) *Connection {
	session := config.DB.NewSession()
	return &Connection{
		ws:      ws,
		hub:     config.Hub,
		user:    user,
		session: session,
		chat: chat.New(chat.Config{
			DB:                   config.DB,
			Notifier:             config.Notifier,
			DefaultLimit:         config.MessageLimit,
			AtomicUnreadCounters: config.AtomicUnreadCounters,
		}),
		presence:     presence.New(config.DB, session, config.HeartbeatInterval),
		convs:        config.Conversations,
		fromClient:   make(chan ClientMessage),
		fromServer:   make(chan ServerMessage, outboxSize),
		errorCh:      make(chan error, 2),
		kick:         make(chan struct{}),
		done:         make(chan struct{}),
		presenceSubs: make(map[string]*rtdb.Subscription),
	}
}

// Kick closes the connection from the server side.
func (c *Connection) Kick() {
	c.kickOnce.Do(func() { close(c.kick) })
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.hub.Join(c)
	defer func() {
		c.hub.Leave(c)
		c.teardown()
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	close(c.done)
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			if err := c.ws.WriteJSON(c.processClientMessage(ctx, msg)); err != nil {
				return err
			}
		case msg := <-c.fromServer:
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-c.kick:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// teardown releases everything the connection registered. The session is
// disconnected rather than closed so pending presence writes are applied.
func (c *Connection) teardown() {
	if c.listSub != nil {
		c.listSub.Cancel()
	}
	for _, sub := range c.presenceSubs {
		sub.Cancel()
	}
	c.chat.StopListening()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := c.session.Disconnect(ctx); err != nil {
		slog.Error("failed to apply disconnect writes", "user_id", c.user.ID, "session", c.session.ID(), "error", err)
	}
	c.presence.Detach()
}

// push queues a server-initiated message. It gives up once the connection ends.
func (c *Connection) push(msg ServerMessage) {
	select {
	case c.fromServer <- msg:
	case <-c.done:
	}
}

func (c *Connection) processClientMessage(ctx context.Context, msg ClientMessage) ServerMessage {
	reply, err := c.dispatch(ctx, msg)
	if err != nil {
		if !errors.Is(err, models.ErrInvalidArgument) && !errors.Is(err, models.ErrNotFound) {
			slog.Warn("client command failed", "user_id", c.user.ID, "type", msg.Type, "error", err)
		}
		return ServerMessage{
			Type:      ServerMessageTypeError,
			RequestID: msg.RequestID,
			Error:     err.Error(),
		}
	}
	reply.Type = ServerMessageTypeAck
	reply.RequestID = msg.RequestID
	return reply
}

func (c *Connection) dispatch(ctx context.Context, msg ClientMessage) (ServerMessage, error) {
	switch msg.Type {
	case ClientMessageTypeOnline:
		return ServerMessage{}, c.presence.SetOnline(ctx, c.user.ID)

	case ClientMessageTypeOffline:
		return ServerMessage{}, c.presence.SetOffline(ctx, c.user.ID)

	case ClientMessageTypeOpen:
		return c.open(ctx, msg)

	case ClientMessageTypeListen:
		if _, err := c.participantConversation(ctx, msg.ConversationID); err != nil {
			return ServerMessage{}, err
		}
		convID := msg.ConversationID
		_, err := c.chat.ListenForMessages(convID, msg.Limit, func(e chat.MessageEvent) {
			t := ServerMessageTypeAdded
			if e.Type == chat.MessageChanged {
				t = ServerMessageTypeChanged
			}
			c.push(ServerMessage{Type: t, ConversationID: convID, Message: &e.Message})
		})
		return ServerMessage{ConversationID: convID}, err

	case ClientMessageTypeStop:
		c.chat.StopListening()
		return ServerMessage{}, nil

	case ClientMessageTypeSend:
		out := models.Message{
			SenderID:    c.user.ID,
			SenderName:  c.user.DisplayName,
			MessageText: msg.Text,
		}
		if msg.Attachment != nil {
			out.SetAttachment(*msg.Attachment)
		}
		stored, err := c.chat.SendMessage(ctx, msg.ConversationID, out)
		if err != nil {
			return ServerMessage{}, err
		}
		return ServerMessage{ConversationID: msg.ConversationID, Message: &stored}, nil

	case ClientMessageTypeDelivered, ClientMessageTypeRead:
		if _, err := c.participantConversation(ctx, msg.ConversationID); err != nil {
			return ServerMessage{}, err
		}
		var err error
		if msg.Type == ClientMessageTypeDelivered {
			err = c.chat.MarkMessageAsDelivered(ctx, msg.ConversationID, msg.MessageID)
		} else {
			err = c.chat.MarkMessageAsRead(ctx, msg.ConversationID, msg.MessageID)
		}
		return ServerMessage{ConversationID: msg.ConversationID}, err

	case ClientMessageTypeReadAll:
		n, err := c.chat.MarkAllMessagesAsRead(ctx, msg.ConversationID, c.user.ID)
		return ServerMessage{ConversationID: msg.ConversationID, Count: n}, err

	case ClientMessageTypeConversations:
		return ServerMessage{}, c.watchConversations()

	case ClientMessageTypePresence:
		return ServerMessage{}, c.watchPresence(msg.UserID)
	}

	return ServerMessage{}, fmt.Errorf("%w: unknown message type %q", models.ErrInvalidArgument, msg.Type)
}

// open starts or resumes the conversation between the user and msg.PeerID.
func (c *Connection) open(ctx context.Context, msg ClientMessage) (ServerMessage, error) {
	clientID, companyID, clientName, companyName := models.ConversationSides(c.user, msg.PeerID, msg.PeerName)
	conv, created, err := c.chat.CreateOrGetConversation(ctx, clientID, companyID, clientName, companyName)
	if err != nil {
		return ServerMessage{}, err
	}
	return ServerMessage{
		ConversationID: conv.ID,
		Conversation:   &conv,
		Created:        created,
	}, nil
}

func (c *Connection) participantConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	conv, err := c.chat.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.HasParticipant(c.user.ID) {
		return models.Conversation{}, models.ErrConversationNotFound
	}
	return conv, nil
}

func (c *Connection) watchConversations() error {
	if c.listSub != nil {
		c.listSub.Cancel()
		c.listSub = nil
	}

	handler := func(convs []models.Conversation) {
		c.push(ServerMessage{Type: ServerMessageTypeConversations, Conversations: convs})
	}

	var (
		sub *rtdb.Subscription
		err error
	)
	if c.user.Role == models.RoleClient {
		sub, err = c.convs.ListenToClientConversations(c.user.ID, handler)
	} else {
		sub, err = c.convs.ListenToCompanyConversations(c.user.ID, handler)
	}
	if err != nil {
		return err
	}
	c.listSub = sub
	return nil
}

func (c *Connection) watchPresence(userID string) error {
	if _, ok := c.presenceSubs[userID]; ok {
		return nil
	}
	if len(c.presenceSubs) >= maxPresenceWatches {
		return fmt.Errorf("%w: too many presence watches", models.ErrInvalidArgument)
	}
	sub, err := c.presence.ListenToPresence(userID, func(p models.Presence) {
		c.push(ServerMessage{Type: ServerMessageTypePresence, Presence: &p})
	})
	if err != nil {
		return err
	}
	c.presenceSubs[userID] = sub
	return nil
}
