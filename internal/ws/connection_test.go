package ws

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"droidtour/internal/conversations"
	"droidtour/internal/models"
	"droidtour/internal/presence"
	"droidtour/internal/rtdb"
)

type mockWS struct {
	readCh      chan ClientMessage
	writeCh     chan any
	closeCh     chan struct{}
	mu          sync.Mutex
	closed      bool
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan ClientMessage, 10),
		writeCh: make(chan any, 100),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

func (m *mockWS) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- v
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case msg, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if ptr, ok := v.(*ClientMessage); ok {
			*ptr = msg
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

// await returns the next server message of type want, skipping others.
func (m *mockWS) await(t *testing.T, want ServerMessageType) ServerMessage {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case v := <-m.writeCh:
			msg, ok := v.(ServerMessage)
			if !ok {
				t.Fatalf("WS received wrong type: %T", v)
			}
			if msg.Type == ServerMessageTypeError && want != ServerMessageTypeError {
				t.Fatalf("Unexpected error reply: %+v", msg)
			}
			if msg.Type == want {
				return msg
			}
		case <-deadline:
			t.Fatalf("WS did not receive %s message", want)
		}
	}
}

type testEnv struct {
	db     *rtdb.DB
	hub    *Hub
	config Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := rtdb.Open(filepath.Join(t.TempDir(), "ws.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	hub := NewHub()
	return &testEnv{
		db:  db,
		hub: hub,
		config: Config{
			DB:                db,
			Hub:               hub,
			Conversations:     conversations.New(db),
			MessageLimit:      50,
			HeartbeatInterval: time.Hour,
		},
	}
}

type running struct {
	ws     *mockWS
	cancel context.CancelFunc
	done   chan error
}

func (e *testEnv) connect(user models.User) *running {
	ws := newMockWS()
	conn := NewConnection(ws, user, e.config)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- conn.Handle(ctx)
	}()
	return &running{ws: ws, cancel: cancel, done: done}
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Handle did not return after cancel")
	}
}

var (
	client  = models.User{ID: "client_1", DisplayName: "Ana", Role: models.RoleClient}
	company = models.User{ID: "company_1", DisplayName: "Andes Tours", Role: models.RoleCompany}
)

func TestConnection_Lifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.connect(client)

	c.ws.readCh <- ClientMessage{RequestID: "1", Type: ClientMessageTypeOnline}
	if ack := c.ws.await(t, ServerMessageTypeAck); ack.RequestID != "1" {
		t.Errorf("Expected ack for request 1, got %+v", ack)
	}
	p, err := presence.Get(ctx, env.db, client.ID)
	if err != nil || !p.IsOnline {
		t.Fatalf("Expected client online, got %+v (%v)", p, err)
	}
	if env.hub.Connections(client.ID) != 1 {
		t.Errorf("Expected one registered connection")
	}

	c.ws.readCh <- ClientMessage{RequestID: "2", Type: ClientMessageTypeOpen, PeerID: company.ID, PeerName: company.DisplayName}
	opened := c.ws.await(t, ServerMessageTypeAck)
	if opened.ConversationID != "client_1_company_1" || !opened.Created {
		t.Fatalf("Unexpected open reply: %+v", opened)
	}
	if opened.Conversation.CompanyName != "Andes Tours" {
		t.Errorf("Expected company name from peer, got %q", opened.Conversation.CompanyName)
	}

	c.ws.readCh <- ClientMessage{RequestID: "3", Type: ClientMessageTypeListen, ConversationID: opened.ConversationID}
	c.ws.await(t, ServerMessageTypeAck)

	c.ws.readCh <- ClientMessage{RequestID: "4", Type: ClientMessageTypeSend, ConversationID: opened.ConversationID, Text: "hello"}
	sent := c.ws.await(t, ServerMessageTypeAck)
	if sent.Message == nil || sent.Message.ReceiverID != company.ID {
		t.Fatalf("Unexpected send reply: %+v", sent)
	}
	added := c.ws.await(t, ServerMessageTypeAdded)
	if added.Message.MessageText != "hello" || added.Message.SenderName != "Ana" {
		t.Errorf("Unexpected added event: %+v", added.Message)
	}

	c.stop(t)

	p, err = presence.Get(ctx, env.db, client.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.IsOnline || p.Status != models.PresenceOffline {
		t.Errorf("Expected presence offline after connection loss, got %+v", p)
	}
	if env.hub.Connections(client.ID) != 0 {
		t.Error("Connection still registered")
	}
	if !c.ws.isClosed() {
		t.Error("WS Close not called")
	}
}

func TestConnection_TwoParties(t *testing.T) {
	env := newTestEnv(t)
	alice := env.connect(client)
	defer alice.stop(t)
	tours := env.connect(company)
	defer tours.stop(t)

	tours.ws.readCh <- ClientMessage{Type: ClientMessageTypeConversations}
	tours.ws.await(t, ServerMessageTypeAck)

	alice.ws.readCh <- ClientMessage{Type: ClientMessageTypeOpen, PeerID: company.ID}
	convID := alice.ws.await(t, ServerMessageTypeAck).ConversationID

	// The company list refreshes once the new conversation is indexed.
	for {
		list := tours.ws.await(t, ServerMessageTypeConversations)
		if len(list.Conversations) == 1 && list.Conversations[0].ID == convID {
			break
		}
	}

	tours.ws.readCh <- ClientMessage{Type: ClientMessageTypeListen, ConversationID: convID}
	tours.ws.await(t, ServerMessageTypeAck)
	tours.ws.readCh <- ClientMessage{Type: ClientMessageTypePresence, UserID: client.ID}
	tours.ws.await(t, ServerMessageTypeAck)

	alice.ws.readCh <- ClientMessage{Type: ClientMessageTypeOnline}
	alice.ws.await(t, ServerMessageTypeAck)
	for {
		if p := tours.ws.await(t, ServerMessageTypePresence); p.Presence.IsOnline {
			break
		}
	}

	alice.ws.readCh <- ClientMessage{Type: ClientMessageTypeSend, ConversationID: convID, Text: "Is lunch included?"}
	msg := alice.ws.await(t, ServerMessageTypeAck).Message

	added := tours.ws.await(t, ServerMessageTypeAdded)
	if added.Message.MessageID != msg.MessageID {
		t.Fatalf("Expected message %s, got %s", msg.MessageID, added.Message.MessageID)
	}

	tours.ws.readCh <- ClientMessage{Type: ClientMessageTypeRead, ConversationID: convID, MessageID: msg.MessageID}
	tours.ws.await(t, ServerMessageTypeAck)
	changed := tours.ws.await(t, ServerMessageTypeChanged)
	if changed.Message.Status != models.MessageStatusRead {
		t.Errorf("Expected READ status, got %s", changed.Message.Status)
	}

	tours.ws.readCh <- ClientMessage{Type: ClientMessageTypeReadAll, ConversationID: convID}
	tours.ws.await(t, ServerMessageTypeAck)
}

func TestConnection_Errors(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(client)
	defer c.stop(t)

	c.ws.readCh <- ClientMessage{RequestID: "x", Type: "dance"}
	if reply := c.ws.await(t, ServerMessageTypeError); reply.RequestID != "x" {
		t.Errorf("Expected error for request x, got %+v", reply)
	}

	c.ws.readCh <- ClientMessage{RequestID: "y", Type: ClientMessageTypeListen, ConversationID: "client_2_company_1"}
	if reply := c.ws.await(t, ServerMessageTypeError); reply.RequestID != "y" {
		t.Errorf("Expected error for request y, got %+v", reply)
	}

	c.ws.readCh <- ClientMessage{RequestID: "z", Type: ClientMessageTypeSend, ConversationID: "client_1_company_1"}
	if reply := c.ws.await(t, ServerMessageTypeError); reply.RequestID != "z" {
		t.Errorf("Expected error for request z, got %+v", reply)
	}
}

func TestConnection_Kick(t *testing.T) {
	env := newTestEnv(t)
	c := env.connect(client)

	c.ws.readCh <- ClientMessage{Type: ClientMessageTypeOnline}
	c.ws.await(t, ServerMessageTypeAck)

	if n := env.hub.DisconnectUser(client.ID); n != 1 {
		t.Errorf("Expected one connection dropped, got %d", n)
	}

	select {
	case err := <-c.done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Handle did not return after kick")
	}

	p, err := presence.Get(context.Background(), env.db, client.ID)
	if err != nil || p.IsOnline {
		t.Errorf("Expected offline after kick, got %+v (%v)", p, err)
	}
}

func TestConnection_WSError(t *testing.T) {
	env := newTestEnv(t)
	ws := newMockWS()
	conn := NewConnection(ws, client, env.config)

	// Simulate ReadJSON error immediately
	ws.errToReturn = errors.New("read error")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return on error")
	}

	if !ws.isClosed() {
		t.Error("WS Close not called")
	}
}
