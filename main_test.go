package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"droidtour/internal/api"
	"droidtour/internal/auth"
	"droidtour/internal/models"
	"droidtour/internal/ws"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const (
	adminAddr = "127.0.0.1:18888"
	apiAddr   = "127.0.0.1:18887"
)

func TestIntegration(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("DROIDTOUR_DB", filepath.Join(dir, "integration_test.db"))
	t.Setenv("UPLOADS_PATH", filepath.Join(dir, "uploads"))
	t.Setenv("ADMIN_ADDR", adminAddr)
	t.Setenv("API_ADDR", apiAddr)
	t.Setenv("BASE_URL", "http://"+apiAddr)
	t.Setenv("ADMIN_PASSWORD_HASH", "")

	// Start server in background
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- run(ctx, nil)
	}()
	defer func() {
		cancel()
		select {
		case err := <-done:
			if err != nil && err != context.Canceled {
				t.Errorf("Server error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("Server did not shut down")
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/admin/tokens", adminAddr), 50)

	// Step 1: Issue tokens via Admin API
	clientToken := issueToken(t, auth.TokenRequest{UserID: "client_1", DisplayName: "Ana", Role: models.RoleClient})
	companyToken := issueToken(t, auth.TokenRequest{UserID: "company_1", DisplayName: "Andes Tours", Role: models.RoleCompany})

	// Step 2: Open the conversation over REST
	body, _ := json.Marshal(api.OpenConversationRequest{PeerID: "company_1", PeerName: "Andes Tours"})
	resp := doAPI(t, http.MethodPost, "/api/conversations", clientToken, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var opened api.OpenConversationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&opened))
	_ = resp.Body.Close()
	convID := opened.Conversation.ID
	require.Equal(t, "client_1_company_1", convID)

	// Step 3: Both sides connect; the company listens to the conversation
	companyConn := dial(t, companyToken)
	defer func() { _ = companyConn.Close() }()
	send(t, companyConn, ws.ClientMessage{RequestID: "c1", Type: ws.ClientMessageTypeListen, ConversationID: convID})
	awaitType(t, companyConn, ws.ServerMessageTypeAck)

	clientConn := dial(t, clientToken)
	send(t, clientConn, ws.ClientMessage{RequestID: "a1", Type: ws.ClientMessageTypeOnline})
	awaitType(t, clientConn, ws.ServerMessageTypeAck)
	require.True(t, presenceOf(t, companyToken, "client_1").IsOnline)

	// Step 4: Client sends, company receives
	send(t, clientConn, ws.ClientMessage{RequestID: "a2", Type: ws.ClientMessageTypeSend, ConversationID: convID, Text: "Hola! Is pickup at 7?"})
	ack := awaitType(t, clientConn, ws.ServerMessageTypeAck)
	require.NotNil(t, ack.Message)

	added := awaitType(t, companyConn, ws.ServerMessageTypeAdded)
	require.Equal(t, ack.Message.MessageID, added.Message.MessageID)
	require.Equal(t, "Hola! Is pickup at 7?", added.Message.MessageText)

	// Step 5: Company's conversation list shows the unread badge
	resp = doAPI(t, http.MethodGet, "/api/conversations", companyToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var convs []models.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&convs))
	_ = resp.Body.Close()
	require.Len(t, convs, 1)
	require.Equal(t, int64(1), convs[0].UnreadCountAdmin)
	require.Equal(t, "Hola! Is pickup at 7?", convs[0].LastMessage)

	// Step 6: Dropping the socket without going offline triggers the disconnect write
	require.NoError(t, clientConn.Close())
	require.Eventually(t, func() bool {
		return !presenceOf(t, companyToken, "client_1").IsOnline
	}, 5*time.Second, 50*time.Millisecond)

	// Step 7: Revoked tokens are rejected
	revokeBody, _ := json.Marshal(api.RevokeTokenRequest{Token: clientToken, UserID: "client_1"})
	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("http://%s/admin/tokens", adminAddr), bytes.NewReader(revokeBody))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doAPI(t, http.MethodGet, "/api/me", clientToken, nil)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Step 8: The CLI path issues tokens against the running server
	require.NoError(t, run(context.Background(), []string{"-issue-token", "guide_1", "-role", "GUIDE", "-name", "Luis"}))
}

func issueToken(t *testing.T, req auth.TokenRequest) string {
	t.Helper()
	body, _ := json.Marshal(req)
	resp, err := http.Post(fmt.Sprintf("http://%s/admin/tokens", adminAddr), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var tr auth.TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	require.NotEmpty(t, tr.Token)
	return tr.Token
}

func doAPI(t *testing.T, method, path, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, "http://"+apiAddr+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func presenceOf(t *testing.T, token, userID string) models.Presence {
	t.Helper()
	resp := doAPI(t, http.MethodGet, "/api/presence/"+userID, token, nil)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p models.Presence
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	return p
}

func dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	u := url.URL{Scheme: "ws", Host: apiAddr, Path: "/api/chat", RawQuery: "token=" + url.QueryEscape(token)}
	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg ws.ClientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func awaitType(t *testing.T, conn *websocket.Conn, want ws.ServerMessageType) ws.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg ws.ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		require.NotEqual(t, ws.ServerMessageTypeError, msg.Type, "error reply: %s", msg.Error)
		if msg.Type == want {
			return msg
		}
	}
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	client := &http.Client{Timeout: 500 * time.Millisecond}

	for i := 0; i < retries; i++ {
		resp, err := client.Get(urlStr)
		if err == nil {
			// Any status means the listener is up.
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
