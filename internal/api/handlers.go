package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"droidtour/internal/auth"
	"droidtour/internal/chat"
	"droidtour/internal/conversations"
	"droidtour/internal/filestore"
	"droidtour/internal/models"
	"droidtour/internal/notify"
	"droidtour/internal/presence"
	"droidtour/internal/rtdb"
)

type Config struct {
	DB            *rtdb.DB
	Auth          *auth.AuthService
	Chat          *chat.Manager
	Conversations *conversations.Helper
	Attachments   *filestore.Attachments
	// Push is nil when web push is not configured.
	Push         *notify.WebPush
	MessageLimit int
	MaxUpload    int64
}

type API struct {
	Config
}

func New(config Config) *API {
	return &API{Config: config}
}

type OpenConversationRequest struct {
	PeerID   string `json:"peerId"`
	PeerName string `json:"peerName"`
}

type OpenConversationResponse struct {
	Conversation models.Conversation `json:"conversation"`
	Created      bool                `json:"created"`
}

type MeResponse struct {
	User           models.User `json:"user"`
	VAPIDPublicKey string      `json:"vapidPublicKey,omitempty"`
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	resp := MeResponse{User: user}
	if a.Push != nil {
		resp.VAPIDPublicKey = a.Push.PublicKey()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) OpenConversationHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	var req OpenConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", models.ErrInvalidArgument))
		return
	}

	clientID, companyID, clientName, companyName := models.ConversationSides(user, req.PeerID, req.PeerName)
	conv, created, err := a.Chat.CreateOrGetConversation(r.Context(), clientID, companyID, clientName, companyName)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, OpenConversationResponse{Conversation: conv, Created: created})
}

func (a *API) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	var (
		convs []models.Conversation
		err   error
	)
	if user.Role == models.RoleClient {
		convs, err = a.Conversations.GetConversationsForClient(r.Context(), user.ID)
	} else {
		convs, err = a.Conversations.GetConversationsForCompany(r.Context(), user.ID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

// conversation loads the conversation named in the path if the user takes part in it.
func (a *API) conversation(r *http.Request) (models.Conversation, error) {
	user, _ := UserFromContext(r.Context())
	conv, err := a.Chat.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.HasParticipant(user.ID) {
		return models.Conversation{}, models.ErrConversationNotFound
	}
	return conv, nil
}

func (a *API) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	conv, err := a.conversation(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	conv, err := a.conversation(r)
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	var before int64
	if s := q.Get("before"); s != "" {
		if before, err = strconv.ParseInt(s, 10, 64); err != nil {
			writeError(w, fmt.Errorf("%w: before must be a timestamp", models.ErrInvalidArgument))
			return
		}
	}
	limit := a.MessageLimit
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit <= 0 {
			writeError(w, fmt.Errorf("%w: limit must be a positive number", models.ErrInvalidArgument))
			return
		}
	}

	msgs, err := a.Chat.LoadMessages(r.Context(), conv.ID, before, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	n, err := a.Chat.MarkAllMessagesAsRead(r.Context(), r.PathValue("id"), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	p, err := presence.Get(r.Context(), a.DB, r.PathValue("userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) UploadAttachmentHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())

	// Multipart framing needs some room on top of the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, a.MaxUpload+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, filestore.ErrTooLarge)
			return
		}
		writeError(w, fmt.Errorf("%w: file field is required", models.ErrInvalidArgument))
		return
	}
	defer file.Close()

	att, err := a.Attachments.Upload(r.Context(), user.ID, header.Filename, file)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

func (a *API) GetAttachmentHandler(w http.ResponseWriter, r *http.Request) {
	meta, f, err := a.Attachments.Open(r.Context(), r.PathValue("hash"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	if meta.Type != models.AttachmentTypeImage {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": meta.Name}))
	}
	http.ServeContent(w, r, meta.Name, time.UnixMilli(meta.CreatedAt), f)
}

func (a *API) PushSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	if a.Push == nil {
		writeJSON(w, http.StatusServiceUnavailable, APIResponse{Message: notify.ErrDisabled.Error()})
		return
	}
	user, _ := UserFromContext(r.Context())

	var sub notify.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, fmt.Errorf("%w: invalid subscription", models.ErrInvalidArgument))
		return
	}
	if _, err := a.Push.SaveSubscription(r.Context(), user.ID, sub); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, APIResponse{Success: true})
}
