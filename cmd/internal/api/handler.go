// Package api serves the inbox HTTP endpoints: conversation listing and
// creation, message history, sending, and read state.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"happyinline/cmd/internal/auth"
	"happyinline/cmd/internal/messaging"
)

// Store is the backend surface the handlers need.
type Store interface {
	messaging.Fetcher
	messaging.ConversationStore
	Participants(ctx context.Context, conversationID string) (messaging.Participants, error)
}

// MessageSender persists a message and triggers the recipient notification.
type MessageSender interface {
	Send(ctx context.Context, in messaging.SendInput) (messaging.Message, error)
}

// Handler wires HTTP inbox endpoints to the backend and the sender.
type Handler struct {
	log    *slog.Logger
	cfg    Config
	store  Store
	sender MessageSender
	authn  *auth.Authenticator
}

// NewHandler constructs a Handler. A nil authenticator identifies callers by the dev header.
func NewHandler(log *slog.Logger, store Store, sender MessageSender, authn *auth.Authenticator, cfg Config) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		return nil, errors.New("api: nil store")
	}
	if sender == nil {
		return nil, errors.New("api: nil sender")
	}
	if authn == nil {
		authn = auth.NewAuthenticator(nil)
	}
	return &Handler{
		log:    log,
		cfg:    cfg.withDefaults(),
		store:  store,
		sender: sender,
		authn:  authn,
	}, nil
}

// Register wires the inbox routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /v1/conversations", h.handleListConversations)
	mux.HandleFunc("POST /v1/conversations", h.handleCreateConversation)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", h.handleListMessages)
	mux.HandleFunc("POST /v1/conversations/{id}/messages", h.handleSendMessage)
	mux.HandleFunc("POST /v1/conversations/{id}/read", h.handleMarkRead)
	mux.HandleFunc("GET /v1/unread", h.handleUnread)
}

// ---- handlers ----

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.identify(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r, h.cfg.DefaultConversationLimit, h.cfg.MaxConversationLimit)
	if !ok {
		return
	}

	convs, err := h.store.ListConversations(r.Context(), ident.UserID, limit)
	if err != nil {
		h.writeStoreError(w, r, "api.conversations.list.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, conversationsResponse{Conversations: convs})
}

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.identify(w, r)
	if !ok {
		return
	}

	var req createConversationRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeBodyError(w, err)
		return
	}
	other := strings.TrimSpace(req.ParticipantID)
	if other == "" || other == ident.UserID {
		writeError(w, http.StatusBadRequest, "bad_participant", "participant_id must name another user")
		return
	}
	if req.ShopID != nil && strings.TrimSpace(*req.ShopID) == "" {
		req.ShopID = nil
	}

	conv, err := h.store.GetOrCreateConversation(r.Context(), ident.UserID, other, req.ShopID)
	if err != nil {
		h.writeStoreError(w, r, "api.conversations.create.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{Conversation: conv})
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.identify(w, r)
	if !ok {
		return
	}
	convID, ok := h.requireMember(w, r, ident.UserID)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r, h.cfg.DefaultMessageLimit, h.cfg.MaxMessageLimit)
	if !ok {
		return
	}

	msgs, err := h.store.FetchRecent(r.Context(), convID, limit)
	if err != nil {
		h.writeStoreError(w, r, "api.messages.list.fail", err)
		return
	}
	if msgs == nil {
		msgs = []messaging.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.identify(w, r)
	if !ok {
		return
	}
	convID, ok := h.requireMember(w, r, ident.UserID)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeBodyError(w, err)
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "empty_text", "text is required")
		return
	}
	if len([]rune(text)) > h.cfg.MaxTextChars {
		writeError(w, http.StatusBadRequest, "text_too_long", "text exceeds "+strconv.Itoa(h.cfg.MaxTextChars)+" characters")
		return
	}

	m, err := h.sender.Send(r.Context(), messaging.SendInput{
		ConversationID: convID,
		SenderID:       ident.UserID,
		Text:           text,
	})
	if err != nil {
		h.writeStoreError(w, r, "api.messages.send.fail", err)
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse{Message: m})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.identify(w, r)
	if !ok {
		return
	}
	convID, ok := h.requireMember(w, r, ident.UserID)
	if !ok {
		return
	}

	n, err := h.store.MarkRead(r.Context(), convID, ident.UserID)
	if err != nil {
		h.writeStoreError(w, r, "api.messages.read.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, markReadResponse{Updated: n})
}

func (h *Handler) handleUnread(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.identify(w, r)
	if !ok {
		return
	}
	n, err := h.store.UnreadCount(r.Context(), ident.UserID)
	if err != nil {
		h.writeStoreError(w, r, "api.unread.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, unreadResponse{Unread: n})
}

// ---- helpers ----

func (h *Handler) identify(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	ident, err := h.authn.Authenticate(r)
	if err != nil {
		h.log.Debug("api.auth.fail", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
		return auth.Identity{}, false
	}
	return ident, true
}

// requireMember resolves the {id} path value and checks that userID participates in it.
func (h *Handler) requireMember(w http.ResponseWriter, r *http.Request, userID string) (string, bool) {
	convID := strings.TrimSpace(r.PathValue("id"))
	if convID == "" {
		writeError(w, http.StatusBadRequest, "bad_conversation", "missing conversation id")
		return "", false
	}
	p, err := h.store.Participants(r.Context(), convID)
	if err != nil {
		h.writeStoreError(w, r, "api.participants.fail", err)
		return "", false
	}
	if !p.Has(userID) {
		writeError(w, http.StatusForbidden, "not_participant", "not a participant of this conversation")
		return "", false
	}
	return convID, true
}

func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, event string, err error) {
	switch {
	case messaging.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid input")
	case messaging.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
	case messaging.IsNotParticipant(err):
		writeError(w, http.StatusForbidden, "not_participant", "not a participant of this conversation")
	case errors.Is(err, messaging.ErrSenderClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		h.log.Error(event, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func parseLimit(w http.ResponseWriter, r *http.Request, def, max int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > max {
		writeError(w, http.StatusBadRequest, "bad_limit", "limit must be between 1 and "+strconv.Itoa(max))
		return 0, false
	}
	return n, true
}
