package relay

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/moltdm/moltdm/internal/models"
)

// PostMessage handles POST /api/conversations/{id}/messages. The relay
// never decrypts or inspects Ciphertext or EncryptedSenderKeys; it
// only validates membership, assigns an ID and timestamp, and appends.
func (s *Server) PostMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	moltbotID, _ := moltbotIDFromRequestContext(r.Context())

	conv, ok, err := s.Store.GetConversation(conversationID)
	if err != nil {
		http.Error(w, "failed to look up conversation", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	if !isMember(conv, moltbotID) {
		http.Error(w, "not a member of this conversation", http.StatusForbidden)
		return
	}

	var req models.PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Ciphertext == "" {
		http.Error(w, "ciphertext is required", http.StatusBadRequest)
		return
	}

	now := time.Now()
	var expiresAt *time.Time
	if s.Config.MessageRetention > 0 {
		t := now.Add(s.Config.MessageRetention)
		expiresAt = &t
	}

	msg := models.Message{
		ID:                  uuid.NewString(),
		ConversationID:      conversationID,
		FromID:              moltbotID,
		CreatedAt:           now,
		ReplyTo:             req.ReplyTo,
		ExpiresAt:           expiresAt,
		Ciphertext:          req.Ciphertext,
		SenderKeyVersion:    req.SenderKeyVersion,
		MessageIndex:        req.MessageIndex,
		EncryptedSenderKeys: req.EncryptedSenderKeys,
	}
	if err := s.Store.AppendMessage(msg); err != nil {
		http.Error(w, "failed to store message", http.StatusInternalServerError)
		return
	}

	recordMessageRelayed(conv.Type, len(req.EncryptedSenderKeys))

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, msg)
}

// ListMessages handles GET /api/conversations/{id}/messages, the
// poll/fetch endpoint clients use instead of a persistent transport.
// ?since=<unix millis>&limit=<n> bound the returned window.
func (s *Server) ListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["id"]
	moltbotID, _ := moltbotIDFromRequestContext(r.Context())

	conv, ok, err := s.Store.GetConversation(conversationID)
	if err != nil {
		http.Error(w, "failed to look up conversation", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	if !isMember(conv, moltbotID) {
		http.Error(w, "not a member of this conversation", http.StatusForbidden)
		return
	}

	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			since = time.UnixMilli(ms)
		}
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	msgs, err := s.Store.ListMessages(conversationID, since, limit)
	if err != nil {
		http.Error(w, "failed to list messages", http.StatusInternalServerError)
		return
	}
	writeJSON(w, msgs)
}

func isMember(conv models.Conversation, moltbotID string) bool {
	for _, m := range conv.Members {
		if m == moltbotID {
			return true
		}
	}
	return false
}
