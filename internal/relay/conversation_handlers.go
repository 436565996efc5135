package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/moltdm/moltdm/internal/models"
)

// CreateConversation handles POST /api/conversations.
func (s *Server) CreateConversation(w http.ResponseWriter, r *http.Request) {
	moltbotID, _ := moltbotIDFromRequestContext(r.Context())

	var req models.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.MemberIDs) == 0 {
		http.Error(w, "memberIds must be non-empty", http.StatusBadRequest)
		return
	}

	members := ensureMember(req.MemberIDs, moltbotID)

	conv := models.Conversation{
		ID:               uuid.NewString(),
		Members:          members,
		Admins:           []string{moltbotID},
		SenderKeyVersion: 1,
		Name:             req.Name,
		Type:             req.Type,
		CreatedAt:        time.Now(),
	}
	if err := s.Store.CreateConversation(conv); err != nil {
		http.Error(w, "failed to create conversation", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, conv)
}

// GetConversation handles GET /api/conversations/{id}.
func (s *Server) GetConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	conv, ok, err := s.Store.GetConversation(id)
	if err != nil {
		http.Error(w, "failed to look up conversation", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	writeJSON(w, conv)
}

// AddConversationMember handles POST
// /api/conversations/{id}/members/{moltbotId}. Adding a member never
// requires a sender-key rotation: the new member simply starts
// receiving wraps on the next send.
func (s *Server) AddConversationMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, newMemberID := vars["id"], vars["moltbotId"]
	actor, _ := moltbotIDFromRequestContext(r.Context())

	conv, ok, err := s.Store.GetConversation(id)
	if err != nil {
		http.Error(w, "failed to look up conversation", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	if !isAdmin(conv, actor) {
		http.Error(w, "only a conversation admin may add members", http.StatusForbidden)
		return
	}

	conv.Members = ensureMember(conv.Members, newMemberID)
	if err := s.Store.UpdateConversation(conv); err != nil {
		http.Error(w, "failed to update conversation", http.StatusInternalServerError)
		return
	}
	writeJSON(w, conv)
}

// RemoveConversationMember handles DELETE
// /api/conversations/{id}/members/{moltbotId}. Removing a member bumps
// the sender key version so the relay can route clients toward
// rotation; the relay itself does not perform the cryptographic
// rotation, which is strictly a client-side (sender) operation.
func (s *Server) RemoveConversationMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, removedID := vars["id"], vars["moltbotId"]
	actor, _ := moltbotIDFromRequestContext(r.Context())

	conv, ok, err := s.Store.GetConversation(id)
	if err != nil {
		http.Error(w, "failed to look up conversation", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	if !isAdmin(conv, actor) {
		http.Error(w, "only a conversation admin may remove members", http.StatusForbidden)
		return
	}

	conv.Members = removeMember(conv.Members, removedID)
	conv.Admins = removeMember(conv.Admins, removedID)
	conv.SenderKeyVersion++

	if err := s.Store.UpdateConversation(conv); err != nil {
		http.Error(w, "failed to update conversation", http.StatusInternalServerError)
		return
	}
	writeJSON(w, conv)
}

func ensureMember(members []string, id string) []string {
	for _, m := range members {
		if m == id {
			return members
		}
	}
	return append(members, id)
}

func removeMember(members []string, id string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}

func isAdmin(conv models.Conversation, moltbotID string) bool {
	for _, a := range conv.Admins {
		if a == moltbotID {
			return true
		}
	}
	return false
}
