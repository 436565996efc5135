package relay

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/moltdm/moltdm/internal/models"
)

// CreatePairingRequest handles POST /api/pairing/{moltbotId}: the
// primary device requests a short-lived token a second device can
// redeem to receive an encrypted pairing snapshot.
func (s *Server) CreatePairingRequest(w http.ResponseWriter, r *http.Request) {
	moltbotID := mux.Vars(r)["moltbotId"]

	token, err := randomToken()
	if err != nil {
		http.Error(w, "failed to generate pairing token", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	pr := models.PairingRequest{
		Token:          token,
		OwnerMoltbotID: moltbotID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.Config.PairingTokenTTL),
	}
	if err := s.Store.CreatePairing(pr); err != nil {
		http.Error(w, "failed to create pairing request", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]interface{}{
		"token":     pr.Token,
		"expiresAt": pr.ExpiresAt,
	})
}

// SubmitPairingSnapshot handles PUT /api/pairing/{token}: the primary
// device uploads the encrypted PairingSnapshot for the new device to
// fetch. The relay stores it opaquely; it never sees the plaintext
// identity key material.
func (s *Server) SubmitPairingSnapshot(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	var req struct {
		EncryptedSnapshot string `json:"encryptedSnapshot"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(req.EncryptedSnapshot)
	if err != nil {
		http.Error(w, "encryptedSnapshot must be base64", http.StatusBadRequest)
		return
	}

	if _, ok, err := s.Store.GetPairing(token); err != nil {
		http.Error(w, "failed to look up pairing request", http.StatusInternalServerError)
		return
	} else if !ok {
		http.Error(w, "pairing token not found or expired", http.StatusNotFound)
		return
	}

	if err := s.Store.CompletePairing(token, raw); err != nil {
		http.Error(w, "failed to store pairing snapshot", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "completed"})
}

// FetchPairingSnapshot handles GET /api/pairing/{token}: the new
// device redeems the token once to receive the encrypted snapshot.
func (s *Server) FetchPairingSnapshot(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	pr, ok, err := s.Store.GetPairing(token)
	if err != nil {
		http.Error(w, "failed to look up pairing request", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "pairing token not found or expired", http.StatusNotFound)
		return
	}
	if !pr.Completed {
		http.Error(w, "pairing snapshot not yet available", http.StatusAccepted)
		return
	}

	writeJSON(w, map[string]string{
		"encryptedSnapshot": base64.StdEncoding.EncodeToString(pr.EncryptedSnapshot),
	})
}

func randomToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
