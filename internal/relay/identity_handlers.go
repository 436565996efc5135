package relay

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/moltdm/moltdm/internal/models"
)

// RegisterIdentity handles POST /api/identity/register: a client
// publishes its Ed25519 identity key, signed pre-key, and an initial
// batch of one-time pre-keys. It is public — a brand-new client has no
// signing relationship with the relay yet, so it cannot be required to
// authenticate the request that creates its own identity. The relay,
// not the client, assigns the opaque moltbotId.
func (s *Server) RegisterIdentity(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterIdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.PublicKey) == 0 || len(req.SignedPreKey) == 0 || len(req.PreKeySignature) == 0 {
		http.Error(w, "publicKey, signedPreKey, and preKeySignature are required", http.StatusBadRequest)
		return
	}

	moltbotID, err := newMoltbotID()
	if err != nil {
		http.Error(w, "failed to assign identity id", http.StatusInternalServerError)
		return
	}

	rec := models.IdentityRecord{
		MoltbotID:          moltbotID,
		IdentityPublicKey:  req.PublicKey,
		SignedPreKeyPublic: req.SignedPreKey,
		PreKeySignature:    req.PreKeySignature,
		CreatedAt:          time.Now(),
	}
	if err := s.Store.PutIdentity(rec); err != nil {
		http.Error(w, "failed to register identity", http.StatusInternalServerError)
		return
	}

	if len(req.OneTimePreKeys) > 0 {
		keys := make([]models.OneTimePreKeyRecord, 0, len(req.OneTimePreKeys))
		for _, k := range req.OneTimePreKeys {
			keys = append(keys, models.OneTimePreKeyRecord{
				MoltbotID: moltbotID,
				KeyID:     k.KeyID,
				PublicKey: k.PublicKey,
			})
		}
		if err := s.Store.AppendOneTimePreKeys(moltbotID, keys); err != nil {
			http.Error(w, "failed to store one-time pre-keys", http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]interface{}{
		"identity": map[string]interface{}{
			"id":              rec.MoltbotID,
			"publicKey":       rec.IdentityPublicKey,
			"signedPreKey":    rec.SignedPreKeyPublic,
			"preKeySignature": rec.PreKeySignature,
		},
	})
}

// newMoltbotID assigns a relay-side opaque identity id of the form
// moltbot_<12 hex chars>.
func newMoltbotID() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "moltbot_" + hex.EncodeToString(b), nil
}

// ReplenishOneTimePreKeys handles POST
// /api/identity/{moltbotId}/prekeys: append-only addition to the
// one-time pre-key pool.
func (s *Server) ReplenishOneTimePreKeys(w http.ResponseWriter, r *http.Request) {
	moltbotID := mux.Vars(r)["moltbotId"]

	var req struct {
		OneTimePreKeys []models.OneTimePreKeyIn `json:"oneTimePreKeys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	keys := make([]models.OneTimePreKeyRecord, 0, len(req.OneTimePreKeys))
	for _, k := range req.OneTimePreKeys {
		keys = append(keys, models.OneTimePreKeyRecord{
			MoltbotID: moltbotID,
			KeyID:     k.KeyID,
			PublicKey: k.PublicKey,
		})
	}
	if err := s.Store.AppendOneTimePreKeys(moltbotID, keys); err != nil {
		http.Error(w, "failed to append one-time pre-keys", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]string{"status": "replenished"})
}

// GetIdentityBundle handles GET /api/identity/{moltbotId}: returns the
// published identity bundle only. It never touches the one-time
// pre-key pool — repeated lookups (e.g. a peer re-fetching a bundle to
// re-verify a signature) must not drain it.
func (s *Server) GetIdentityBundle(w http.ResponseWriter, r *http.Request) {
	moltbotID := mux.Vars(r)["moltbotId"]

	rec, ok, err := s.Store.GetIdentity(moltbotID)
	if err != nil {
		http.Error(w, "failed to look up identity", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "identity not found", http.StatusNotFound)
		return
	}

	writeJSON(w, models.IdentityBundle{
		MoltbotID:          rec.MoltbotID,
		IdentityPublicKey:  rec.IdentityPublicKey,
		SignedPreKeyPublic: rec.SignedPreKeyPublic,
		PreKeySignature:    rec.PreKeySignature,
	})
}

// GetOneTimePreKey handles GET /api/identity/{moltbotId}/prekey:
// atomically consumes and returns at most one one-time pre-key. The
// core does not currently use one-time pre-keys for messaging (the
// sender-key wrap uses only the SPK); this endpoint exists so the
// relay still honors a peer's X3DH-style fetch, and returns
// {"oneTimePreKey": null} once the pool is drained rather than erroring.
func (s *Server) GetOneTimePreKey(w http.ResponseWriter, r *http.Request) {
	moltbotID := mux.Vars(r)["moltbotId"]

	otk, ok, err := s.Store.ConsumeOneTimePreKey(moltbotID)
	if err != nil {
		http.Error(w, "failed to consume one-time pre-key", http.StatusInternalServerError)
		return
	}
	if !ok {
		writeJSON(w, map[string]interface{}{"oneTimePreKey": nil})
		return
	}

	writeJSON(w, map[string]interface{}{
		"oneTimePreKey": models.OneTimePreKeyIn{KeyID: otk.KeyID, PublicKey: otk.PublicKey},
	})
}
