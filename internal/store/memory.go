package store

import (
	"sync"
	"time"

	"github.com/moltdm/moltdm/internal/models"
)

// MemoryStore is the in-memory Store variant: useful for tests and for
// the embedded single-process relay mode. Not durable across restarts.
type MemoryStore struct {
	mu sync.RWMutex

	blobs         map[string][]byte
	identities    map[string]models.IdentityRecord
	oneTimeKeys   map[string][]models.OneTimePreKeyRecord
	conversations map[string]models.Conversation
	messages      map[string][]models.Message
	pairings      map[string]models.PairingRequest
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs:         make(map[string][]byte),
		identities:    make(map[string]models.IdentityRecord),
		oneTimeKeys:   make(map[string][]models.OneTimePreKeyRecord),
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string][]models.Message),
		pairings:      make(map[string]models.PairingRequest),
	}
}

func (s *MemoryStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.blobs[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *MemoryStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.blobs[key] = cp
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

func (s *MemoryStore) PutIdentity(rec models.IdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[rec.MoltbotID] = rec
	return nil
}

func (s *MemoryStore) GetIdentity(moltbotID string) (models.IdentityRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.identities[moltbotID]
	return rec, ok, nil
}

func (s *MemoryStore) AppendOneTimePreKeys(moltbotID string, keys []models.OneTimePreKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oneTimeKeys[moltbotID] = append(s.oneTimeKeys[moltbotID], keys...)
	return nil
}

func (s *MemoryStore) ConsumeOneTimePreKey(moltbotID string) (models.OneTimePreKeyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.oneTimeKeys[moltbotID]
	if len(list) == 0 {
		return models.OneTimePreKeyRecord{}, false, nil
	}
	rec := list[0]
	s.oneTimeKeys[moltbotID] = list[1:]
	return rec, true, nil
}

func (s *MemoryStore) CreateConversation(c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c
	return nil
}

func (s *MemoryStore) GetConversation(id string) (models.Conversation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	return c, ok, nil
}

func (s *MemoryStore) UpdateConversation(c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.ID]; !ok {
		return ErrNotFound
	}
	s.conversations[c.ID] = c
	return nil
}

func (s *MemoryStore) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) AppendMessage(m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return nil
}

func (s *MemoryStore) ListMessages(conversationID string, since time.Time, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.messages[conversationID]
	out := make([]models.Message, 0, len(all))
	now := time.Now()
	for _, m := range all {
		if m.ExpiresAt != nil && m.ExpiresAt.Before(now) {
			continue // expired messages are filtered from reads
		}
		if m.CreatedAt.Before(since) {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CreatePairing(p models.PairingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairings[p.Token] = p
	return nil
}

func (s *MemoryStore) GetPairing(token string) (models.PairingRequest, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pairings[token]
	if !ok || time.Now().After(p.ExpiresAt) {
		return models.PairingRequest{}, false, nil
	}
	return p, true, nil
}

func (s *MemoryStore) CompletePairing(token string, encryptedSnapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pairings[token]
	if !ok {
		return ErrNotFound
	}
	p.EncryptedSnapshot = encryptedSnapshot
	p.Completed = true
	s.pairings[token] = p
	return nil
}
