package cryptocore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
)

// These single-byte HMAC labels are fixed and observable on the wire;
// any deviation breaks interop with other clients.
var (
	labelMessageKey   = []byte{0x01}
	labelNextChainKey = []byte{0x02}
)

// messageKeyFromChain derives the 32-byte AES-256-GCM key for the
// current position of the chain.
func messageKeyFromChain(chainKey [32]byte) [32]byte {
	return hmacSHA256(chainKey, labelMessageKey)
}

// nextChainKeyFrom ratchets the chain one step forward. One-way by
// construction (HMAC): an attacker who steals a chain key still cannot
// recover the keys that came before it.
func nextChainKeyFrom(chainKey [32]byte) [32]byte {
	return hmacSHA256(chainKey, labelNextChainKey)
}

func hmacSHA256(key [32]byte, label []byte) [32]byte {
	h := hmac.New(sha256.New, key[:])
	h.Write(label)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SenderState is the per-conversation sending ratchet state.
type SenderState struct {
	ConversationID   string
	ChainKey         [32]byte
	InitialChainKey  [32]byte
	Version          uint64
	MessageIndex     uint64
}

// OutboundMessage is what a send step hands back to the caller for
// transmission.
type OutboundMessage struct {
	ConversationID  string
	Ciphertext      string // base64(nonce || ct || tag)
	SenderKeyVersion uint64
	MessageIndex     uint64
}

// SenderChainManager owns every SenderState for the local identity,
// one conversation at a time, with per-conversation mutual exclusion so
// two concurrent sends on one conversation never interleave.
type SenderChainManager struct {
	mu     sync.Mutex
	states map[string]*SenderState
	locks  map[string]*sync.Mutex

	// Persist is called with the mutated state before the caller is
	// allowed to release the message on the wire, so a crash between
	// ratcheting and persisting can never cause a message key reuse.
	Persist func(state SenderState) error
}

// NewSenderChainManager constructs an empty manager. Persist may be nil
// for tests that don't need durability.
func NewSenderChainManager(persist func(SenderState) error) *SenderChainManager {
	return &SenderChainManager{
		states:  make(map[string]*SenderState),
		locks:   make(map[string]*sync.Mutex),
		Persist: persist,
	}
}

// LoadState installs a previously-persisted state, e.g. at process
// startup or after a device-pairing snapshot import.
func (m *SenderChainManager) LoadState(state SenderState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := state
	m.states[state.ConversationID] = &s
}

func (m *SenderChainManager) conversationLock(conversationID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[conversationID] = l
	}
	return l
}

// Send creates the sender state if absent, derives the message key,
// ratchets, encrypts, persists, and emits the ciphertext. The caller is
// responsible for wrapping and distributing the sender key to the
// current recipient set; this manager knows nothing about membership.
func (m *SenderChainManager) Send(conversationID string, plaintext []byte) (OutboundMessage, [32]byte, error) {
	lock := m.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	state, ok := m.states[conversationID]
	if !ok {
		initial, err := randomBytes(32)
		if err != nil {
			m.mu.Unlock()
			return OutboundMessage{}, [32]byte{}, fmt.Errorf("cryptocore: generate chain key: %w", err)
		}
		var ck [32]byte
		copy(ck[:], initial)
		state = &SenderState{
			ConversationID:  conversationID,
			ChainKey:        ck,
			InitialChainKey: ck,
			Version:         1,
			MessageIndex:    0,
		}
		m.states[conversationID] = state
	}
	m.mu.Unlock()

	messageKey := messageKeyFromChain(state.ChainKey)
	usedIndex := state.MessageIndex

	newChainKey := nextChainKeyFrom(state.ChainKey)
	newIndex := state.MessageIndex + 1

	sealed, err := sealAESGCM(messageKey[:], plaintext)
	if err != nil {
		return OutboundMessage{}, [32]byte{}, fmt.Errorf("cryptocore: encrypt message: %w", err)
	}

	// Mutate only after the crypto succeeded; persist before release.
	state.ChainKey = newChainKey
	state.MessageIndex = newIndex

	if m.Persist != nil {
		if err := m.Persist(*state); err != nil {
			// The ratchet has already advanced in memory and cannot be run
			// backwards (it's one-way HMAC); the message is lost rather
			// than risk ever reusing a message key.
			return OutboundMessage{}, [32]byte{}, fmt.Errorf("cryptocore: persist sender state: %w", err)
		}
	}

	out := OutboundMessage{
		ConversationID:   conversationID,
		Ciphertext:       base64.StdEncoding.EncodeToString(sealed),
		SenderKeyVersion: state.Version,
		MessageIndex:     usedIndex,
	}
	return out, state.InitialChainKey, nil
}

// Rotate bumps the version and reseeds the chain, called by the
// membership-trigger layer on peer removal.
func (m *SenderChainManager) Rotate(conversationID string) error {
	lock := m.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	state, ok := m.states[conversationID]
	if !ok {
		m.mu.Unlock()
		return ErrNoSenderState
	}
	m.mu.Unlock()

	fresh, err := randomBytes(32)
	if err != nil {
		return fmt.Errorf("cryptocore: generate rotated chain key: %w", err)
	}
	var ck [32]byte
	copy(ck[:], fresh)

	state.Version++
	state.ChainKey = ck
	state.InitialChainKey = ck
	state.MessageIndex = 0

	if m.Persist != nil {
		if err := m.Persist(*state); err != nil {
			return fmt.Errorf("cryptocore: persist rotated sender state: %w", err)
		}
	}
	return nil
}

// Destroy removes local sender state, called when self leaves a
// conversation.
func (m *SenderChainManager) Destroy(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, conversationID)
	delete(m.locks, conversationID)
}

// State returns a copy of the current sender state, or false if none
// exists yet.
func (m *SenderChainManager) State(conversationID string) (SenderState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[conversationID]
	if !ok {
		return SenderState{}, false
	}
	return *s, true
}
