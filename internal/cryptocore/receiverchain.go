package cryptocore

import (
	"encoding/base64"
	"fmt"
	"sync"
)

// DefaultSkippedKeyCacheSize bounds the skipped-message-key cache;
// entries beyond this many per (conversation, sender, version) are
// evicted oldest-first.
const DefaultSkippedKeyCacheSize = 64

// ReceivedKey is the per-(conversation, sender) receiving ratchet
// state. Absent until a wrapped key is successfully received.
type ReceivedKey struct {
	ConversationID string
	SenderID       string
	ChainKey       [32]byte
	Version        uint64
	MessageIndex   uint64
}

type skippedKey struct {
	version uint64
	index   uint64
	key     [32]byte
}

// InboundMessage is the subset of the wire message record needed to
// decrypt: everything the relay hands back on poll/fetch.
type InboundMessage struct {
	ConversationID      string
	FromID              string
	Ciphertext          string // base64(nonce || ct || tag)
	SenderKeyVersion    uint64
	MessageIndex        uint64
	EncryptedSenderKeys map[string]string // recipient moltbotId -> base64 wrap blob, may be nil
}

// ReceiverChainCache owns every ReceivedKey for the local identity.
type ReceiverChainCache struct {
	mu       sync.Mutex
	states   map[string]*ReceivedKey // key: conversationID + "\x00" + senderID
	skipped  map[string][]skippedKey // same key, bounded FIFO
	cacheCap int

	// Unwrap attempts to decrypt m.EncryptedSenderKeys[selfID]; supplied
	// by the Distributor so the receiver cache stays ignorant of
	// ECDH/HKDF details.
	Unwrap func(wrapBlobBase64 string) (initialChainKey [32]byte, err error)

	// Persist is called with the mutated receiver state after each
	// successful decryption.
	Persist func(state ReceivedKey) error

	SelfID string
}

// NewReceiverChainCache constructs a cache. unwrap and persist may be
// supplied later via the exported fields for tests.
func NewReceiverChainCache(selfID string, unwrap func(string) ([32]byte, error), persist func(ReceivedKey) error) *ReceiverChainCache {
	return &ReceiverChainCache{
		states:   make(map[string]*ReceivedKey),
		skipped:  make(map[string][]skippedKey),
		cacheCap: DefaultSkippedKeyCacheSize,
		Unwrap:   unwrap,
		Persist:  persist,
		SelfID:   selfID,
	}
}

func rkKey(conversationID, senderID string) string {
	return conversationID + "\x00" + senderID
}

// LoadState installs a previously-persisted receiver state.
func (c *ReceiverChainCache) LoadState(state ReceivedKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := state
	c.states[rkKey(state.ConversationID, state.SenderID)] = &s
}

// Receive installs or ratchets the receiver chain, derives the message
// key for the requested index (using the skipped-key cache for
// reordered delivery), and decrypts.
func (c *ReceiverChainCache) Receive(m InboundMessage) ([]byte, error) {
	key := rkKey(m.ConversationID, m.FromID)

	c.mu.Lock()
	rk, haveRK := c.states[key]
	c.mu.Unlock()

	wrapBlob, haveWrap := "", false
	if m.EncryptedSenderKeys != nil {
		wrapBlob, haveWrap = m.EncryptedSenderKeys[c.SelfID]
	}

	if haveWrap && (!haveRK || rk.Version != m.SenderKeyVersion) {
		if c.Unwrap == nil {
			return nil, ErrUndecryptable
		}
		initial, err := c.Unwrap(wrapBlob)
		if err != nil {
			// Step 2b: abort, don't evict any existing good state.
			return nil, ErrUndecryptable
		} else {
			newRK := &ReceivedKey{
				ConversationID: m.ConversationID,
				SenderID:       m.FromID,
				ChainKey:       initial,
				Version:        m.SenderKeyVersion,
				MessageIndex:   0,
			}
			c.mu.Lock()
			c.states[key] = newRK
			delete(c.skipped, key) // new version invalidates any skipped keys from the old one
			c.mu.Unlock()
			rk = newRK
			haveRK = true
		}
	}

	if !haveRK {
		return nil, ErrUndecryptable
	}

	target := m.MessageIndex

	// rk's position is put back, and keys skipped on the way are not
	// cached, unless the ciphertext authenticates. A key taken from the
	// skipped-key cache stays consumed either way.
	prevChainKey, prevIndex := rk.ChainKey, rk.MessageIndex
	var pending []skippedKey
	var messageKey [32]byte
	switch {
	case target == rk.MessageIndex:
		messageKey = messageKeyFromChain(rk.ChainKey)
		rk.ChainKey = nextChainKeyFrom(rk.ChainKey)
		rk.MessageIndex++

	case target > rk.MessageIndex:
		var k [32]byte
		ck := rk.ChainKey
		for i := rk.MessageIndex; i <= target; i++ {
			k = messageKeyFromChain(ck)
			if i < target {
				pending = append(pending, skippedKey{version: rk.Version, index: i, key: k})
			}
			ck = nextChainKeyFrom(ck)
		}
		messageKey = k
		rk.ChainKey = ck
		rk.MessageIndex = target + 1

	default: // target < rk.MessageIndex
		if k, ok := c.takeSkippedKey(key, rk.Version, target); ok {
			messageKey = k
		} else {
			return nil, ErrPastIndex
		}
	}

	sealed, err := base64.StdEncoding.DecodeString(m.Ciphertext)
	if err != nil {
		rk.ChainKey, rk.MessageIndex = prevChainKey, prevIndex
		return nil, fmt.Errorf("cryptocore: decode ciphertext: %w", err)
	}

	plaintext, err := openAESGCM(messageKey[:], sealed)
	if err != nil {
		rk.ChainKey, rk.MessageIndex = prevChainKey, prevIndex
		return nil, err
	}
	for _, sk := range pending {
		c.cacheSkippedKey(key, sk.version, sk.index, sk.key)
	}

	if c.Persist != nil {
		if err := c.Persist(*rk); err != nil {
			return nil, fmt.Errorf("cryptocore: persist receiver state: %w", err)
		}
	}

	return plaintext, nil
}

func (c *ReceiverChainCache) cacheSkippedKey(key string, version, index uint64, k [32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.skipped[key]
	list = append(list, skippedKey{version: version, index: index, key: k})
	if len(list) > c.cacheCap {
		list = list[len(list)-c.cacheCap:]
	}
	c.skipped[key] = list
}

func (c *ReceiverChainCache) takeSkippedKey(key string, version, index uint64) ([32]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.skipped[key]
	for i, sk := range list {
		if sk.version == version && sk.index == index {
			c.skipped[key] = append(list[:i], list[i+1:]...)
			return sk.key, true
		}
	}
	return [32]byte{}, false
}

// Destroy removes local receiver state for a conversation, across all
// senders, called when the conversation itself is destroyed.
func (c *ReceiverChainCache) Destroy(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := conversationID + "\x00"
	for k := range c.states {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.states, k)
			delete(c.skipped, k)
		}
	}
}

// State returns a copy of the current receiver state for (conversation,
// sender), or false if none exists.
func (c *ReceiverChainCache) State(conversationID, senderID string) (ReceivedKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rk, ok := c.states[rkKey(conversationID, senderID)]
	if !ok {
		return ReceivedKey{}, false
	}
	return *rk, true
}
