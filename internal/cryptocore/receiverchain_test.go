package cryptocore

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func sealedMessage(t *testing.T, chainKey [32]byte, index uint64, plaintext []byte) (string, [32]byte) {
	t.Helper()
	ck := chainKey
	var k [32]byte
	for i := uint64(0); i <= index; i++ {
		k = messageKeyFromChain(ck)
		ck = nextChainKeyFrom(ck)
	}
	sealed, err := sealAESGCM(k[:], plaintext)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sealed), ck
}

func TestReceiverChainInOrderDecrypt(t *testing.T) {
	var initial [32]byte
	copy(initial[:], []byte("sender-initial-chain-key-32byte"))

	c := NewReceiverChainCache("bob", nil, nil)
	c.LoadState(ReceivedKey{ConversationID: "c1", SenderID: "alice", ChainKey: initial, Version: 1, MessageIndex: 0})

	ct0, _ := sealedMessage(t, initial, 0, []byte("1"))
	pt, err := c.Receive(InboundMessage{ConversationID: "c1", FromID: "alice", Ciphertext: ct0, SenderKeyVersion: 1, MessageIndex: 0})
	require.NoError(t, err)
	require.Equal(t, "1", string(pt))

	ct1, _ := sealedMessage(t, initial, 1, []byte("2"))
	pt, err = c.Receive(InboundMessage{ConversationID: "c1", FromID: "alice", Ciphertext: ct1, SenderKeyVersion: 1, MessageIndex: 1})
	require.NoError(t, err)
	require.Equal(t, "2", string(pt))

	state, ok := c.State("c1", "alice")
	require.True(t, ok)
	require.EqualValues(t, 2, state.MessageIndex)
}

func TestReceiverChainInstallsFromWrap(t *testing.T) {
	var initial [32]byte
	copy(initial[:], []byte("sender-initial-chain-key-32byte"))

	unwrap := func(blob string) ([32]byte, error) {
		require.Equal(t, "wrapped-blob", blob)
		return initial, nil
	}
	c := NewReceiverChainCache("bob", unwrap, nil)

	ct0, _ := sealedMessage(t, initial, 0, []byte("hello"))
	pt, err := c.Receive(InboundMessage{
		ConversationID:      "c1",
		FromID:              "alice",
		Ciphertext:          ct0,
		SenderKeyVersion:    1,
		MessageIndex:        0,
		EncryptedSenderKeys: map[string]string{"bob": "wrapped-blob"},
	})
	require.NoError(t, err)
	require.Equal(t, "hello", string(pt))
}

func TestReceiverChainUndecryptableWithoutStateOrWrap(t *testing.T) {
	c := NewReceiverChainCache("bob", nil, nil)
	_, err := c.Receive(InboundMessage{ConversationID: "c1", FromID: "alice", Ciphertext: "x", SenderKeyVersion: 1, MessageIndex: 0})
	require.ErrorIs(t, err, ErrUndecryptable)
}

func TestReceiverChainForwardSkipAndLateSkippedKeyRecovery(t *testing.T) {
	var initial [32]byte
	copy(initial[:], []byte("sender-initial-chain-key-32byte"))

	c := NewReceiverChainCache("bob", nil, nil)
	c.LoadState(ReceivedKey{ConversationID: "c1", SenderID: "alice", ChainKey: initial, Version: 1, MessageIndex: 0})

	// Index 2 arrives before index 1 (reordered delivery): the cache
	// must ratchet forward through 0 and 1, caching their keys, and
	// decrypt index 2 directly.
	ct2, _ := sealedMessage(t, initial, 2, []byte("third"))
	pt, err := c.Receive(InboundMessage{ConversationID: "c1", FromID: "alice", Ciphertext: ct2, SenderKeyVersion: 1, MessageIndex: 2})
	require.NoError(t, err)
	require.Equal(t, "third", string(pt))

	state, ok := c.State("c1", "alice")
	require.True(t, ok)
	require.EqualValues(t, 3, state.MessageIndex)

	// The skipped key for index 1 is still cached; index 1 itself can
	// now be decrypted from it.
	ct1, _ := sealedMessage(t, initial, 1, []byte("second"))
	pt, err = c.Receive(InboundMessage{ConversationID: "c1", FromID: "alice", Ciphertext: ct1, SenderKeyVersion: 1, MessageIndex: 1})
	require.NoError(t, err)
	require.Equal(t, "second", string(pt))
}

func TestReceiverChainPastIndexWithoutSkippedKeyFails(t *testing.T) {
	var initial [32]byte
	copy(initial[:], []byte("sender-initial-chain-key-32byte"))

	c := NewReceiverChainCache("bob", nil, nil)
	c.LoadState(ReceivedKey{ConversationID: "c1", SenderID: "alice", ChainKey: initial, Version: 1, MessageIndex: 5})

	ct0, _ := sealedMessage(t, initial, 0, []byte("ancient"))
	_, err := c.Receive(InboundMessage{ConversationID: "c1", FromID: "alice", Ciphertext: ct0, SenderKeyVersion: 1, MessageIndex: 0})
	require.ErrorIs(t, err, ErrPastIndex)
}

func TestReceiverChainFailedUnwrapDoesNotEvictExistingState(t *testing.T) {
	var initial [32]byte
	copy(initial[:], []byte("sender-initial-chain-key-32byte"))

	c := NewReceiverChainCache("bob", nil, nil)
	c.LoadState(ReceivedKey{ConversationID: "c1", SenderID: "alice", ChainKey: initial, Version: 1, MessageIndex: 0})
	c.Unwrap = func(string) ([32]byte, error) { return [32]byte{}, ErrCryptoIntegrity }

	ct0, _ := sealedMessage(t, initial, 0, []byte("hello"))
	pt, err := c.Receive(InboundMessage{
		ConversationID:      "c1",
		FromID:              "alice",
		Ciphertext:          ct0,
		SenderKeyVersion:    2, // different version triggers an unwrap attempt
		MessageIndex:        0,
		EncryptedSenderKeys: map[string]string{"bob": "bad-blob"},
	})
	require.Error(t, err)
	require.Nil(t, pt)

	state, ok := c.State("c1", "alice")
	require.True(t, ok, "existing receiver state must survive a failed unwrap")
	require.EqualValues(t, 1, state.Version)
}

func TestReceiverChainDestroyClearsAllSendersForConversation(t *testing.T) {
	c := NewReceiverChainCache("bob", nil, nil)
	c.LoadState(ReceivedKey{ConversationID: "c1", SenderID: "alice", Version: 1})
	c.LoadState(ReceivedKey{ConversationID: "c1", SenderID: "carol", Version: 1})
	c.LoadState(ReceivedKey{ConversationID: "c2", SenderID: "alice", Version: 1})

	c.Destroy("c1")

	_, ok := c.State("c1", "alice")
	require.False(t, ok)
	_, ok = c.State("c1", "carol")
	require.False(t, ok)
	_, ok = c.State("c2", "alice")
	require.True(t, ok, "unrelated conversation state must be untouched")
}
