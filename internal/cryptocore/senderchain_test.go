package cryptocore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSenderChainAdvancesIndexAndChainKey(t *testing.T) {
	m := NewSenderChainManager(nil)

	out1, initial1, err := m.Send("conv-1", []byte("first"))
	require.NoError(t, err)
	require.EqualValues(t, 0, out1.MessageIndex)
	require.EqualValues(t, 1, out1.SenderKeyVersion)

	out2, initial2, err := m.Send("conv-1", []byte("second"))
	require.NoError(t, err)
	require.EqualValues(t, 1, out2.MessageIndex)
	require.Equal(t, initial1, initial2, "initial chain key is fixed per version, distributed once")
	require.NotEqual(t, out1.Ciphertext, out2.Ciphertext)
}

func TestSenderChainForwardSecrecyWitness(t *testing.T) {
	m := NewSenderChainManager(nil)
	firstChainKey := [32]byte{}
	copy(firstChainKey[:], []byte("witness-initial-chain-key-32byt"))
	m.LoadState(SenderState{ConversationID: "conv-1", ChainKey: firstChainKey, InitialChainKey: firstChainKey, Version: 1})

	firstMessageKey := messageKeyFromChain(firstChainKey)

	_, _, err := m.Send("conv-1", []byte("msg"))
	require.NoError(t, err)

	state, ok := m.State("conv-1")
	require.True(t, ok)

	// The chain key has moved forward one step; deriving a message key
	// straight from the new chain key must not reproduce the key the
	// first message used. nextChainKeyFrom has no defined inverse, so
	// there is no way to walk state.ChainKey back to firstChainKey.
	require.NotEqual(t, firstMessageKey, messageKeyFromChain(state.ChainKey))
	require.NotEqual(t, firstChainKey, state.ChainKey)
}

func TestRotateResetsVersionAndIndex(t *testing.T) {
	m := NewSenderChainManager(nil)
	_, firstInitial, err := m.Send("conv-1", []byte("msg"))
	require.NoError(t, err)

	require.NoError(t, m.Rotate("conv-1"))

	state, ok := m.State("conv-1")
	require.True(t, ok)
	require.EqualValues(t, 2, state.Version)
	require.EqualValues(t, 0, state.MessageIndex)
	require.NotEqual(t, firstInitial, state.InitialChainKey)
}

func TestRotateWithoutPriorSendErrors(t *testing.T) {
	m := NewSenderChainManager(nil)
	require.ErrorIs(t, m.Rotate("never-sent"), ErrNoSenderState)
}

func TestDestroyRemovesState(t *testing.T) {
	m := NewSenderChainManager(nil)
	_, _, err := m.Send("conv-1", []byte("msg"))
	require.NoError(t, err)

	m.Destroy("conv-1")
	_, ok := m.State("conv-1")
	require.False(t, ok)
}

func TestSendPersistsBeforeReleasingMessage(t *testing.T) {
	var persisted []SenderState
	m := NewSenderChainManager(func(s SenderState) error {
		persisted = append(persisted, s)
		return nil
	})

	_, _, err := m.Send("conv-1", []byte("msg"))
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	require.EqualValues(t, 1, persisted[0].MessageIndex)
}
