package cryptocore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeerAddedIsANoOp(t *testing.T) {
	sender := NewSenderChainManager(nil)
	_, _, err := sender.Send("c1", []byte("m1"))
	require.NoError(t, err)
	before, _ := sender.State("c1")

	trig := &MembershipTrigger{Sender: sender, Receiver: NewReceiverChainCache("self", nil, nil)}
	trig.PeerAdded("c1", "dave")

	after, ok := sender.State("c1")
	require.True(t, ok)
	require.Equal(t, before, after, "adding a peer must never rotate or otherwise mutate sender state")
}

func TestPeerRemovedRotatesSenderChain(t *testing.T) {
	sender := NewSenderChainManager(nil)
	_, firstInitial, err := sender.Send("c1", []byte("m1"))
	require.NoError(t, err)

	trig := &MembershipTrigger{Sender: sender, Receiver: NewReceiverChainCache("self", nil, nil)}
	require.NoError(t, trig.PeerRemoved("c1", "carol"))

	state, ok := sender.State("c1")
	require.True(t, ok)
	require.EqualValues(t, 2, state.Version)
	require.EqualValues(t, 0, state.MessageIndex)
	require.NotEqual(t, firstInitial, state.InitialChainKey)
}

func TestSelfLeftDestroysSenderStateOnly(t *testing.T) {
	sender := NewSenderChainManager(nil)
	receiver := NewReceiverChainCache("self", nil, nil)
	receiver.LoadState(ReceivedKey{ConversationID: "c1", SenderID: "alice", Version: 1})

	_, _, err := sender.Send("c1", []byte("m1"))
	require.NoError(t, err)

	trig := &MembershipTrigger{Sender: sender, Receiver: receiver}
	trig.SelfLeft("c1")

	_, ok := sender.State("c1")
	require.False(t, ok)
	_, ok = receiver.State("c1", "alice")
	require.True(t, ok, "self leaving only tears down sender state, not receiver state")
}

func TestConversationDestroyedTearsDownBothSides(t *testing.T) {
	sender := NewSenderChainManager(nil)
	receiver := NewReceiverChainCache("self", nil, nil)
	receiver.LoadState(ReceivedKey{ConversationID: "c1", SenderID: "alice", Version: 1})

	_, _, err := sender.Send("c1", []byte("m1"))
	require.NoError(t, err)

	trig := &MembershipTrigger{Sender: sender, Receiver: receiver}
	trig.ConversationDestroyed("c1")

	_, ok := sender.State("c1")
	require.False(t, ok)
	_, ok = receiver.State("c1", "alice")
	require.False(t, ok)
}
