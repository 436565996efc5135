package cryptocore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// testRelay is the minimal in-process stand-in for the relay's
// identity-bundle fetch: just enough for one client's Distributor to
// resolve another client's published SPK public key by moltbotId.
type testRelay struct {
	spkPublics map[string][32]byte
}

func newTestRelay() *testRelay {
	return &testRelay{spkPublics: make(map[string][32]byte)}
}

func (r *testRelay) publish(moltbotID string, spkPublic [32]byte) {
	r.spkPublics[moltbotID] = spkPublic
}

func (r *testRelay) fetch(moltbotID string) ([32]byte, bool) {
	pub, ok := r.spkPublics[moltbotID]
	return pub, ok
}

func newTestClient(t *testing.T, relay *testRelay, moltbotID string) *Client {
	t.Helper()
	id, err := NewIdentity(1)
	require.NoError(t, err)
	id.MoltbotID = moltbotID
	relay.publish(moltbotID, id.SignedPreKey.Public)

	c, err := NewClient(id, nil, nil, relay.fetch)
	require.NoError(t, err)
	return c
}

// deliver feeds a SendResult from `from` to `to` as an InboundMessage,
// the same shape the relay hands back on poll/fetch.
func deliver(conversationID, fromID string, out SendResult) InboundMessage {
	return InboundMessage{
		ConversationID:      conversationID,
		FromID:              fromID,
		Ciphertext:          out.Ciphertext,
		SenderKeyVersion:    out.SenderKeyVersion,
		MessageIndex:        out.MessageIndex,
		EncryptedSenderKeys: out.EncryptedSenderKeys,
	}
}

// TestS1DMRoundTrip mirrors scenario S1: A and B register, A sends
// "Hello" then "World", B decrypts both in order.
func TestS1DMRoundTrip(t *testing.T) {
	relay := newTestRelay()
	a := newTestClient(t, relay, "a")
	b := newTestClient(t, relay, "b")

	out1, err := a.Send("c1", []byte("Hello"), []string{"b"})
	require.NoError(t, err)
	pt1, err := b.Receive(deliver("c1", "a", out1))
	require.NoError(t, err)
	require.Equal(t, "Hello", string(pt1))

	out2, err := a.Send("c1", []byte("World"), []string{"b"})
	require.NoError(t, err)
	pt2, err := b.Receive(deliver("c1", "a", out2))
	require.NoError(t, err)
	require.Equal(t, "World", string(pt2))

	state, ok := b.Receiver.State("c1", "a")
	require.True(t, ok)
	require.EqualValues(t, 2, state.MessageIndex)
}

// TestS2RatchetOverThreeMessages mirrors scenario S2.
func TestS2RatchetOverThreeMessages(t *testing.T) {
	relay := newTestRelay()
	a := newTestClient(t, relay, "a")
	b := newTestClient(t, relay, "b")

	plaintexts := []string{"1", "2", "3"}
	var wantIndex uint64
	for _, p := range plaintexts {
		out, err := a.Send("c1", []byte(p), []string{"b"})
		require.NoError(t, err)
		require.Equal(t, wantIndex, out.MessageIndex)

		pt, err := b.Receive(deliver("c1", "a", out))
		require.NoError(t, err)
		require.Equal(t, p, string(pt))
		wantIndex++
	}
}

// TestS3LateJoinerCannotDecryptHistory mirrors scenario S3: A and B
// are in a group; A sends "before" while only B is a recipient. C
// joins (no rotation — adding a peer is a no-op). A sends "after"
// addressed to B and C. B decrypts both; C decrypts only "after".
func TestS3LateJoinerCannotDecryptHistory(t *testing.T) {
	relay := newTestRelay()
	a := newTestClient(t, relay, "a")
	b := newTestClient(t, relay, "b")
	c := newTestClient(t, relay, "c")

	before, err := a.Send("g1", []byte("before"), []string{"b"})
	require.NoError(t, err)
	require.EqualValues(t, 1, before.SenderKeyVersion)
	require.EqualValues(t, 0, before.MessageIndex)

	ptBefore, err := b.Receive(deliver("g1", "a", before))
	require.NoError(t, err)
	require.Equal(t, "before", string(ptBefore))

	// C joins: membership trigger is a no-op on the sender side.
	a.Membership.PeerAdded("g1", "c")

	after, err := a.Send("g1", []byte("after"), []string{"b", "c"})
	require.NoError(t, err)

	ptAfter, err := b.Receive(deliver("g1", "a", after))
	require.NoError(t, err)
	require.Equal(t, "after", string(ptAfter))

	// C fetches in the relay's delivery order: oldest first. "before"
	// carries no wrap for C (C was not yet a member when A sent it),
	// so it fails before C ever installs receiver state for A.
	_, err = c.Receive(deliver("g1", "a", before))
	require.ErrorIs(t, err, ErrUndecryptable, "a late joiner must not be able to decrypt pre-join history")

	ptAfterC, err := c.Receive(deliver("g1", "a", after))
	require.NoError(t, err)
	require.Equal(t, "after", string(ptAfterC))
}

// TestS4RemovalTriggersRotation mirrors scenario S4: A, B, C in a
// group; A sends m1 (version 1). A removes C and rotates. A sends m2
// under version 2, addressed only to A-visible recipients (B), and C
// cannot derive the new chain from its stale version-1 key.
func TestS4RemovalTriggersRotation(t *testing.T) {
	relay := newTestRelay()
	a := newTestClient(t, relay, "a")
	b := newTestClient(t, relay, "b")
	c := newTestClient(t, relay, "c")

	m1, err := a.Send("g1", []byte("m1"), []string{"b", "c"})
	require.NoError(t, err)
	require.EqualValues(t, 1, m1.SenderKeyVersion)
	require.EqualValues(t, 0, m1.MessageIndex)

	_, err = b.Receive(deliver("g1", "a", m1))
	require.NoError(t, err)
	_, err = c.Receive(deliver("g1", "a", m1))
	require.NoError(t, err)

	require.NoError(t, a.Membership.PeerRemoved("g1", "c"))

	m2, err := a.Send("g1", []byte("m2"), []string{"b"})
	require.NoError(t, err)
	require.EqualValues(t, 2, m2.SenderKeyVersion)
	require.EqualValues(t, 0, m2.MessageIndex)
	_, hasC := m2.EncryptedSenderKeys["c"]
	require.False(t, hasC, "a removed member must not receive the rotated sender key wrap")

	_, err = b.Receive(deliver("g1", "a", m2))
	require.NoError(t, err)

	// C still only holds the version-1 chain and has no wrap for
	// version 2, so it cannot derive the version-2 message key at all.
	_, err = c.Receive(deliver("g1", "a", m2))
	require.Error(t, err)
}

func TestSendSkipsRecipientWhosePreKeyIsUnavailable(t *testing.T) {
	relay := newTestRelay()
	a := newTestClient(t, relay, "a")

	out, err := a.Send("c1", []byte("hi"), []string{"ghost"})
	require.NoError(t, err, "a single recipient's wrap failure must not abort the send")
	_, ok := out.EncryptedSenderKeys["ghost"]
	require.False(t, ok)
}

func TestReceiveErrorsCarryTaxonomyTag(t *testing.T) {
	relay := newTestRelay()
	a := newTestClient(t, relay, "a")
	b := newTestClient(t, relay, "b")

	out, err := a.Send("c1", []byte("hello"), []string{"b"})
	require.NoError(t, err)

	// Tamper with the ciphertext so b's decryption fails integrity.
	out.Ciphertext = out.Ciphertext[:len(out.Ciphertext)-4] + "abcd"

	_, err = b.Receive(deliver("c1", "a", out))
	require.Error(t, err)

	var tagged *TaggedError
	require.ErrorAs(t, err, &tagged)
	require.Equal(t, TagCryptoIntegrity, tagged.Tag)
}
