package cryptocore

// Client bundles the per-identity crypto state a single logical agent
// owns: identity material, the sender chain manager, the receiver
// chain cache, the distributor, and the membership trigger dispatcher.
// It is a single-owner cooperative unit: one Client per process per
// identity.
type Client struct {
	Identity    *Identity
	Sender      *SenderChainManager
	Receiver    *ReceiverChainCache
	Distributor *Distributor
	Membership  *MembershipTrigger
}

// NewClient wires the five components together for a loaded identity.
// persistSender/persistReceiver may be nil in tests; fetchPeerPreKey is
// required for sends that must wrap to recipients.
func NewClient(id *Identity, persistSender func(SenderState) error, persistReceiver func(ReceivedKey) error, fetchPeerPreKey PeerPreKeyFetcher) (*Client, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	distributor := NewDistributor(id.SignedPreKey.Private, fetchPeerPreKey)
	sender := NewSenderChainManager(persistSender)
	receiver := NewReceiverChainCache(id.MoltbotID, distributor.UnwrapBlob, persistReceiver)

	return &Client{
		Identity:    id,
		Sender:      sender,
		Receiver:    receiver,
		Distributor: distributor,
		Membership:  &MembershipTrigger{Sender: sender, Receiver: receiver},
	}, nil
}

// SendResult is everything needed to build the wire message record
// for a single outbound plaintext.
type SendResult struct {
	Ciphertext          string
	SenderKeyVersion    uint64
	MessageIndex        uint64
	EncryptedSenderKeys map[string]string
}

// Send derives the next message key and ratchets the sender chain,
// then wraps the initial chain key for every current recipient.
// recipients should exclude the sender.
func (c *Client) Send(conversationID string, plaintext []byte, recipients []string) (SendResult, error) {
	out, initialChainKey, err := c.Sender.Send(conversationID, plaintext)
	if err != nil {
		return SendResult{}, classify(err)
	}

	wraps := c.Distributor.WrapForRecipients(initialChainKey, recipients)

	return SendResult{
		Ciphertext:          out.Ciphertext,
		SenderKeyVersion:    out.SenderKeyVersion,
		MessageIndex:        out.MessageIndex,
		EncryptedSenderKeys: wraps,
	}, nil
}

// Receive runs the inverse data flow for a single inbound message
// record.
func (c *Client) Receive(m InboundMessage) ([]byte, error) {
	pt, err := c.Receiver.Receive(m)
	return pt, classify(err)
}
