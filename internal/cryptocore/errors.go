package cryptocore

import "errors"

// Taxonomy tags reported to callers per the error-handling policy: none
// of these propagate internal detail, only the category. TagAuth and
// TagAuthz round out the full taxonomy for SDK consumers even though
// classify only ever produces the other five here; request signing and
// admin-only rejections are the relay's concern (internal/reqauth,
// internal/relay), not this package's Send/Receive path.
const (
	TagValidation      = "validation"
	TagAuth            = "authentication"
	TagAuthz           = "authorization"
	TagKeying          = "keying"
	TagCryptoIntegrity = "crypto_integrity"
	TagTransport       = "transport"
	TagProtocol        = "protocol"
)

var (
	// ErrNoSenderState means a conversation has never sent and has no chain yet.
	ErrNoSenderState = errors.New("cryptocore: no sender chain state for conversation")

	// ErrNoReceiverState means no wrapped key has ever been installed for this sender.
	ErrNoReceiverState = errors.New("cryptocore: no receiver chain state for sender")

	// ErrUndecryptable covers every locally-recoverable keying failure: missing
	// wrap, failed unwrap, or absent receiver state. The caller should render a
	// placeholder and retry on the next message from this sender.
	ErrUndecryptable = errors.New("cryptocore: message is undecryptable with current key material")

	// ErrPastIndex is returned when messageIndex < rk.messageIndex and no
	// skipped key was cached for it.
	ErrPastIndex = errors.New("cryptocore: message index is in the past")

	// ErrCryptoIntegrity covers AEAD tag failure and any HMAC anomaly. Treated
	// as an active-attack signal; the single message fails, nothing else moves.
	ErrCryptoIntegrity = errors.New("cryptocore: authentication failed")

	// ErrIdentityIncomplete is returned when an identity lacks signedPreKeyPair.private.
	ErrIdentityIncomplete = errors.New("cryptocore: identity has no signed pre-key private half, cannot decrypt")

	// ErrNoPeerPreKey signals a recipient's SPK could not be fetched; recoverable
	// on the next send.
	ErrNoPeerPreKey = errors.New("cryptocore: recipient signed pre-key unavailable")
)

// TaggedError pairs an error with a taxonomy tag for relay-facing responses.
type TaggedError struct {
	Err error
	Tag string
}

func (e *TaggedError) Error() string { return e.Err.Error() }
func (e *TaggedError) Unwrap() error { return e.Err }

func tag(err error, t string) error {
	if err == nil {
		return nil
	}
	return &TaggedError{Err: err, Tag: t}
}

// classify attaches the taxonomy tag from §7's error-handling policy
// to an error surfacing from Send or Receive, so every error the
// Client returns carries a category a caller can act on without
// string-matching internal error text.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUndecryptable), errors.Is(err, ErrNoReceiverState), errors.Is(err, ErrNoPeerPreKey), errors.Is(err, ErrNoSenderState):
		return tag(err, TagKeying)
	case errors.Is(err, ErrCryptoIntegrity):
		return tag(err, TagCryptoIntegrity)
	case errors.Is(err, ErrPastIndex):
		return tag(err, TagProtocol)
	case errors.Is(err, ErrIdentityIncomplete):
		return tag(err, TagValidation)
	default:
		return tag(err, TagTransport)
	}
}
