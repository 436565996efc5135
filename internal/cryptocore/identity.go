package cryptocore

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// DefaultOneTimePreKeyPoolSize is the default replenishment batch size.
const DefaultOneTimePreKeyPoolSize = 10

// X25519KeyPair is a Curve25519 key pair used for the SPK and for
// one-time pre-keys.
type X25519KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateX25519KeyPair generates and clamps a new Curve25519 key pair.
func GenerateX25519KeyPair() (*X25519KeyPair, error) {
	var priv, pub [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("cryptocore: generate x25519 private key: %w", err)
	}

	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	curve25519.ScalarBaseMult(&pub, &priv)
	return &X25519KeyPair{Private: priv, Public: pub}, nil
}

// OneTimePreKey is a single-use X25519 pair; published halves are
// consumed at most once.
type OneTimePreKey struct {
	KeyID   uint32
	Private [32]byte
	Public  [32]byte
}

// SignedPreKey is the medium-lived X25519 pair whose public half is
// signed by the identity key.
type SignedPreKey struct {
	Private   [32]byte
	Public    [32]byte
	Signature []byte // Ed25519 signature over Public, by the identity key
}

// Identity is the per-client persisted identity.
type Identity struct {
	MoltbotID        string
	IdentityPublic   ed25519.PublicKey
	IdentityPrivate  ed25519.PrivateKey
	SignedPreKey     SignedPreKey
	OneTimePreKeys   []OneTimePreKey
	nextOneTimeKeyID uint32
}

// PublicBundle is the published view of an identity.
type PublicBundle struct {
	MoltbotID          string
	IdentityPublicKey  ed25519.PublicKey
	SignedPreKeyPublic [32]byte
	PreKeySignature    []byte
	OneTimePreKeyPubs  []OneTimePreKeyPub
}

// OneTimePreKeyPub is the public half of a one-time pre-key plus its ID.
type OneTimePreKeyPub struct {
	KeyID     uint32
	PublicKey [32]byte
}

// NewIdentity generates a fresh identity: Ed25519 identity pair, X25519
// SPK signed by the identity key, and a pool of one-time pre-keys.
func NewIdentity(oneTimePreKeyCount int) (*Identity, error) {
	if oneTimePreKeyCount <= 0 {
		oneTimePreKeyCount = DefaultOneTimePreKeyPoolSize
	}

	idPub, idPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: generate identity key: %w", err)
	}

	spk, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("cryptocore: generate signed pre-key: %w", err)
	}
	signature := ed25519.Sign(idPriv, spk.Public[:])

	id := &Identity{
		IdentityPublic:  idPub,
		IdentityPrivate: idPriv,
		SignedPreKey: SignedPreKey{
			Private:   spk.Private,
			Public:    spk.Public,
			Signature: signature,
		},
	}

	otks, err := id.generateOneTimePreKeys(oneTimePreKeyCount)
	if err != nil {
		return nil, err
	}
	id.OneTimePreKeys = otks

	return id, nil
}

func (id *Identity) generateOneTimePreKeys(n int) ([]OneTimePreKey, error) {
	out := make([]OneTimePreKey, 0, n)
	for i := 0; i < n; i++ {
		pair, err := GenerateX25519KeyPair()
		if err != nil {
			return nil, fmt.Errorf("cryptocore: generate one-time pre-key: %w", err)
		}
		out = append(out, OneTimePreKey{
			KeyID:   id.nextOneTimeKeyID,
			Private: pair.Private,
			Public:  pair.Public,
		})
		id.nextOneTimeKeyID++
	}
	return out, nil
}

// Replenish appends additional one-time pre-keys to the local pool,
// mirroring the relay-side append-only semantics of the pre-key store.
func (id *Identity) Replenish(n int) error {
	otks, err := id.generateOneTimePreKeys(n)
	if err != nil {
		return err
	}
	id.OneTimePreKeys = append(id.OneTimePreKeys, otks...)
	return nil
}

// ConsumeOneTimePreKey pops and returns the first available one-time
// pre-key, or ok=false if the pool is empty. The pool owner (relay)
// calls this atomically per fetch; the sender-key wrap protocol only
// uses the SPK today, but a one-time pre-key pool must stay correct
// for a future X3DH upgrade.
func (id *Identity) ConsumeOneTimePreKey() (OneTimePreKey, bool) {
	if len(id.OneTimePreKeys) == 0 {
		return OneTimePreKey{}, false
	}
	otk := id.OneTimePreKeys[0]
	id.OneTimePreKeys = id.OneTimePreKeys[1:]
	return otk, true
}

// Validate rejects identities lacking a signed pre-key private half.
func (id *Identity) Validate() error {
	zero := [32]byte{}
	if id.SignedPreKey.Private == zero {
		return ErrIdentityIncomplete
	}
	return nil
}

// PublicBundle returns the public-facing view published to the relay.
func (id *Identity) PublicBundle() PublicBundle {
	pubs := make([]OneTimePreKeyPub, 0, len(id.OneTimePreKeys))
	for _, otk := range id.OneTimePreKeys {
		pubs = append(pubs, OneTimePreKeyPub{KeyID: otk.KeyID, PublicKey: otk.Public})
	}
	return PublicBundle{
		MoltbotID:          id.MoltbotID,
		IdentityPublicKey:  id.IdentityPublic,
		SignedPreKeyPublic: id.SignedPreKey.Public,
		PreKeySignature:    id.SignedPreKey.Signature,
		OneTimePreKeyPubs:  pubs,
	}
}

// VerifyPreKeySignature checks that a published SPK was actually signed
// by the claimed identity key (used by peers before wrapping to it).
func VerifyPreKeySignature(identityPub ed25519.PublicKey, spkPublic [32]byte, signature []byte) bool {
	return ed25519.Verify(identityPub, spkPublic[:], signature)
}
