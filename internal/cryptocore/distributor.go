package cryptocore

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"os"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// wrapInfo and the zero salt are load-bearing for interop: any other
// client deriving a wrap key must use these exact constants.
var wrapInfo = []byte("moltdm-sender-key")

// cryptoLog follows the teacher's component-prefixed log.Logger
// convention (relay uses [RELAY]/[RATE-LIMIT]); the crypto core logs
// only the one case §4.4 calls out as worth a trace: a skipped,
// recoverable wrap failure.
var cryptoLog = log.New(os.Stdout, "[CRYPTO] ", log.Ldate|log.Ltime|log.LUTC)

// PeerPreKeyFetcher resolves a recipient's published SPK public key.
// Returning ok=false means "skip this recipient silently" — recoverable
// on the next send.
type PeerPreKeyFetcher func(recipientID string) (spkPublic [32]byte, ok bool)

// Distributor wraps a chain key to every recipient via ephemeral
// X25519 -> HKDF -> AES-GCM, and unwraps an inbound wrap addressed to
// the local identity.
type Distributor struct {
	FetchPeerPreKey PeerPreKeyFetcher
	SelfSPKPrivate  [32]byte
}

// NewDistributor builds a Distributor bound to the local SPK private
// key (needed to unwrap) and a peer-prekey fetcher (needed to wrap).
func NewDistributor(selfSPKPrivate [32]byte, fetch PeerPreKeyFetcher) *Distributor {
	return &Distributor{FetchPeerPreKey: fetch, SelfSPKPrivate: selfSPKPrivate}
}

// WrapForRecipients produces encryptedSenderKeys for every member of
// the conversation's current member set. Recipients whose SPK cannot
// be fetched are silently skipped: a single recipient's wrap failure
// does not abort the send.
func (d *Distributor) WrapForRecipients(initialChainKey [32]byte, recipients []string) map[string]string {
	out := make(map[string]string, len(recipients))
	for _, r := range recipients {
		blob, err := d.wrapOne(initialChainKey, r)
		if err != nil {
			cryptoLog.Printf("skipping sender-key wrap for %s: %v", r, err)
			continue
		}
		out[r] = blob
	}
	return out
}

func (d *Distributor) wrapOne(initialChainKey [32]byte, recipientID string) (string, error) {
	spkPublic, ok := d.FetchPeerPreKey(recipientID)
	if !ok {
		return "", ErrNoPeerPreKey
	}

	ephemeral, err := GenerateX25519KeyPair()
	if err != nil {
		return "", fmt.Errorf("cryptocore: generate ephemeral wrap key: %w", err)
	}

	var shared [32]byte
	curve25519.ScalarMult(&shared, &ephemeral.Private, &spkPublic)

	wrapKey, err := deriveWrapKey(shared)
	if err != nil {
		return "", err
	}

	blob, err := sealAESGCM(wrapKey[:], initialChainKey[:])
	if err != nil {
		return "", fmt.Errorf("cryptocore: seal sender key wrap: %w", err)
	}

	out := make([]byte, 0, 32+len(blob))
	out = append(out, ephemeral.Public[:]...)
	out = append(out, blob...)

	return base64.StdEncoding.EncodeToString(out), nil
}

// UnwrapBlob reverses wrapOne: split ephemeralPub || sealed, derive the
// shared secret against our own SPK private, and open the chain key.
func (d *Distributor) UnwrapBlob(blobBase64 string) ([32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blobBase64)
	if err != nil {
		return [32]byte{}, fmt.Errorf("cryptocore: decode wrap blob: %w", err)
	}
	if len(raw) < 32+nonceSize {
		return [32]byte{}, ErrCryptoIntegrity
	}

	var ephemeralPub [32]byte
	copy(ephemeralPub[:], raw[:32])
	sealed := raw[32:]

	var shared [32]byte
	curve25519.ScalarMult(&shared, &d.SelfSPKPrivate, &ephemeralPub)

	wrapKey, err := deriveWrapKey(shared)
	if err != nil {
		return [32]byte{}, err
	}

	plaintext, err := openAESGCM(wrapKey[:], sealed)
	if err != nil {
		return [32]byte{}, err
	}
	if len(plaintext) != 32 {
		return [32]byte{}, ErrCryptoIntegrity
	}

	var chainKey [32]byte
	copy(chainKey[:], plaintext)
	return chainKey, nil
}

// deriveWrapKey runs HKDF-SHA256 with a fixed salt of 32 zero bytes and
// info = ASCII "moltdm-sender-key".
func deriveWrapKey(shared [32]byte) ([32]byte, error) {
	salt := make([]byte, 32)
	reader := hkdf.New(sha256.New, shared[:], salt, wrapInfo)
	var out [32]byte
	if _, err := io.ReadFull(reader, out[:]); err != nil {
		return out, fmt.Errorf("cryptocore: derive wrap key: %w", err)
	}
	return out, nil
}
