// Package clientstate defines the device-pairing snapshot used to link
// a second device to an existing identity, and its validation. It does
// not serialize, encrypt, export or import the snapshot itself. A
// paired device receives the minimum material needed to decrypt
// incoming wraps and to take over sending with the correct version —
// never a live reference to the primary device's in-memory state.
package clientstate

import (
	"crypto/ed25519"
	"fmt"
)

// ConversationChainSnapshot carries the initial chain key for one
// conversation at pairing time, sufficient for the new device to send
// under the current version.
type ConversationChainSnapshot struct {
	ConversationID  string
	InitialChainKey [32]byte
	Version         uint64
}

// PairingSnapshot is the full export handed to a newly linked device.
// Sharing the identity private key is an intentional trust boundary:
// the linked device can subsequently sign requests as the owner.
type PairingSnapshot struct {
	MoltbotID        string
	IdentityPrivate  ed25519.PrivateKey
	SignedPreKeyPriv [32]byte
	Conversations    []ConversationChainSnapshot
}

// Validate rejects an incomplete snapshot before it's handed to a new
// device's Client constructor.
func (s *PairingSnapshot) Validate() error {
	if len(s.IdentityPrivate) != ed25519.PrivateKeySize {
		return fmt.Errorf("clientstate: pairing snapshot missing identity private key")
	}
	if s.SignedPreKeyPriv == ([32]byte{}) {
		return fmt.Errorf("clientstate: pairing snapshot missing signed pre-key private")
	}
	return nil
}
