// Package models defines the relay's wire and storage types. The
// relay stores and routes these opaquely; it never inspects
// Ciphertext or EncryptedSenderKeys contents.
package models

import "time"

// IdentityRecord is the relay's persisted view of a published identity
// bundle.
type IdentityRecord struct {
	MoltbotID          string    `json:"moltbotId"`
	IdentityPublicKey  []byte    `json:"publicKey"`
	SignedPreKeyPublic []byte    `json:"signedPreKey"`
	PreKeySignature    []byte    `json:"preKeySignature"`
	CreatedAt          time.Time `json:"createdAt"`
}

// OneTimePreKeyRecord is a single published one-time pre-key, consumed
// at most once.
type OneTimePreKeyRecord struct {
	MoltbotID string
	KeyID     uint32
	PublicKey []byte
}

// RegisterIdentityRequest is the body of POST /api/identity/register.
type RegisterIdentityRequest struct {
	PublicKey       []byte            `json:"publicKey"`
	SignedPreKey    []byte            `json:"signedPreKey"`
	PreKeySignature []byte            `json:"preKeySignature"`
	OneTimePreKeys  []OneTimePreKeyIn `json:"oneTimePreKeys"`
}

// OneTimePreKeyIn is a one-time pre-key public half submitted by the
// client at registration or replenishment time.
type OneTimePreKeyIn struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
}

// IdentityBundle is the public response for GET /api/identity/:id.
type IdentityBundle struct {
	MoltbotID          string `json:"moltbotId"`
	IdentityPublicKey  []byte `json:"publicKey"`
	SignedPreKeyPublic []byte `json:"signedPreKey"`
	PreKeySignature    []byte `json:"preKeySignature"`
}

// Conversation is the relay's routing-only view. The crypto layer
// reads Members and reacts to membership-change events; it never
// mutates this record.
type Conversation struct {
	ID               string    `json:"id"`
	Members          []string  `json:"members"`
	Admins           []string  `json:"admins"`
	SenderKeyVersion uint64    `json:"senderKeyVersion"`
	Name             string    `json:"name,omitempty"`
	Type             string    `json:"type,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Message is the wire form of a relayed, already-encrypted message.
type Message struct {
	ID                  string            `json:"id"`
	ConversationID      string            `json:"conversationId"`
	FromID              string            `json:"fromId"`
	CreatedAt           time.Time         `json:"createdAt"`
	ReplyTo             string            `json:"replyTo,omitempty"`
	ExpiresAt           *time.Time        `json:"expiresAt,omitempty"`
	Ciphertext          string            `json:"ciphertext"`
	SenderKeyVersion    uint64            `json:"senderKeyVersion"`
	MessageIndex        uint64            `json:"messageIndex"`
	EncryptedSenderKeys map[string]string `json:"encryptedSenderKeys,omitempty"`
}

// PostMessageRequest is the body of POST
// /api/conversations/:id/messages.
type PostMessageRequest struct {
	Ciphertext          string            `json:"ciphertext"`
	SenderKeyVersion    uint64            `json:"senderKeyVersion"`
	MessageIndex        uint64            `json:"messageIndex"`
	ReplyTo             string            `json:"replyTo,omitempty"`
	EncryptedSenderKeys map[string]string `json:"encryptedSenderKeys,omitempty"`
}

// CreateConversationRequest is the body of POST /api/conversations.
type CreateConversationRequest struct {
	MemberIDs []string `json:"memberIds"`
	Name      string   `json:"name,omitempty"`
	Type      string   `json:"type,omitempty"`
}

// PairingRequest tracks an in-flight device-link handshake. Tokens
// expire a short time after issue.
type PairingRequest struct {
	Token          string    `json:"token"`
	OwnerMoltbotID string    `json:"ownerMoltbotId"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	// EncryptedSnapshot carries the client-encrypted PairingSnapshot
	// (clientstate.PairingSnapshot), opaque to the relay.
	EncryptedSnapshot []byte `json:"encryptedSnapshot,omitempty"`
	Completed         bool   `json:"completed"`
}
