// Package store implements the relay's persistence layer as a
// tagged-variant backend selected at construction time, rather than a
// runtime-dispatched interface: Backend is that tag, and Store is the
// single interface every backend satisfies.
package store

import (
	"errors"
	"time"

	"github.com/moltdm/moltdm/internal/models"
)

// ErrNotFound is returned by updates (UpdateConversation,
// CompletePairing) whose target record does not exist. Lookups report
// a missing record with ok=false and a nil error instead.
var ErrNotFound = errors.New("store: not found")

// Backend names the storage variant selected at construction.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

// Store is everything the relay needs to persist. The crypto core
// itself only ever needs get/set/delete over an opaque byte blob;
// that minimal surface is KeyValueStore below, embedded here so a
// single backend value serves both the relay CRUD layer and a
// client-side persistence adapter in the same process (e.g. an
// in-process test harness driving both sides of a conversation).
type Store interface {
	KeyValueStore
	IdentityStore
	ConversationStore
	MessageStore
	PairingStore
}

// KeyValueStore is the minimal client-state persistence surface:
// get/set/delete over a string-keyed opaque byte blob. Used for
// SenderState/ReceivedKey/Identity blobs.
type KeyValueStore interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// IdentityStore covers the identity registration and pre-key endpoints.
type IdentityStore interface {
	PutIdentity(rec models.IdentityRecord) error
	GetIdentity(moltbotID string) (models.IdentityRecord, bool, error)
	AppendOneTimePreKeys(moltbotID string, keys []models.OneTimePreKeyRecord) error
	ConsumeOneTimePreKey(moltbotID string) (models.OneTimePreKeyRecord, bool, error)
}

// ConversationStore covers conversation CRUD.
type ConversationStore interface {
	CreateConversation(c models.Conversation) error
	GetConversation(id string) (models.Conversation, bool, error)
	UpdateConversation(c models.Conversation) error
	DeleteConversation(id string) error
}

// MessageStore covers message append/list, including expiry filtering
// on read.
type MessageStore interface {
	AppendMessage(m models.Message) error
	ListMessages(conversationID string, since time.Time, limit int) ([]models.Message, error)
}

// PairingStore covers device-pairing token lifecycle and TTL.
type PairingStore interface {
	CreatePairing(p models.PairingRequest) error
	GetPairing(token string) (models.PairingRequest, bool, error)
	CompletePairing(token string, encryptedSnapshot []byte) error
}
