package store

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/moltdm/moltdm/internal/models"
)

// SQLiteStore is the single-file Store variant for a standalone relay
// instance or local development, completing the tagged-variant backend
// set alongside MemoryStore and PostgresStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) the database file at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite3 driver serializes writers; avoid lock contention

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv_blobs (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS identities (
			moltbot_id TEXT PRIMARY KEY,
			identity_public_key BLOB NOT NULL,
			signed_prekey_public BLOB NOT NULL,
			prekey_signature BLOB NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS one_time_prekeys (
			moltbot_id TEXT NOT NULL,
			key_id INTEGER NOT NULL,
			public_key BLOB NOT NULL,
			PRIMARY KEY (moltbot_id, key_id)
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			members TEXT NOT NULL,
			admins TEXT NOT NULL,
			sender_key_version INTEGER NOT NULL,
			name TEXT,
			type TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			from_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			reply_to TEXT,
			expires_at DATETIME,
			ciphertext TEXT NOT NULL,
			sender_key_version INTEGER NOT NULL,
			message_index INTEGER NOT NULL,
			encrypted_sender_keys TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_created ON messages(conversation_id, created_at, id)`,
		`CREATE TABLE IF NOT EXISTS pairing_requests (
			token TEXT PRIMARY KEY,
			owner_moltbot_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			encrypted_snapshot BLOB,
			completed INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Get(key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRow(`SELECT value FROM kv_blobs WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *SQLiteStore) Set(key string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO kv_blobs (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *SQLiteStore) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv_blobs WHERE key = ?`, key)
	return err
}

func (s *SQLiteStore) PutIdentity(rec models.IdentityRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO identities (moltbot_id, identity_public_key, signed_prekey_public, prekey_signature, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(moltbot_id) DO UPDATE SET
			identity_public_key = excluded.identity_public_key,
			signed_prekey_public = excluded.signed_prekey_public,
			prekey_signature = excluded.prekey_signature`,
		rec.MoltbotID, rec.IdentityPublicKey, rec.SignedPreKeyPublic, rec.PreKeySignature, rec.CreatedAt)
	return err
}

func (s *SQLiteStore) GetIdentity(moltbotID string) (models.IdentityRecord, bool, error) {
	var rec models.IdentityRecord
	err := s.db.QueryRow(`
		SELECT moltbot_id, identity_public_key, signed_prekey_public, prekey_signature, created_at
		FROM identities WHERE moltbot_id = ?`, moltbotID).
		Scan(&rec.MoltbotID, &rec.IdentityPublicKey, &rec.SignedPreKeyPublic, &rec.PreKeySignature, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return models.IdentityRecord{}, false, nil
	}
	if err != nil {
		return models.IdentityRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) AppendOneTimePreKeys(moltbotID string, keys []models.OneTimePreKeyRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, k := range keys {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO one_time_prekeys (moltbot_id, key_id, public_key) VALUES (?, ?, ?)`,
			moltbotID, k.KeyID, k.PublicKey); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ConsumeOneTimePreKey(moltbotID string) (models.OneTimePreKeyRecord, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return models.OneTimePreKeyRecord{}, false, err
	}
	defer tx.Rollback()

	var rec models.OneTimePreKeyRecord
	rec.MoltbotID = moltbotID
	err = tx.QueryRow(`
		SELECT key_id, public_key FROM one_time_prekeys
		WHERE moltbot_id = ? ORDER BY key_id ASC LIMIT 1`, moltbotID).
		Scan(&rec.KeyID, &rec.PublicKey)
	if err == sql.ErrNoRows {
		return models.OneTimePreKeyRecord{}, false, nil
	}
	if err != nil {
		return models.OneTimePreKeyRecord{}, false, err
	}

	if _, err := tx.Exec(`DELETE FROM one_time_prekeys WHERE moltbot_id = ? AND key_id = ?`, moltbotID, rec.KeyID); err != nil {
		return models.OneTimePreKeyRecord{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return models.OneTimePreKeyRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) CreateConversation(c models.Conversation) error {
	members, err := json.Marshal(c.Members)
	if err != nil {
		return err
	}
	admins, err := json.Marshal(c.Admins)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO conversations (id, members, admins, sender_key_version, name, type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(members), string(admins), c.SenderKeyVersion, c.Name, c.Type, c.CreatedAt)
	return err
}

func (s *SQLiteStore) GetConversation(id string) (models.Conversation, bool, error) {
	var c models.Conversation
	var members, admins string
	err := s.db.QueryRow(`
		SELECT id, members, admins, sender_key_version, name, type, created_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &members, &admins, &c.SenderKeyVersion, &c.Name, &c.Type, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return models.Conversation{}, false, nil
	}
	if err != nil {
		return models.Conversation{}, false, err
	}
	if err := json.Unmarshal([]byte(members), &c.Members); err != nil {
		return models.Conversation{}, false, err
	}
	if err := json.Unmarshal([]byte(admins), &c.Admins); err != nil {
		return models.Conversation{}, false, err
	}
	return c, true, nil
}

func (s *SQLiteStore) UpdateConversation(c models.Conversation) error {
	members, err := json.Marshal(c.Members)
	if err != nil {
		return err
	}
	admins, err := json.Marshal(c.Admins)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE conversations SET members = ?, admins = ?, sender_key_version = ?, name = ?, type = ?
		WHERE id = ?`, string(members), string(admins), c.SenderKeyVersion, c.Name, c.Type, c.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteConversation(id string) error {
	if _, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id)
	return err
}

func (s *SQLiteStore) AppendMessage(m models.Message) error {
	keys, err := json.Marshal(m.EncryptedSenderKeys)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO messages (id, conversation_id, from_id, created_at, reply_to, expires_at, ciphertext, sender_key_version, message_index, encrypted_sender_keys)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.FromID, m.CreatedAt, nullIfEmpty(m.ReplyTo), m.ExpiresAt, m.Ciphertext, m.SenderKeyVersion, m.MessageIndex, string(keys))
	return err
}

func (s *SQLiteStore) ListMessages(conversationID string, since time.Time, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, conversation_id, from_id, created_at, COALESCE(reply_to, ''), expires_at, ciphertext, sender_key_version, message_index, encrypted_sender_keys
		FROM messages
		WHERE conversation_id = ? AND created_at >= ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, conversationID, since, time.Now(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		var keys sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.FromID, &m.CreatedAt, &m.ReplyTo, &m.ExpiresAt, &m.Ciphertext, &m.SenderKeyVersion, &m.MessageIndex, &keys); err != nil {
			return nil, err
		}
		if keys.Valid && keys.String != "" {
			if err := json.Unmarshal([]byte(keys.String), &m.EncryptedSenderKeys); err != nil {
				return nil, err
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreatePairing(pr models.PairingRequest) error {
	_, err := s.db.Exec(`
		INSERT INTO pairing_requests (token, owner_moltbot_id, created_at, expires_at, encrypted_snapshot, completed)
		VALUES (?, ?, ?, ?, ?, ?)`,
		pr.Token, pr.OwnerMoltbotID, pr.CreatedAt, pr.ExpiresAt, pr.EncryptedSnapshot, pr.Completed)
	return err
}

func (s *SQLiteStore) GetPairing(token string) (models.PairingRequest, bool, error) {
	var pr models.PairingRequest
	var completed int
	err := s.db.QueryRow(`
		SELECT token, owner_moltbot_id, created_at, expires_at, encrypted_snapshot, completed
		FROM pairing_requests WHERE token = ? AND expires_at > ?`, token, time.Now()).
		Scan(&pr.Token, &pr.OwnerMoltbotID, &pr.CreatedAt, &pr.ExpiresAt, &pr.EncryptedSnapshot, &completed)
	if err == sql.ErrNoRows {
		return models.PairingRequest{}, false, nil
	}
	if err != nil {
		return models.PairingRequest{}, false, err
	}
	pr.Completed = completed != 0
	return pr, true, nil
}

func (s *SQLiteStore) CompletePairing(token string, encryptedSnapshot []byte) error {
	res, err := s.db.Exec(`
		UPDATE pairing_requests SET encrypted_snapshot = ?, completed = 1 WHERE token = ?`,
		encryptedSnapshot, token)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
