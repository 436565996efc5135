package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/moltdm/moltdm/internal/models"
)

// PostgresStore is the durable Store variant backing a production
// relay deployment.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens and pings a Postgres connection with the
// connection-pool limits a single relay instance needs.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("store: migrate postgres: %w", err)
	}
	return store, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// migrate creates the relay schema if absent. Real deployments would
// push this through a migration tool; kept inline here since the
// crypto core is the interesting surface, not migrations.
func (p *PostgresStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv_blobs (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS identities (
			moltbot_id TEXT PRIMARY KEY,
			identity_public_key BYTEA NOT NULL,
			signed_prekey_public BYTEA NOT NULL,
			prekey_signature BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS one_time_prekeys (
			moltbot_id TEXT NOT NULL,
			key_id BIGINT NOT NULL,
			public_key BYTEA NOT NULL,
			PRIMARY KEY (moltbot_id, key_id)
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			members JSONB NOT NULL,
			admins JSONB NOT NULL,
			sender_key_version BIGINT NOT NULL,
			name TEXT,
			type TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			from_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			reply_to TEXT,
			expires_at TIMESTAMPTZ,
			ciphertext TEXT NOT NULL,
			sender_key_version BIGINT NOT NULL,
			message_index BIGINT NOT NULL,
			encrypted_sender_keys JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv_created ON messages(conversation_id, created_at, id)`,
		`CREATE TABLE IF NOT EXISTS pairing_requests (
			token TEXT PRIMARY KEY,
			owner_moltbot_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			encrypted_snapshot BYTEA,
			completed BOOLEAN NOT NULL DEFAULT FALSE
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) Get(key string) ([]byte, bool, error) {
	var v []byte
	err := p.db.QueryRow(`SELECT value FROM kv_blobs WHERE key = $1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (p *PostgresStore) Set(key string, value []byte) error {
	_, err := p.db.Exec(`
		INSERT INTO kv_blobs (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = $2`, key, value)
	return err
}

func (p *PostgresStore) Delete(key string) error {
	_, err := p.db.Exec(`DELETE FROM kv_blobs WHERE key = $1`, key)
	return err
}

func (p *PostgresStore) PutIdentity(rec models.IdentityRecord) error {
	_, err := p.db.Exec(`
		INSERT INTO identities (moltbot_id, identity_public_key, signed_prekey_public, prekey_signature, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (moltbot_id) DO UPDATE SET
			identity_public_key = $2, signed_prekey_public = $3, prekey_signature = $4`,
		rec.MoltbotID, rec.IdentityPublicKey, rec.SignedPreKeyPublic, rec.PreKeySignature, rec.CreatedAt)
	return err
}

func (p *PostgresStore) GetIdentity(moltbotID string) (models.IdentityRecord, bool, error) {
	var rec models.IdentityRecord
	err := p.db.QueryRow(`
		SELECT moltbot_id, identity_public_key, signed_prekey_public, prekey_signature, created_at
		FROM identities WHERE moltbot_id = $1`, moltbotID).
		Scan(&rec.MoltbotID, &rec.IdentityPublicKey, &rec.SignedPreKeyPublic, &rec.PreKeySignature, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return models.IdentityRecord{}, false, nil
	}
	if err != nil {
		return models.IdentityRecord{}, false, err
	}
	return rec, true, nil
}

func (p *PostgresStore) AppendOneTimePreKeys(moltbotID string, keys []models.OneTimePreKeyRecord) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, k := range keys {
		if _, err := tx.Exec(`
			INSERT INTO one_time_prekeys (moltbot_id, key_id, public_key) VALUES ($1, $2, $3)
			ON CONFLICT (moltbot_id, key_id) DO NOTHING`, moltbotID, k.KeyID, k.PublicKey); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) ConsumeOneTimePreKey(moltbotID string) (models.OneTimePreKeyRecord, bool, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return models.OneTimePreKeyRecord{}, false, err
	}
	defer tx.Rollback()

	var rec models.OneTimePreKeyRecord
	rec.MoltbotID = moltbotID
	err = tx.QueryRow(`
		SELECT key_id, public_key FROM one_time_prekeys
		WHERE moltbot_id = $1 ORDER BY key_id ASC LIMIT 1 FOR UPDATE SKIP LOCKED`, moltbotID).
		Scan(&rec.KeyID, &rec.PublicKey)
	if err == sql.ErrNoRows {
		return models.OneTimePreKeyRecord{}, false, nil
	}
	if err != nil {
		return models.OneTimePreKeyRecord{}, false, err
	}

	if _, err := tx.Exec(`DELETE FROM one_time_prekeys WHERE moltbot_id = $1 AND key_id = $2`, moltbotID, rec.KeyID); err != nil {
		return models.OneTimePreKeyRecord{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return models.OneTimePreKeyRecord{}, false, err
	}
	return rec, true, nil
}

func (p *PostgresStore) CreateConversation(c models.Conversation) error {
	members, err := json.Marshal(c.Members)
	if err != nil {
		return err
	}
	admins, err := json.Marshal(c.Admins)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(`
		INSERT INTO conversations (id, members, admins, sender_key_version, name, type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, members, admins, c.SenderKeyVersion, c.Name, c.Type, c.CreatedAt)
	return err
}

func (p *PostgresStore) GetConversation(id string) (models.Conversation, bool, error) {
	var c models.Conversation
	var members, admins []byte
	err := p.db.QueryRow(`
		SELECT id, members, admins, sender_key_version, name, type, created_at
		FROM conversations WHERE id = $1`, id).
		Scan(&c.ID, &members, &admins, &c.SenderKeyVersion, &c.Name, &c.Type, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return models.Conversation{}, false, nil
	}
	if err != nil {
		return models.Conversation{}, false, err
	}
	if err := json.Unmarshal(members, &c.Members); err != nil {
		return models.Conversation{}, false, err
	}
	if err := json.Unmarshal(admins, &c.Admins); err != nil {
		return models.Conversation{}, false, err
	}
	return c, true, nil
}

func (p *PostgresStore) UpdateConversation(c models.Conversation) error {
	members, err := json.Marshal(c.Members)
	if err != nil {
		return err
	}
	admins, err := json.Marshal(c.Admins)
	if err != nil {
		return err
	}
	res, err := p.db.Exec(`
		UPDATE conversations SET members = $2, admins = $3, sender_key_version = $4, name = $5, type = $6
		WHERE id = $1`, c.ID, members, admins, c.SenderKeyVersion, c.Name, c.Type)
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

func (p *PostgresStore) DeleteConversation(id string) error {
	_, err := p.db.Exec(`DELETE FROM conversations WHERE id = $1`, id)
	return err
}

func (p *PostgresStore) AppendMessage(m models.Message) error {
	keys, err := json.Marshal(m.EncryptedSenderKeys)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(`
		INSERT INTO messages (id, conversation_id, from_id, created_at, reply_to, expires_at, ciphertext, sender_key_version, message_index, encrypted_sender_keys)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.ConversationID, m.FromID, m.CreatedAt, nullIfEmpty(m.ReplyTo), m.ExpiresAt, m.Ciphertext, m.SenderKeyVersion, m.MessageIndex, keys)
	return err
}

func (p *PostgresStore) ListMessages(conversationID string, since time.Time, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Query(`
		SELECT id, conversation_id, from_id, created_at, COALESCE(reply_to, ''), expires_at, ciphertext, sender_key_version, message_index, encrypted_sender_keys
		FROM messages
		WHERE conversation_id = $1 AND created_at >= $2 AND (expires_at IS NULL OR expires_at > now())
		ORDER BY created_at ASC, id ASC
		LIMIT $3`, conversationID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		var keys []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.FromID, &m.CreatedAt, &m.ReplyTo, &m.ExpiresAt, &m.Ciphertext, &m.SenderKeyVersion, &m.MessageIndex, &keys); err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			if err := json.Unmarshal(keys, &m.EncryptedSenderKeys); err != nil {
				return nil, err
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreatePairing(pr models.PairingRequest) error {
	_, err := p.db.Exec(`
		INSERT INTO pairing_requests (token, owner_moltbot_id, created_at, expires_at, encrypted_snapshot, completed)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		pr.Token, pr.OwnerMoltbotID, pr.CreatedAt, pr.ExpiresAt, pr.EncryptedSnapshot, pr.Completed)
	return err
}

func (p *PostgresStore) GetPairing(token string) (models.PairingRequest, bool, error) {
	var pr models.PairingRequest
	err := p.db.QueryRow(`
		SELECT token, owner_moltbot_id, created_at, expires_at, encrypted_snapshot, completed
		FROM pairing_requests WHERE token = $1 AND expires_at > now()`, token).
		Scan(&pr.Token, &pr.OwnerMoltbotID, &pr.CreatedAt, &pr.ExpiresAt, &pr.EncryptedSnapshot, &pr.Completed)
	if err == sql.ErrNoRows {
		return models.PairingRequest{}, false, nil
	}
	if err != nil {
		return models.PairingRequest{}, false, err
	}
	return pr, true, nil
}

func (p *PostgresStore) CompletePairing(token string, encryptedSnapshot []byte) error {
	res, err := p.db.Exec(`
		UPDATE pairing_requests SET encrypted_snapshot = $2, completed = TRUE WHERE token = $1`,
		token, encryptedSnapshot)
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

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
