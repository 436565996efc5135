package reqauth

import (
	"crypto/ed25519"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// IdentityKeyLookup resolves the Ed25519 identity public key published
// for a moltbotId. Returning ok=false means "unknown identity".
type IdentityKeyLookup func(moltbotID string) (pub ed25519.PublicKey, ok bool)

// DefaultReplayCacheSize bounds the (moltbotId, timestamp, bodyHash)
// LRU that closes the in-window replay gap a pure freshness-window
// check leaves open. This is purely an implementation hardening: the
// wire protocol and the 5-minute window are unchanged.
const DefaultReplayCacheSize = 4096

// Verifier checks the three authentication headers against the
// freshness window and the claimed identity's public key.
type Verifier struct {
	LookupIdentityKey IdentityKeyLookup
	Now               func() time.Time
	replaySeen        *lru.Cache
}

// NewVerifier constructs a Verifier with a fresh replay cache.
func NewVerifier(lookup IdentityKeyLookup) (*Verifier, error) {
	cache, err := lru.New(DefaultReplayCacheSize)
	if err != nil {
		return nil, fmt.Errorf("reqauth: create replay cache: %w", err)
	}
	return &Verifier{
		LookupIdentityKey: lookup,
		Now:               time.Now,
		replaySeen:        cache,
	}, nil
}

// Request is the minimal set of fields the verifier needs; relay HTTP
// handlers extract these from the incoming *http.Request.
type Request struct {
	MoltbotID      string
	TimestampHeader string
	SignatureB64   string
	Method         string
	RawPath        string
	Body           []byte
}

// Verify checks header presence, timestamp freshness, identity
// lookup, signature validity, and replay, in that order. The returned
// error wraps one sentinel per check (ErrMissingHeader, ErrTimestampStale,
// ...), so it does identify the failed check; AuthMiddleware answers the
// client with a generic message and uses the sentinel only as a metric
// label.
func (v *Verifier) Verify(req Request) error {
	if req.MoltbotID == "" || req.TimestampHeader == "" || req.SignatureB64 == "" {
		return fmt.Errorf("reqauth: missing required header: %w", ErrMissingHeader)
	}

	tsMillis, err := strconv.ParseInt(req.TimestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("reqauth: parse timestamp: %w", ErrTimestampInvalid)
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	skew := now().Sub(time.UnixMilli(tsMillis))
	if skew < 0 {
		skew = -skew
	}
	if skew > FreshnessWindow {
		return ErrTimestampStale
	}

	pub, ok := v.LookupIdentityKey(req.MoltbotID)
	if !ok {
		return ErrUnknownIdentity
	}

	sig, err := decodeSignature(req.SignatureB64)
	if err != nil {
		return fmt.Errorf("reqauth: decode signature: %w", ErrSignatureInvalid)
	}

	msg := CanonicalMessage(tsMillis, req.Method, req.RawPath, req.Body)
	if !ed25519.Verify(pub, []byte(msg), sig) {
		return ErrSignatureInvalid
	}

	replayKey := req.MoltbotID + "\x00" + req.TimestampHeader + "\x00" + BodyHash(req.Body)
	if _, seen := v.replaySeen.Get(replayKey); seen {
		return ErrReplayed
	}
	v.replaySeen.Add(replayKey, struct{}{})

	return nil
}
