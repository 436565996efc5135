package reqauth

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newSignedRequest(t *testing.T, priv ed25519.PrivateKey, moltbotID, method, path string, body []byte, now time.Time) Request {
	t.Helper()
	headers, err := Sign(priv, moltbotID, method, path, body, now)
	require.NoError(t, err)
	return Request{
		MoltbotID:       headers[HeaderMoltbotID],
		TimestampHeader: headers[HeaderTimestamp],
		SignatureB64:    headers[HeaderSignature],
		Method:          method,
		RawPath:         path,
		Body:            body,
	}
}

func TestVerifyAcceptsValidSignedRequest(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	now := time.UnixMilli(1700000000000)
	v, err := NewVerifier(func(id string) (ed25519.PublicKey, bool) {
		if id == "moltbot_a" {
			return pub, true
		}
		return nil, false
	})
	require.NoError(t, err)
	v.Now = func() time.Time { return now }

	req := newSignedRequest(t, priv, "moltbot_a", "POST", "/api/conversations", []byte(`{}`), now)
	require.NoError(t, v.Verify(req))
}

func TestVerifyRejectsMissingHeaders(t *testing.T) {
	v, err := NewVerifier(func(string) (ed25519.PublicKey, bool) { return nil, false })
	require.NoError(t, err)

	require.ErrorIs(t, v.Verify(Request{}), ErrMissingHeader)
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	now := time.UnixMilli(1700000000000)
	v, err := NewVerifier(func(string) (ed25519.PublicKey, bool) { return pub, true })
	require.NoError(t, err)
	v.Now = func() time.Time { return now }

	signedAt := now.Add(-6 * time.Minute)
	req := newSignedRequest(t, priv, "moltbot_a", "GET", "/api/conversations/c1", nil, signedAt)
	require.ErrorIs(t, v.Verify(req), ErrTimestampStale)
}

func TestVerifyAcceptsTimestampWithinWindow(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	now := time.UnixMilli(1700000000000)
	v, err := NewVerifier(func(string) (ed25519.PublicKey, bool) { return pub, true })
	require.NoError(t, err)
	v.Now = func() time.Time { return now }

	signedAt := now.Add(-4 * time.Minute)
	req := newSignedRequest(t, priv, "moltbot_a", "GET", "/api/conversations/c1", nil, signedAt)
	require.NoError(t, v.Verify(req))
}

func TestVerifyRejectsUnknownIdentity(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	now := time.UnixMilli(1700000000000)
	v, err := NewVerifier(func(string) (ed25519.PublicKey, bool) { return nil, false })
	require.NoError(t, err)
	v.Now = func() time.Time { return now }

	req := newSignedRequest(t, priv, "moltbot_ghost", "GET", "/api/conversations/c1", nil, now)
	require.ErrorIs(t, v.Verify(req), ErrUnknownIdentity)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	now := time.UnixMilli(1700000000000)
	v, err := NewVerifier(func(string) (ed25519.PublicKey, bool) { return pub, true })
	require.NoError(t, err)
	v.Now = func() time.Time { return now }

	req := newSignedRequest(t, priv, "moltbot_a", "POST", "/api/conversations/c1/messages", []byte(`{"ciphertext":"x"}`), now)
	req.Body = []byte(`{"ciphertext":"Y"}`)
	require.ErrorIs(t, v.Verify(req), ErrSignatureInvalid)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	now := time.UnixMilli(1700000000000)
	v, err := NewVerifier(func(string) (ed25519.PublicKey, bool) { return pub, true })
	require.NoError(t, err)
	v.Now = func() time.Time { return now }

	req := newSignedRequest(t, priv, "moltbot_a", "GET", "/api/conversations/c1", nil, now)
	sig, err := decodeSignature(req.SignatureB64)
	require.NoError(t, err)
	sig[0] ^= 0xFF
	req.SignatureB64 = base64.StdEncoding.EncodeToString(sig)
	require.ErrorIs(t, v.Verify(req), ErrSignatureInvalid)
}

func TestVerifyRejectsTamperedStoredPublicKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	tampered := append([]byte(nil), pub...)
	tampered[0] ^= 0xFF

	now := time.UnixMilli(1700000000000)
	v, err := NewVerifier(func(string) (ed25519.PublicKey, bool) { return ed25519.PublicKey(tampered), true })
	require.NoError(t, err)
	v.Now = func() time.Time { return now }

	req := newSignedRequest(t, priv, "moltbot_a", "GET", "/api/conversations/c1", nil, now)
	require.ErrorIs(t, v.Verify(req), ErrSignatureInvalid)
}

func TestVerifyRejectsReplayWithinWindow(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	now := time.UnixMilli(1700000000000)
	v, err := NewVerifier(func(string) (ed25519.PublicKey, bool) { return pub, true })
	require.NoError(t, err)
	v.Now = func() time.Time { return now }

	req := newSignedRequest(t, priv, "moltbot_a", "POST", "/api/conversations/c1/messages", []byte(`{}`), now)
	require.NoError(t, v.Verify(req))
	require.ErrorIs(t, v.Verify(req), ErrReplayed)
}

func TestVerifyRejectsInvalidTimestampFormat(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	v, err := NewVerifier(func(string) (ed25519.PublicKey, bool) { return pub, true })
	require.NoError(t, err)

	req := Request{MoltbotID: "moltbot_a", TimestampHeader: "not-a-number", SignatureB64: "sig", Method: "GET", RawPath: "/x"}
	require.ErrorIs(t, v.Verify(req), ErrTimestampInvalid)
}
