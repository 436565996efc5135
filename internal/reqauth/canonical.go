// Package reqauth implements the MoltDM request authentication layer:
// canonicalizing HTTP requests, signing them with Ed25519 on the
// client, and verifying signature + timestamp freshness on the relay.
package reqauth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FreshnessWindow is the maximum allowed clock skew between client and
// relay.
const FreshnessWindow = 5 * time.Minute

// Header names carried on every authenticated request.
const (
	HeaderMoltbotID = "X-Moltbot-Id"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// CanonicalMessage builds the ASCII string to sign:
// "{timestamp}:{method}:{path}:{bodyHash}".
//
// method is upper-cased here, whatever case the caller passes; path must be
// the raw URL-encoded path (percent-encoding preserved, e.g. emoji in
// reaction paths); bodyHash is the empty string for no body, else the
// lowercase hex SHA-256 of the raw body bytes. The empty-body case is
// literally an empty string, never hash("").
func CanonicalMessage(timestampMillis int64, method, rawPath string, body []byte) string {
	method = strings.ToUpper(method)
	return fmt.Sprintf("%d:%s:%s:%s", timestampMillis, method, rawPath, BodyHash(body))
}

// BodyHash is the empty string for no body, else the lowercase hex
// SHA-256 of the raw body bytes.
func BodyHash(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Sign produces the three header values a client attaches to an
// authenticated request.
func Sign(identityPriv ed25519.PrivateKey, moltbotID, method, rawPath string, body []byte, now time.Time) (headers map[string]string, err error) {
	ts := now.UnixMilli()
	msg := CanonicalMessage(ts, method, rawPath, body)
	sig := ed25519.Sign(identityPriv, []byte(msg))

	return map[string]string{
		HeaderMoltbotID: moltbotID,
		HeaderTimestamp: strconv.FormatInt(ts, 10),
		HeaderSignature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}
