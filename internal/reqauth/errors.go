package reqauth

import (
	"encoding/base64"
	"errors"
)

var (
	ErrMissingHeader    = errors.New("reqauth: missing authentication header")
	ErrTimestampInvalid = errors.New("reqauth: timestamp is not a number")
	ErrTimestampStale   = errors.New("reqauth: timestamp outside freshness window")
	ErrUnknownIdentity  = errors.New("reqauth: unknown identity")
	ErrSignatureInvalid = errors.New("reqauth: signature verification failed")
	ErrReplayed         = errors.New("reqauth: request already seen in the freshness window")
)

func decodeSignature(sigB64 string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(sigB64)
}
