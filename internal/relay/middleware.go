package relay

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/moltdm/moltdm/internal/reqauth"
)

type contextKey string

const moltbotIDKey contextKey = "moltbot_id"

// maxBodyBytes is the relay's hard body-size ceiling: 256 KiB + 1 is
// rejected before the body is ever parsed.
const maxBodyBytes = 256 * 1024

// LimitBodyMiddleware wraps every request body in http.MaxBytesReader
// so oversized bodies fail on read rather than being parsed. Mounted
// on the root router so it covers public and authenticated routes
// alike, ahead of AuthMiddleware's own body read.
func LimitBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware verifies the request-signing headers on every request
// under a protected prefix and, on success, stores the verified
// moltbotId in the request context for downstream handlers and the
// rate limiter. skipAuth opts public paths (health, metrics, identity
// lookup) out of verification.
func AuthMiddleware(verifier *reqauth.Verifier, skipAuth func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipAuth != nil && skipAuth(r) {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			req := reqauth.Request{
				MoltbotID:       r.Header.Get(reqauth.HeaderMoltbotID),
				TimestampHeader: r.Header.Get(reqauth.HeaderTimestamp),
				SignatureB64:    r.Header.Get(reqauth.HeaderSignature),
				Method:          r.Method,
				RawPath:         r.URL.EscapedPath(),
				Body:            body,
			}

			if err := verifier.Verify(req); err != nil {
				recordAuthRejection(authRejectionReason(err))
				http.Error(w, "authentication failed", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), moltbotIDKey, req.MoltbotID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authRejectionReason(err error) string {
	switch err {
	case reqauth.ErrMissingHeader:
		return "missing_header"
	case reqauth.ErrTimestampInvalid:
		return "timestamp_invalid"
	case reqauth.ErrTimestampStale:
		return "timestamp_stale"
	case reqauth.ErrUnknownIdentity:
		return "unknown_identity"
	case reqauth.ErrSignatureInvalid:
		return "signature_invalid"
	case reqauth.ErrReplayed:
		return "replayed"
	default:
		return "other"
	}
}

// moltbotIDFromRequestContext extracts the moltbotId AuthMiddleware
// verified for this request, if any.
func moltbotIDFromRequestContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(moltbotIDKey).(string)
	return id, ok
}
