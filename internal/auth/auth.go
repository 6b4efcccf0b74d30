// Package auth derives the per-client fingerprint used throughout the proxy and
// verifies the signed-URL token carried on proxied requests.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/proxyedge/edge-proxy/internal/proxyerr"
	"github.com/proxyedge/edge-proxy/internal/signature"
)

type contextKey string

// ClientIDContextKey is the context key the derived client id is stored under,
// mirroring the teacher's contextKey/TokenContextKey pattern.
const ClientIDContextKey contextKey = "client_id"

// ClientID derives the opaque fingerprint for a request: hash(ip, user-agent).
// IP is taken from the first comma-token of X-Forwarded-For, else X-Real-Ip, else
// the connection's remote address; missing values are replaced with the literal
// "unknown" so the hash is total.
//
// The original Rust implementation hashes with std::collections::hash_map's
// DefaultHasher (SipHash, process-keyed and not stable even across runs of the
// same binary). That is not a reproducible target, so this fingerprint instead
// uses SHA-256 over "ip\x00ua", hex-encoding the first 16 bytes — deterministic
// and total, which is all the spec requires of a non-security fingerprint.
func ClientID(r *http.Request) string {
	ip := clientIP(r)
	ua := r.UserAgent()
	if ua == "" {
		ua = "unknown"
	}
	sum := sha256.Sum256([]byte(ip + "\x00" + ua))
	return hex.EncodeToString(sum[:16])
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return real
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// RawURLToken extracts the literal `url=...` substring from the request's raw
// query string as received (not percent-decoded). The signature covers the token exactly as
// it appears on the wire, so this deliberately bypasses r.URL.Query(), which
// would re-encode/decode the value and could desync it from what was signed.
func RawURLToken(rawQuery string) (string, bool) {
	for _, part := range strings.Split(rawQuery, "&") {
		if strings.HasPrefix(part, "url=") {
			return strings.TrimPrefix(part, "url="), true
		}
	}
	return "", false
}

// Verify checks the sig/exp/url/client trio on a request against signer. It
// returns the verified client id (the query's `client` field if present, else the
// derived fingerprint) and signed=false if sig/exp are absent (unsigned requests
// are permitted through, still subject to rate limiting) or signed=true with err
// set if verification failed.
func Verify(r *http.Request, signer *signature.Signer) (clientID string, signed bool, err error) {
	q := r.URL.Query()
	sig := q.Get("sig")
	expStr := q.Get("exp")
	if sig == "" || expStr == "" {
		return DerivedClientID(r), false, nil
	}

	expiry, parseErr := strconv.ParseInt(expStr, 10, 64)
	if parseErr != nil {
		return "", true, proxyerr.Unauthorized("invalid exp")
	}

	urlToken, ok := RawURLToken(r.URL.RawQuery)
	if !ok {
		return "", true, proxyerr.Unauthorized("missing url parameter")
	}

	id := q.Get("client")
	if id == "" {
		id = DerivedClientID(r)
	}

	if !signer.Verify(id, expiry, urlToken, sig) {
		return "", true, proxyerr.Unauthorized("signature verification failed")
	}

	return id, true, nil
}

// DerivedClientID returns the context-cached client id for r, computing it if
// absent.
func DerivedClientID(r *http.Request) string {
	if id, ok := r.Context().Value(ClientIDContextKey).(string); ok && id != "" {
		return id
	}
	return ClientID(r)
}

// WithClientID stores the derived client id on the request context.
func WithClientID(r *http.Request) *http.Request {
	id := ClientID(r)
	return r.WithContext(context.WithValue(r.Context(), ClientIDContextKey, id))
}

// GetClientID retrieves a previously stored client id from context, or "" if
// none was stored.
func GetClientID(ctx context.Context) string {
	id, _ := ctx.Value(ClientIDContextKey).(string)
	return id
}

