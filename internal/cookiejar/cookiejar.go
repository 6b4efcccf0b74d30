// Package cookiejar stores a merged Cookie header per upstream domain in KV,
// refreshed on every response that carries Set-Cookie and replayed on every
// subsequent upstream request to that domain.
package cookiejar

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/proxyedge/edge-proxy/internal/kv"
)

// TTL is how long a domain's merged cookie set is retained.
const TTL = 24 * time.Hour

// Jar is the KV-backed per-domain cookie store.
type Jar struct {
	store kv.Store
}

// New constructs a Jar over store.
func New(store kv.Store) *Jar {
	return &Jar{store: store}
}

func cookieKey(domain string) string { return "proxy_cookies:" + domain }

// ExtractDomain returns the host component of rawURL, or "" if it doesn't
// parse or has no host.
func ExtractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// GetCookies returns the merged Cookie header value for domain, or "" if none
// is stored or the lookup fails.
func (j *Jar) GetCookies(ctx context.Context, domain string) string {
	data, ok, err := j.store.Get(ctx, cookieKey(domain))
	if err != nil {
		log.Error().Err(err).Str("domain", domain).Msg("get cookies failed")
		return ""
	}
	if !ok {
		return ""
	}
	return string(data)
}

// StoreCookies merges setCookieHeaders (each a raw Set-Cookie header value, as
// received) into domain's existing cookie set, new values overriding old ones by
// cookie name, and persists the result with a refreshed 24h TTL. A no-op if
// setCookieHeaders is empty.
func (j *Jar) StoreCookies(ctx context.Context, domain string, setCookieHeaders []string) {
	if len(setCookieHeaders) == 0 {
		return
	}

	cookieMap := make(map[string]string)

	if existing := j.GetCookies(ctx, domain); existing != "" {
		for _, pair := range strings.Split(existing, "; ") {
			name, _, ok := strings.Cut(pair, "=")
			if ok {
				cookieMap[name] = pair
			}
		}
	}

	for _, raw := range setCookieHeaders {
		nameValue, _, _ := strings.Cut(raw, ";")
		name, _, ok := strings.Cut(nameValue, "=")
		if !ok {
			continue
		}
		cookieMap[strings.TrimSpace(name)] = strings.TrimSpace(nameValue)
	}

	pairs := make([]string, 0, len(cookieMap))
	for _, v := range cookieMap {
		pairs = append(pairs, v)
	}
	header := strings.Join(pairs, "; ")

	if err := j.store.SetEX(ctx, cookieKey(domain), []byte(header), TTL); err != nil {
		log.Error().Err(err).Str("domain", domain).Msg("store cookies failed")
		return
	}
	log.Debug().Str("domain", domain).Int("count", len(cookieMap)).Msg("stored cookies")
}
