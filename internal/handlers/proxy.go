package handlers

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/proxyedge/edge-proxy/internal/auth"
	"github.com/proxyedge/edge-proxy/internal/middleware"
	"github.com/proxyedge/edge-proxy/internal/proxy"
	"github.com/proxyedge/edge-proxy/internal/proxyerr"
	"github.com/proxyedge/edge-proxy/internal/ratelimit"
	"github.com/proxyedge/edge-proxy/internal/signature"
)

// Proxy is the HTTP adapter in front of the proxy controller: it authenticates
// and rate-limits the request, decodes the `url` query parameter, and hands
// off to proxy.Controller for the actual fetch/rewrite/serve pipeline.
type Proxy struct {
	Controller *proxy.Controller
	RateLimit  *ratelimit.Limiter
	Signer     *signature.Signer
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	clientID, _, err := auth.Verify(r, p.Signer)
	if err != nil {
		proxyerr.Write(w, err)
		return
	}

	result := p.RateLimit.CheckRateLimit(r.Context(), clientID)
	if result.TimedOut {
		w.Header().Set("Retry-After", strconv.FormatInt(result.RetryAfter, 10))
		proxyerr.Write(w, proxyerr.ServiceUnavailable(result.Reason))
		return
	}
	if result.RateLimited {
		w.Header().Set("Retry-After", strconv.FormatInt(result.RetryAfter, 10))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		proxyerr.Write(w, proxyerr.BadRequest("missing url parameter"))
		return
	}
	targetURL, err := proxy.DecodeURL(rawURL)
	if err != nil {
		proxyerr.Write(w, err)
		return
	}

	req := proxy.Request{
		TargetURL:      targetURL,
		Schema:         r.URL.Query().Get("schema"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
		RangeHeader:    r.Header.Get("Range"),
		ClientID:       clientID,
	}

	resp, err := p.Controller.Handle(r.Context(), req)
	if err != nil {
		log.Error().Err(err).
			Str("client_id", clientID).
			Str("request_id", middleware.RequestID(r)).
			Str("url", targetURL).
			Msg("proxy request failed")
		proxyerr.Write(w, err)
		return
	}

	for key, values := range resp.Headers {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}
