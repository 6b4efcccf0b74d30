// Package httpclient builds the single tuned HTTP client shared by every
// outbound call the proxy makes — one connection pool, sized for sustained
// concurrent upstream fetches.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// New constructs the shared *http.Client. Tuning mirrors a production reverse
// proxy's expectations for a high-concurrency upstream: a generous per-host idle
// pool so segment/playlist fetches to the same CDN host reuse connections, and a
//60s overall deadline that's long enough for a slow upstream without letting a
// hung request pin a connection forever.
func New() *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 60 * time.Second,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConnsPerHost: 200,
		IdleConnTimeout:     120 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   60 * time.Second,
	}
}
