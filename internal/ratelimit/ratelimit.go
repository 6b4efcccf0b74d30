// Package ratelimit enforces a per-client sliding-window request cap, an error
// counter that escalates into an automatic timeout, and manual timeout controls —
// all backed by atomic KV operations and fail-open on KV errors.
package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/proxyedge/edge-proxy/internal/kv"
)

// Config mirrors the upstream service's tunables. The defaults are generous on
// purpose: this guards against abuse, not normal traffic.
type Config struct {
	MaxRequestsPerWindow  int64
	WindowSeconds         int64
	MaxErrorsBeforeTimeout int64
	ErrorWindowSeconds    int64
	TimeoutDurationSeconds int64
}

// DefaultConfig returns the stock limits: 500 requests/60s, 50 errors/600s
// escalating to a 300s timeout.
func DefaultConfig() Config {
	return Config{
		MaxRequestsPerWindow:   500,
		WindowSeconds:          60,
		MaxErrorsBeforeTimeout: 50,
		ErrorWindowSeconds:     600,
		TimeoutDurationSeconds: 300,
	}
}

// Result is the outcome of a rate-limit check.
type Result struct {
	// Allowed, RateLimited, or TimedOut — never more than one is true.
	Allowed    bool
	RateLimited bool
	TimedOut   bool

	Remaining  int64
	ResetAt    int64  // unix seconds
	RetryAfter int64  // seconds
	Reason     string // populated when TimedOut
}

// Limiter is the KV-backed rate limiter.
type Limiter struct {
	store  kv.Store
	config Config
}

// New constructs a Limiter with the default config.
func New(store kv.Store) *Limiter {
	return &Limiter{store: store, config: DefaultConfig()}
}

// NewWithConfig constructs a Limiter with a caller-supplied config, for tests.
func NewWithConfig(store kv.Store, cfg Config) *Limiter {
	return &Limiter{store: store, config: cfg}
}

func rateLimitKey(clientID string) string  { return "edge_rate_limit:" + clientID }
func errorCountKey(clientID string) string { return "edge_error_count:" + clientID }
func timeoutKey(clientID string) string    { return "edge_timeout:" + clientID }

// CheckRateLimit checks the timeout record first, then increments and compares
// the sliding-window request counter. KV failures fail open (Allowed, remaining
// 0) rather than blocking traffic on a store outage.
func (l *Limiter) CheckRateLimit(ctx context.Context, clientID string) Result {
	if reason, retryAfter, timedOut := l.isTimedOut(ctx, clientID); timedOut {
		return Result{TimedOut: true, Reason: reason, RetryAfter: retryAfter}
	}

	key := rateLimitKey(clientID)
	window := time.Duration(l.config.WindowSeconds) * time.Second

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("client_id", clientID).Msg("rate limit check failed")
		return Result{Allowed: true, ResetAt: time.Now().Add(window).Unix()}
	}
	if err := l.store.Expire(ctx, key, window); err != nil {
		log.Error().Err(err).Str("client_id", clientID).Msg("rate limit expire failed")
	}
	ttl, err := l.store.TTL(ctx, key)
	if err != nil || ttl < 0 {
		ttl = window
	}
	resetAt := time.Now().Add(ttl).Unix()

	if count > l.config.MaxRequestsPerWindow {
		retryAfter := int64(ttl.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Result{RateLimited: true, RetryAfter: retryAfter}
	}

	remaining := l.config.MaxRequestsPerWindow - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Remaining: remaining, ResetAt: resetAt}
}

// RecordError increments the client's error counter and, once it reaches the
// threshold, applies an automatic timeout.
func (l *Limiter) RecordError(ctx context.Context, clientID string, errorType string) {
	key := errorCountKey(clientID)
	window := time.Duration(l.config.ErrorWindowSeconds) * time.Second

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("client_id", clientID).Msg("record error failed")
		return
	}
	if err := l.store.Expire(ctx, key, window); err != nil {
		log.Error().Err(err).Str("client_id", clientID).Msg("record error expire failed")
	}

	if count >= l.config.MaxErrorsBeforeTimeout {
		reason := errorType + " errors exceeded threshold"
		l.TimeoutUser(ctx, clientID, reason, time.Duration(l.config.TimeoutDurationSeconds)*time.Second)
	}
}

func (l *Limiter) isTimedOut(ctx context.Context, clientID string) (reason string, retryAfter int64, timedOut bool) {
	key := timeoutKey(clientID)
	data, ok, err := l.store.Get(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("client_id", clientID).Msg("timeout check failed")
		return "", 0, false
	}
	if !ok {
		return "", 0, false
	}
	ttl, err := l.store.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		return "", 0, false
	}
	return string(data), int64(ttl.Seconds()), true
}

// IsUserTimedOut reports the client's current timeout, if any.
func (l *Limiter) IsUserTimedOut(ctx context.Context, clientID string) (reason string, retryAfter int64, timedOut bool) {
	return l.isTimedOut(ctx, clientID)
}

// TimeoutUser manually places clientID into timeout for duration, recording
// reason.
func (l *Limiter) TimeoutUser(ctx context.Context, clientID string, reason string, duration time.Duration) {
	key := timeoutKey(clientID)
	if err := l.store.SetEX(ctx, key, []byte(reason), duration); err != nil {
		log.Error().Err(err).Str("client_id", clientID).Msg("timeout user failed")
		return
	}
	log.Info().Str("client_id", clientID).Dur("duration", duration).Str("reason", reason).Msg("client timed out")
}

// ClearTimeout removes clientID's timeout record, if any, reporting whether one
// existed.
func (l *Limiter) ClearTimeout(ctx context.Context, clientID string) bool {
	key := timeoutKey(clientID)
	existed, err := l.store.Exists(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("client_id", clientID).Msg("clear timeout check failed")
		return false
	}
	if err := l.store.Del(ctx, key); err != nil {
		log.Error().Err(err).Str("client_id", clientID).Msg("clear timeout failed")
		return false
	}
	return len(existed) > 0 && existed[0]
}

// GetErrorCount returns the client's current error count, or 0 if absent or on
// KV failure.
func (l *Limiter) GetErrorCount(ctx context.Context, clientID string) int64 {
	data, ok, err := l.store.Get(ctx, errorCountKey(clientID))
	if err != nil || !ok {
		return 0
	}
	var n int64
	for _, c := range data {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}

// IsExempt always reports false: the edge deployment applies rate limiting
// uniformly, with no exemption list.
func (l *Limiter) IsExempt(_ context.Context, _ string) bool { return false }

// SetExempt is a no-op, kept as an explicit part of the interface surface to
// mirror the upstream service's edge-mode decision to not support exemptions.
func (l *Limiter) SetExempt(_ context.Context, _ string, _ bool) {}
