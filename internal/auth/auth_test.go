package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/proxyedge/edge-proxy/internal/signature"
)

func TestClientIDDeterministic(t *testing.T) {
	r1 := httptest.NewRequest(http.MethodGet, "/", nil)
	r1.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	r1.Header.Set("User-Agent", "hls-player/1.0")

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.2")
	r2.Header.Set("User-Agent", "hls-player/1.0")

	if ClientID(r1) != ClientID(r2) {
		t.Fatal("expected identical ip/ua pairs (ignoring downstream hops) to derive the same client id")
	}
}

func TestClientIDVariesWithIP(t *testing.T) {
	r1 := httptest.NewRequest(http.MethodGet, "/", nil)
	r1.Header.Set("X-Forwarded-For", "203.0.113.9")
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Forwarded-For", "203.0.113.10")

	if ClientID(r1) == ClientID(r2) {
		t.Fatal("expected different client ips to derive different client ids")
	}
}

func TestClientIPPrecedence(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:54321"
	r.Header.Set("X-Real-Ip", "198.51.100.1")
	r.Header.Set("X-Forwarded-For", "203.0.113.1")

	if ip := clientIP(r); ip != "203.0.113.1" {
		t.Fatalf("expected X-Forwarded-For to win, got %q", ip)
	}

	r.Header.Del("X-Forwarded-For")
	if ip := clientIP(r); ip != "198.51.100.1" {
		t.Fatalf("expected X-Real-Ip to win absent X-Forwarded-For, got %q", ip)
	}

	r.Header.Del("X-Real-Ip")
	if ip := clientIP(r); ip != "192.0.2.1" {
		t.Fatalf("expected RemoteAddr host to win absent both headers, got %q", ip)
	}
}

func TestVerifyUnsignedPassesThrough(t *testing.T) {
	s := signature.New("secret")
	r := httptest.NewRequest(http.MethodGet, "/api/v1/proxy?url=https://example.com/a.m3u8", nil)

	id, signed, err := Verify(r, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signed {
		t.Fatal("expected signed=false when sig/exp are absent")
	}
	if id == "" {
		t.Fatal("expected a derived client id even when unsigned")
	}
}

func TestVerifySignedRoundTrip(t *testing.T) {
	s := signature.New("secret")
	expiry := signature.Expiry(1)
	urlToken := "https://example.com/a.m3u8"
	sig := s.Generate("client123", expiry, urlToken)

	target := "/api/v1/proxy?client=client123&url=" + urlToken +
		"&exp=" + itoa64(expiry) + "&sig=" + sig
	r := httptest.NewRequest(http.MethodGet, target, nil)

	id, signed, err := Verify(r, s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !signed {
		t.Fatal("expected signed=true")
	}
	if id != "client123" {
		t.Fatalf("expected client123, got %q", id)
	}
}

func TestVerifyTamperedSignatureRejected(t *testing.T) {
	s := signature.New("secret")
	expiry := signature.Expiry(1)
	urlToken := "https://example.com/a.m3u8"
	sig := s.Generate("client123", expiry, urlToken)

	target := "/api/v1/proxy?client=client123&url=" + urlToken +
		"&exp=" + itoa64(expiry) + "&sig=" + sig + "00"
	r := httptest.NewRequest(http.MethodGet, target, nil)

	_, signed, err := Verify(r, s)
	if !signed {
		t.Fatal("expected signed=true even on failure, sig/exp were present")
	}
	if err == nil {
		t.Fatal("expected verification error for a tampered signature")
	}
}

func TestRawURLTokenPreservesEncoding(t *testing.T) {
	raw := "client=c1&url=https%3A%2F%2Fexample.com%2Fa.m3u8%3Fx%3D1&exp=1&sig=abc"
	token, ok := RawURLToken(raw)
	if !ok {
		t.Fatal("expected url token to be found")
	}
	if token != "https%3A%2F%2Fexample.com%2Fa.m3u8%3Fx%3D1" {
		t.Fatalf("expected raw encoded token preserved, got %q", token)
	}
}

func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
