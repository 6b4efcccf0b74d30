package cookiejar

import (
	"context"
	"strings"
	"testing"

	"github.com/proxyedge/edge-proxy/internal/kv"
)

func TestStoreAndGetCookies(t *testing.T) {
	j := New(kv.NewFake())
	ctx := context.Background()

	j.StoreCookies(ctx, "example.com", []string{
		"session=abc123; Path=/; HttpOnly",
		"pref=dark; Max-Age=3600",
	})

	got := j.GetCookies(ctx, "example.com")
	if !strings.Contains(got, "session=abc123") || !strings.Contains(got, "pref=dark") {
		t.Fatalf("expected both cookies present, got %q", got)
	}
}

func TestStoreCookiesMergesAndOverrides(t *testing.T) {
	j := New(kv.NewFake())
	ctx := context.Background()

	j.StoreCookies(ctx, "example.com", []string{"session=old; Path=/"})
	j.StoreCookies(ctx, "example.com", []string{"pref=dark; Path=/"})
	j.StoreCookies(ctx, "example.com", []string{"session=new; Path=/"})

	got := j.GetCookies(ctx, "example.com")
	if !strings.Contains(got, "session=new") {
		t.Fatalf("expected session to be overridden to new value, got %q", got)
	}
	if strings.Contains(got, "session=old") {
		t.Fatalf("expected stale session value to be gone, got %q", got)
	}
	if !strings.Contains(got, "pref=dark") {
		t.Fatalf("expected unrelated cookie to survive the merge, got %q", got)
	}
}

func TestStoreCookiesEmptyIsNoop(t *testing.T) {
	j := New(kv.NewFake())
	ctx := context.Background()

	j.StoreCookies(ctx, "example.com", []string{"session=abc"})
	j.StoreCookies(ctx, "example.com", nil)

	got := j.GetCookies(ctx, "example.com")
	if !strings.Contains(got, "session=abc") {
		t.Fatalf("expected prior cookies unaffected by an empty store call, got %q", got)
	}
}

func TestGetCookiesMissingDomain(t *testing.T) {
	j := New(kv.NewFake())
	if got := j.GetCookies(context.Background(), "never-seen.example.com"); got != "" {
		t.Fatalf("expected empty string for an unknown domain, got %q", got)
	}
}

func TestExtractDomain(t *testing.T) {
	cases := map[string]string{
		"https://example.com/path?x=1": "example.com",
		"http://sub.example.com:8080/a": "sub.example.com:8080",
		"not a url\x7f":                 "",
	}
	for in, want := range cases {
		if got := ExtractDomain(in); got != want {
			t.Fatalf("ExtractDomain(%q) = %q, want %q", in, got, want)
		}
	}
}
