package playlist

import (
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/proxyedge/edge-proxy/internal/signature"
)

const sampleM3U8 = "#EXTM3U\n" +
	"## junk comment line\n" +
	"#EXT-X-STREAM-INF:BANDWIDTH=128000\n" +
	"low/index.m3u8\n" +
	"#EXTINF:10.0,\n" +
	"segment1.ts\n" +
	"#EXTINF:10.0,\n" +
	"https://other-cdn.example.com/segment2.ts\n"

func TestProcessRewritesAndCollectsSegments(t *testing.T) {
	signer := signature.New("secret")
	result, err := Process(sampleM3U8, "https://origin.example.com/live/master.m3u8", "client123", signer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if strings.Contains(result.Body, "## junk comment line") {
		t.Fatal("expected ## comment line to be stripped")
	}
	if !strings.Contains(result.Body, "#EXTM3U") {
		t.Fatal("expected #EXTM3U tag preserved verbatim")
	}
	if !strings.Contains(result.Body, "#EXTINF:10.0,") {
		t.Fatal("expected #EXTINF tags preserved verbatim")
	}
	if strings.Contains(result.Body, "low/index.m3u8\n") {
		t.Fatal("expected the relative m3u8 reference line to be rewritten, not passed through")
	}

	lines := strings.Split(result.Body, "\n")
	var proxyLines []string
	for _, l := range lines {
		if strings.HasPrefix(l, "/api/v1/proxy?") {
			proxyLines = append(proxyLines, l)
		}
	}
	if len(proxyLines) != 3 {
		t.Fatalf("expected 3 rewritten reference lines (sub-playlist + 2 segments), got %d: %v", len(proxyLines), proxyLines)
	}

	if len(result.SegmentURLs) != 2 {
		t.Fatalf("expected 2 segment urls collected (excluding the .m3u8 reference), got %d: %v", len(result.SegmentURLs), result.SegmentURLs)
	}
	if result.SegmentURLs[1] != "https://other-cdn.example.com/segment2.ts" {
		t.Fatalf("expected absolute segment url preserved as-is, got %q", result.SegmentURLs[1])
	}
}

func TestRewriteLineProducesVerifiableSignature(t *testing.T) {
	signer := signature.New("secret")
	line := rewriteLine("https://cdn.example.com/seg1.ts", "client123", signer)

	u, err := url.Parse("http://localhost" + line)
	if err != nil {
		t.Fatalf("rewritten line isn't a valid url: %v", err)
	}
	q := u.Query()

	encoded := q.Get("url")
	decoded, err := decodeBase64URLPadded(encoded)
	if err != nil {
		t.Fatalf("failed to decode rewritten url param: %v", err)
	}
	if decoded != "https://cdn.example.com/seg1.ts" {
		t.Fatalf("got %q", decoded)
	}

	if q.Get("client") != "client123" {
		t.Fatalf("expected client id round-tripped, got %q", q.Get("client"))
	}

	exp, err := strconv.ParseInt(q.Get("exp"), 10, 64)
	if err != nil {
		t.Fatalf("invalid exp param: %v", err)
	}
	if !signer.Verify("client123", exp, encoded, q.Get("sig")) {
		t.Fatal("expected the rewritten line's signature to verify")
	}
}

func decodeBase64URLPadded(s string) (string, error) {
	for len(s)%4 != 0 {
		s += "="
	}
	b, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func TestProcessResolvesRelativePathsAgainstBase(t *testing.T) {
	signer := signature.New("secret")
	text := "#EXTM3U\nchunk_001.ts\n"
	result, err := Process(text, "https://origin.example.com/live/abc/master.m3u8", "c1", signer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.SegmentURLs) != 1 {
		t.Fatalf("expected 1 segment url, got %d", len(result.SegmentURLs))
	}
	if result.SegmentURLs[0] != "https://origin.example.com/live/abc/chunk_001.ts" {
		t.Fatalf("got %q", result.SegmentURLs[0])
	}
}

func TestProcessEmptyAndCommentLinesPassThrough(t *testing.T) {
	signer := signature.New("secret")
	text := "#EXTM3U\n\n#EXT-X-VERSION:3\n"
	result, err := Process(text, "https://origin.example.com/live/master.m3u8", "c1", signer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Body != text {
		t.Fatalf("expected an all-comment/blank playlist to pass through unchanged, got %q", result.Body)
	}
	if len(result.SegmentURLs) != 0 {
		t.Fatalf("expected no segment urls, got %v", result.SegmentURLs)
	}
}
