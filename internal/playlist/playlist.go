// Package playlist rewrites M3U8 playlist text so every segment/sub-playlist
// reference routes back through the proxy, signed and scoped to the requesting
// client, and collects the resolved segment URLs for background prefetch.
package playlist

import (
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"

	"github.com/proxyedge/edge-proxy/internal/proxyerr"
	"github.com/proxyedge/edge-proxy/internal/signature"
)

// rewriteExpiryHours is how far out a rewritten segment/playlist URL's
// signature is valid for — long enough to outlive typical segment duration
// without needing mid-playback re-signing.
const rewriteExpiryHours = 12

// Result is the outcome of rewriting one playlist.
type Result struct {
	Body         string
	SegmentURLs  []string
}

// Process rewrites every media/playlist reference line in text to a signed
// proxy URL, resolved against targetURL's base path. Lines starting with "#"
// (after trimming) are left untouched except for "##"-prefixed lines, which are
// dropped outright — upstream injects these as junk. It also returns every
// resolved absolute URL that doesn't itself end in ".m3u8", as the set of
// segment URLs worth prefetching.
func Process(text, targetURL, clientID string, signer *signature.Signer) (Result, error) {
	base, err := url.Parse(targetURL)
	if err != nil {
		return Result{}, proxyerr.Wrap("invalid base url", err)
	}
	basePath := basePathOf(base)

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	var segmentURLs []string

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "##") {
			continue
		}
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			out = append(out, line)
			continue
		}

		resolved, err := resolve(basePath, trimmed)
		if err != nil {
			out = append(out, line)
			continue
		}

		if !strings.HasSuffix(resolved, ".m3u8") {
			segmentURLs = append(segmentURLs, resolved)
		}

		out = append(out, rewriteLine(resolved, clientID, signer))
	}

	return Result{Body: strings.Join(out, "\n"), SegmentURLs: segmentURLs}, nil
}

// ProcessWithRetry calls Process once, retrying a single time if it fails with
// an internal error — mirrors the upstream's belt-and-suspenders retry around
// its own playlist rewrite, kept even though its authors never observed it
// trigger.
func ProcessWithRetry(text, targetURL, clientID string, signer *signature.Signer) (Result, error) {
	result, err := Process(text, targetURL, clientID, signer)
	if err != nil && proxyerr.IsInternal(err) {
		return Process(text, targetURL, clientID, signer)
	}
	return result, err
}

func basePathOf(base *url.URL) string {
	path := base.Path
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		idx = -1
	}
	return base.Scheme + "://" + base.Host + path[:idx+1]
}

func resolve(basePath, line string) (string, error) {
	if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
		return line, nil
	}
	base, err := url.Parse(basePath)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(line)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func rewriteLine(resolvedURL, clientID string, signer *signature.Signer) string {
	encoded := strings.TrimRight(base64.URLEncoding.EncodeToString([]byte(resolvedURL)), "=")
	expiry := signature.Expiry(rewriteExpiryHours)
	sig := signer.Generate(clientID, expiry, encoded)

	return "/api/v1/proxy?url=" + encoded +
		"&schema=sports&sig=" + sig +
		"&exp=" + strconv.FormatInt(expiry, 10) +
		"&client=" + url.QueryEscape(clientID)
}
