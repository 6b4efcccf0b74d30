// Package proxy is the proxy controller: it decodes the target URL, shapes the
// upstream request per schema, fetches and decompresses the response, detects
// playlist vs. binary content, and serves either a rewritten playlist or a
// range-sliced, (re)compressed binary payload.
package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"

	"github.com/proxyedge/edge-proxy/internal/cache"
	"github.com/proxyedge/edge-proxy/internal/cookiejar"
	"github.com/proxyedge/edge-proxy/internal/playlist"
	"github.com/proxyedge/edge-proxy/internal/proxyerr"
	"github.com/proxyedge/edge-proxy/internal/ratelimit"
	"github.com/proxyedge/edge-proxy/internal/signature"
)

// Controller wires together everything a proxied request touches: cookies,
// cache, rate limiting, and the shared HTTP client used for upstream fetches.
type Controller struct {
	Client    *http.Client
	Cookies   *cookiejar.Jar
	Cache     *cache.Cache
	RateLimit *ratelimit.Limiter
	Signer    *signature.Signer
}

const defaultSchema = "sports"

// Request is the parsed, validated input to Handle.
type Request struct {
	TargetURL      string
	Schema         string
	AcceptEncoding string
	RangeHeader    string
	ClientID       string
}

// Response is a fully-built proxy response ready to write to an
// http.ResponseWriter.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Handle runs the full proxy pipeline for req.
func (c *Controller) Handle(ctx context.Context, req Request) (Response, error) {
	if !strings.HasPrefix(req.TargetURL, "http://") && !strings.HasPrefix(req.TargetURL, "https://") {
		return Response{}, proxyerr.BadRequest("invalid URL format")
	}

	schema := req.Schema
	if schema == "" {
		schema = defaultSchema
	}
	log.Debug().Str("schema", schema).Str("target", req.TargetURL).Msg("proxying")

	if cached, ok := c.cachedResponse(ctx, req); ok {
		return cached, nil
	}

	domain := cookiejar.ExtractDomain(req.TargetURL)

	var storedCookies string
	if domain != "" {
		storedCookies = c.Cookies.GetCookies(ctx, domain)
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.TargetURL, nil)
	if err != nil {
		return Response{}, proxyerr.Wrap("build upstream request", err)
	}
	applySchemaHeaders(upstreamReq, schema, req.TargetURL)
	if storedCookies != "" {
		upstreamReq.Header.Set("Cookie", storedCookies)
	}

	resp, err := c.Client.Do(upstreamReq)
	if err != nil {
		c.recordErrorAsync(req.ClientID, "proxy_request_failed")
		return Response{}, proxyerr.Wrap("request failed", err)
	}
	defer resp.Body.Close()

	log.Debug().Int("status", resp.StatusCode).Msg("received upstream response")

	if domain != "" {
		if setCookies := resp.Header.Values("Set-Cookie"); len(setCookies) > 0 {
			go c.Cookies.StoreCookies(context.Background(), domain, setCookies)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Error().Int("status", resp.StatusCode).Str("client_id", req.ClientID).Msg("upstream response not successful")
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			c.recordErrorAsync(req.ClientID, "proxy_upstream_client_error")
		}
		return Response{}, proxyerr.BadRequest("upstream returned an invalid response")
	}

	contentType := resp.Header.Get("Content-Type")
	contentEncoding := resp.Header.Get("Content-Encoding")
	isMP4 := strings.Contains(contentType, "video/mp4")

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, proxyerr.Wrap("failed to read response", err)
	}

	decompressed, err := decompress(contentEncoding, rawBody)
	if err != nil {
		return Response{}, proxyerr.Wrap("failed to decompress response", err)
	}

	isM3U8 := !isMP4 && (bytes.HasPrefix(decompressed, []byte("#EXT")) ||
		strings.Contains(contentType, "mpegurl") || strings.Contains(contentType, "m3u8"))

	if isM3U8 {
		c.Cache.CacheM3U8(ctx, req.TargetURL, string(decompressed))
		return c.handlePlaylist(ctx, decompressed, req)
	}
	c.Cache.CacheSegment(ctx, req.TargetURL, decompressed)
	return handleBinary(decompressed, isMP4, req.RangeHeader, req.AcceptEncoding)
}

// cachedResponse serves req entirely from the cache when possible: a cached
// playlist still needs a fresh per-client rewrite before it's servable, so a
// playlist hit only skips the upstream fetch. A cached segment is servable
// as-is. A segment miss still checks for an in-flight prefetch of the same URL
// before falling through to a direct upstream fetch, so a client racing the
// background prefetcher doesn't trigger a duplicate upstream GET.
func (c *Controller) cachedResponse(ctx context.Context, req Request) (Response, bool) {
	text, m3u8Found, segment, segFound := c.Cache.GetCached(ctx, req.TargetURL)
	if m3u8Found {
		result, err := playlist.ProcessWithRetry(text, req.TargetURL, req.ClientID, c.Signer)
		if err != nil {
			return Response{}, false
		}
		if len(result.SegmentURLs) > 0 {
			go c.Cache.PrefetchSegments(context.Background(), result.SegmentURLs)
		}
		resp, err := buildM3U8Response(result.Body, req.AcceptEncoding)
		if err != nil {
			return Response{}, false
		}
		return resp, true
	}
	if segFound {
		resp, err := handleBinary(segment, isMP4URL(req.TargetURL), req.RangeHeader, req.AcceptEncoding)
		if err != nil {
			return Response{}, false
		}
		return resp, true
	}

	if data, ok := c.Cache.WaitForInflight(ctx, req.TargetURL); ok {
		resp, err := handleBinary(data, isMP4URL(req.TargetURL), req.RangeHeader, req.AcceptEncoding)
		if err != nil {
			return Response{}, false
		}
		return resp, true
	}

	return Response{}, false
}

func isMP4URL(targetURL string) bool {
	return strings.HasSuffix(strings.ToLower(targetURL), ".mp4")
}

func (c *Controller) recordErrorAsync(clientID, errType string) {
	go c.RateLimit.RecordError(context.Background(), clientID, errType)
}

func (c *Controller) handlePlaylist(ctx context.Context, body []byte, req Request) (Response, error) {
	text := string(body)

	result, err := playlist.ProcessWithRetry(text, req.TargetURL, req.ClientID, c.Signer)
	if err != nil {
		return Response{}, err
	}

	if len(result.SegmentURLs) > 0 {
		go c.Cache.PrefetchSegments(context.Background(), result.SegmentURLs)
	}

	return buildM3U8Response(result.Body, req.AcceptEncoding)
}

func buildM3U8Response(body, acceptEncoding string) (Response, error) {
	encoding := encodingFor(acceptEncoding)

	headers := http.Header{}
	headers.Set("Content-Type", "application/vnd.apple.mpegurl")
	headers.Set("Cache-Control", "no-cache")

	responseBody := []byte(body)
	if encoding != encodingNone {
		compressed, err := compress(encoding, responseBody)
		if err != nil {
			return Response{}, proxyerr.Internal("failed to compress response")
		}
		headers.Set("Content-Encoding", encodingHeaderValue(encoding))
		responseBody = compressed
	}
	headers.Set("Content-Length", strconv.Itoa(len(responseBody)))

	return Response{StatusCode: http.StatusOK, Headers: headers, Body: responseBody}, nil
}

func handleBinary(fullBytes []byte, isMP4 bool, rangeHeader, acceptEncoding string) (Response, error) {
	totalLen := len(fullBytes)
	responseBytes, statusCode, contentRange := sliceRange(fullBytes, totalLen, rangeHeader)

	headers := http.Header{}
	headers.Set("Content-Type", "video/mp2t")
	if isMP4 {
		headers.Set("Cache-Control", "public, max-age=3600")
	} else {
		headers.Set("Cache-Control", "public, max-age=31536000")
	}
	headers.Set("Accept-Ranges", "bytes")
	if contentRange != "" {
		headers.Set("Content-Range", contentRange)
	}

	encoding := encodingFor(acceptEncoding)
	finalBytes := responseBytes
	if encoding != encodingNone && statusCode != http.StatusPartialContent {
		compressed, err := compress(encoding, responseBytes)
		if err != nil {
			return Response{}, proxyerr.Internal("failed to compress response")
		}
		headers.Set("Content-Encoding", encodingHeaderValue(encoding))
		finalBytes = compressed
	}
	headers.Set("Content-Length", strconv.Itoa(len(finalBytes)))

	return Response{StatusCode: statusCode, Headers: headers, Body: finalBytes}, nil
}

// sliceRange parses a "bytes=start-end" Range header and slices fullBytes
// accordingly. A missing or unparsable start becomes 0, and a missing or
// unparsable end becomes the last byte (an end past the content is clamped to
// it). A header without the "bytes=" prefix or the "-", or a start outside the
// content or after the end, falls back to serving the whole body with 200 OK
// rather than erroring — a malformed Range header from a client is not worth
// failing the request over.
func sliceRange(fullBytes []byte, totalLen int, rangeHeader string) ([]byte, int, string) {
	if rangeHeader == "" {
		return fullBytes, http.StatusOK, ""
	}
	rangePart, ok := strings.CutPrefix(rangeHeader, "bytes=")
	if !ok {
		return fullBytes, http.StatusOK, ""
	}
	parts := strings.SplitN(rangePart, "-", 2)
	if len(parts) != 2 {
		return fullBytes, http.StatusOK, ""
	}

	start, startErr := strconv.Atoi(parts[0])
	if startErr != nil {
		start = 0
	}

	var end int
	if parts[1] == "" {
		end = totalLen - 1
	} else {
		var endErr error
		end, endErr = strconv.Atoi(parts[1])
		if endErr != nil {
			end = totalLen - 1
		}
	}
	if end > totalLen-1 {
		end = totalLen - 1
	}

	if start < 0 || start >= totalLen || start > end {
		return fullBytes, http.StatusOK, ""
	}

	sliced := fullBytes[start : end+1]
	contentRange := "bytes " + strconv.Itoa(start) + "-" + strconv.Itoa(end) + "/" + strconv.Itoa(totalLen)
	return sliced, http.StatusPartialContent, contentRange
}

type contentEncoding int

const (
	encodingNone contentEncoding = iota
	encodingGzip
	encodingZstd
)

// encodingFor picks the response encoding from the client's Accept-Encoding
// header: zstd preferred over gzip for better compression, but an explicit
// "identity" request is always honored as a request for no compression at all
// — HLS players can be picky about this.
func encodingFor(acceptEncoding string) contentEncoding {
	if acceptEncoding == "" {
		return encodingNone
	}
	if acceptEncoding == "identity" || strings.HasPrefix(acceptEncoding, "identity,") {
		return encodingNone
	}
	if strings.Contains(acceptEncoding, "zstd") {
		return encodingZstd
	}
	if strings.Contains(acceptEncoding, "gzip") {
		return encodingGzip
	}
	return encodingNone
}

func encodingHeaderValue(e contentEncoding) string {
	switch e {
	case encodingZstd:
		return "zstd"
	case encodingGzip:
		return "gzip"
	default:
		return ""
	}
}

func compress(e contentEncoding, data []byte) ([]byte, error) {
	switch e {
	case encodingZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(data, nil), nil
	case encodingGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return data, nil
	}
}

func decompress(contentEncoding string, data []byte) ([]byte, error) {
	switch contentEncoding {
	case "zstd":
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return io.ReadAll(dec)
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return data, nil
	}
}

const (
	chromeUA      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	firefoxUA     = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:145.0) Gecko/20100101 Firefox/145.0"
	defaultAccEnc = "gzip, deflate, br, zstd"
)

// applySchemaHeaders shapes the upstream request the way the named schema
// expects, so the fetch reads as the same client every playlist/segment route
// presents to upstream.
func applySchemaHeaders(req *http.Request, schema, targetURL string) {
	switch schema {
	case "captions":
		req.Header.Set("User-Agent", firefoxUA)
		req.Header.Set("Accept", "*/*")
	case "sports":
		applySportsHeaders(req, targetURL)
	default:
		log.Info().Str("schema", schema).Msg("unknown schema, falling back to sports headers")
		applySportsHeaders(req, targetURL)
	}
}

func applySportsHeaders(req *http.Request, targetURL string) {
	if strings.Contains(targetURL, "strm.poocloud.in") {
		req.Header.Set("Origin", "https://ppvs.su")
		req.Header.Set("Accept", "*/*")
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
		req.Header.Set("Accept-Encoding", defaultAccEnc)
		req.Header.Set("Referer", "https://modistreams.org/")
		req.Header.Set("User-Agent", chromeUA)
		req.Header.Set("Sec-GPC", "1")
		req.Header.Set("Sec-Fetch-Dest", "empty")
		req.Header.Set("Sec-Fetch-Mode", "cors")
		req.Header.Set("Sec-Fetch-Site", "cross-site")
		req.Header.Set("Connection", "keep-alive")
		req.Header.Set("Priority", "u=4")
		req.Header.Set("Pragma", "no-cache")
		req.Header.Set("Cache-Control", "no-cache")
		return
	}
	req.Header.Set("Referer", "https://api.ppvs.su/api/streams/")
	req.Header.Set("Origin", "https://api.ppvs.su/api/streams")
	req.Header.Set("User-Agent", chromeUA)
	req.Header.Set("Accept-Encoding", defaultAccEnc)
	req.Header.Set("Accept", "*/*")
}

// DecodeURL decodes the proxy's `url` query parameter: an http(s)-prefixed
// value is percent-decoded as-is, anything else is treated as unpadded
// URL-safe base64 (the shape every playlist rewrite produces) and decoded to
// UTF-8.
func DecodeURL(param string) (string, error) {
	if strings.HasPrefix(param, "http://") || strings.HasPrefix(param, "https://") {
		decoded, err := url.QueryUnescape(param)
		if err != nil {
			return "", proxyerr.BadRequest("invalid URL encoding")
		}
		return decoded, nil
	}

	padded := param
	for len(padded)%4 != 0 {
		padded += "="
	}
	data, err := base64.URLEncoding.DecodeString(padded)
	if err != nil {
		return "", proxyerr.BadRequest("invalid URL encoding")
	}
	return string(data), nil
}
