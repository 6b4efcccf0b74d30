// Package cache is the content-addressed playlist/segment cache sitting in
// front of upstream fetches: short-TTL playlist bodies, longer-TTL segment
// bytes, request coalescing for concurrent waiters on the same URL, and a
// bounded-concurrency background prefetch pool for upcoming segments.
package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/proxyedge/edge-proxy/internal/kv"
)

const (
	m3u8TTL           = 10 * time.Second
	segmentTTL        = 5 * time.Minute
	inflightWaitLimit = 3 * time.Second
	prefetchWidth     = 5
)

// Cache is the KV-backed playlist/segment cache with in-process request
// coalescing and bounded prefetch.
type Cache struct {
	store kv.Store
	http  *http.Client

	mu       sync.Mutex
	inflight map[string]chan struct{}

	sem *semaphore.Weighted
}

// New constructs a Cache over store, using client for upstream prefetch
// fetches.
func New(store kv.Store, client *http.Client) *Cache {
	return &Cache{
		store:    store,
		http:     client,
		inflight: make(map[string]chan struct{}),
		sem:      semaphore.NewWeighted(prefetchWidth),
	}
}

func hashURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

func m3u8Key(url string) string    { return "pcache:m3u8:" + hashURL(url) }
func segmentKey(url string) string { return "pcache:seg:" + hashURL(url) }

// GetCached looks up both the playlist-text and segment-bytes cache entries
// for url in a single round trip. At most one of the two will ever be
// populated for a given URL in practice, but both are checked since the
// caller doesn't know in advance which kind of resource the URL names.
func (c *Cache) GetCached(ctx context.Context, url string) (m3u8 string, m3u8Found bool, segment []byte, segFound bool) {
	results, err := c.store.GetMulti(ctx, m3u8Key(url), segmentKey(url))
	if err != nil {
		log.Error().Err(err).Str("url", url).Msg("proxy cache get failed")
		return "", false, nil, false
	}
	if len(results) != 2 {
		return "", false, nil, false
	}
	if results[0] != nil {
		m3u8, m3u8Found = string(results[0]), true
		log.Debug().Str("url", url).Msg("proxy cache HIT (m3u8)")
	}
	if results[1] != nil {
		segment, segFound = results[1], true
		log.Debug().Str("url", url).Msg("proxy cache HIT (segment)")
	}
	return
}

// CacheM3U8 stores the raw (pre-rewrite) playlist text for url with a short TTL
// — playlists for live content change too fast to cache for long.
func (c *Cache) CacheM3U8(ctx context.Context, url, text string) {
	if err := c.store.SetEX(ctx, m3u8Key(url), []byte(text), m3u8TTL); err != nil {
		log.Error().Err(err).Str("url", url).Msg("failed to cache m3u8")
		return
	}
	log.Debug().Str("url", url).Int("bytes", len(text)).Dur("ttl", m3u8TTL).Msg("cached m3u8")
}

// CacheSegment stores segment bytes for url with the longer segment TTL.
func (c *Cache) CacheSegment(ctx context.Context, url string, data []byte) {
	if err := c.store.SetEX(ctx, segmentKey(url), data, segmentTTL); err != nil {
		log.Error().Err(err).Str("url", url).Msg("failed to cache segment")
		return
	}
	log.Debug().Str("url", url).Int("bytes", len(data)).Dur("ttl", segmentTTL).Msg("cached segment")
}

// WaitForInflight waits up to 3s for an in-flight prefetch of url to complete,
// then re-checks the segment cache. Returns ok=false if no prefetch is
// in-flight for url, or the wait times out, or the segment still isn't cached
// once the prefetch completes.
func (c *Cache) WaitForInflight(ctx context.Context, url string) ([]byte, bool) {
	c.mu.Lock()
	ch, ok := c.inflight[url]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	log.Debug().Str("url", url).Msg("waiting for inflight prefetch")

	timer := time.NewTimer(inflightWaitLimit)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		log.Warn().Str("url", url).Msg("timed out waiting for inflight prefetch")
		return nil, false
	case <-ctx.Done():
		return nil, false
	}

	data, found, err := c.store.Get(ctx, segmentKey(url))
	if err != nil {
		log.Error().Err(err).Str("url", url).Msg("segment get failed after inflight wait")
		return nil, false
	}
	if !found {
		log.Warn().Str("url", url).Msg("inflight prefetch completed but segment not cached")
		return nil, false
	}
	log.Debug().Str("url", url).Int("bytes", len(data)).Msg("got segment from cache after inflight wait")
	return data, true
}

// PrefetchSegments fetches and caches every URL in urls that isn't already
// cached, running up to prefetchWidth fetches concurrently. It registers an
// in-flight marker for each uncached URL before any fetch starts, so a
// concurrent WaitForInflight call can never miss a prefetch that started
// between its own cache check and its inflight-map lookup.
func (c *Cache) PrefetchSegments(ctx context.Context, urls []string) {
	if len(urls) == 0 {
		return
	}

	keys := make([]string, len(urls))
	for i, u := range urls {
		keys[i] = segmentKey(u)
	}
	existsResults, err := c.store.Exists(ctx, keys...)
	if err != nil {
		log.Error().Err(err).Msg("prefetch exists pipeline failed")
		return
	}

	var uncached []string
	for i, u := range urls {
		if i < len(existsResults) && !existsResults[i] {
			uncached = append(uncached, u)
		}
	}
	if len(uncached) == 0 {
		log.Debug().Msg("all segments already cached, skipping prefetch")
		return
	}

	log.Info().Int("count", len(uncached)).Msg("prefetching segments")

	c.mu.Lock()
	var toFetch []string
	for _, u := range uncached {
		if _, exists := c.inflight[u]; !exists {
			c.inflight[u] = make(chan struct{})
			toFetch = append(toFetch, u)
		}
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, u := range toFetch {
		u := u
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.sem.Acquire(ctx, 1); err != nil {
				c.finishInflight(u)
				return
			}
			defer c.sem.Release(1)

			if err := c.fetchAndCacheSegment(ctx, u); err != nil {
				log.Error().Err(err).Str("url", u).Msg("prefetch failed")
			}
			c.finishInflight(u)
		}()
	}
	wg.Wait()
}

func (c *Cache) finishInflight(url string) {
	c.mu.Lock()
	ch, ok := c.inflight[url]
	delete(c.inflight, url)
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

// fetchAndCacheSegment fetches a single segment from upstream with
// domain-appropriate headers, decompresses it, and stores it in the segment
// cache.
func (c *Cache) fetchAndCacheSegment(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	applySegmentHeaders(req, url)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errStatus(resp.StatusCode)
	}

	decompressed, err := decompressBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return err
	}

	c.CacheSegment(ctx, url, decompressed)
	log.Debug().Str("url", url).Int("bytes", len(decompressed)).Msg("prefetched and cached segment")
	return nil
}

// applySegmentHeaders sets the browser-shaped headers segment fetches need to
// pass through the CDN fronting the stream host. strm.poocloud.in requires a
// distinct Origin/Referer pair from every other segment host.
func applySegmentHeaders(req *http.Request, url string) {
	const accept = "*/*"
	const acceptEncoding = "gzip, deflate, br, zstd"
	const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	if strings.Contains(url, "strm.poocloud.in") {
		req.Header.Set("Origin", "https://ppvs.su")
		req.Header.Set("Accept", accept)
		req.Header.Set("Accept-Encoding", acceptEncoding)
		req.Header.Set("Referer", "https://modistreams.org/")
		req.Header.Set("User-Agent", chromeUA)
		return
	}

	req.Header.Set("Referer", "https://api.ppvs.su/api/streams/")
	req.Header.Set("Origin", "https://api.ppvs.su/api/streams")
	req.Header.Set("User-Agent", chromeUA)
	req.Header.Set("Accept-Encoding", acceptEncoding)
	req.Header.Set("Accept", accept)
}

func decompressBody(contentEncoding string, body io.Reader) ([]byte, error) {
	switch contentEncoding {
	case "zstd":
		dec, err := zstd.NewReader(body)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return io.ReadAll(dec)
	case "gzip":
		r, err := gzip.NewReader(body)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, body); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}

type errStatus int

func (e errStatus) Error() string {
	return "upstream returned " + httpStatusText(int(e))
}

func httpStatusText(code int) string {
	return http.StatusText(code) + " (" + strconv.Itoa(code) + ")"
}
