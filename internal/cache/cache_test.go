package cache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/proxyedge/edge-proxy/internal/kv"
)

func TestCacheM3U8AndGetCached(t *testing.T) {
	c := New(kv.NewFake(), http.DefaultClient)
	ctx := context.Background()

	c.CacheM3U8(ctx, "https://example.com/a.m3u8", "#EXTM3U\n")

	text, found, seg, segFound := c.GetCached(ctx, "https://example.com/a.m3u8")
	if !found || text != "#EXTM3U\n" {
		t.Fatalf("expected m3u8 cache hit, got found=%v text=%q", found, text)
	}
	if segFound || seg != nil {
		t.Fatal("expected no segment cached for this url")
	}
}

func TestCacheSegmentAndGetCached(t *testing.T) {
	c := New(kv.NewFake(), http.DefaultClient)
	ctx := context.Background()

	c.CacheSegment(ctx, "https://example.com/seg1.ts", []byte("binary-data"))

	_, m3u8Found, seg, segFound := c.GetCached(ctx, "https://example.com/seg1.ts")
	if m3u8Found {
		t.Fatal("expected no m3u8 cached for this url")
	}
	if !segFound || string(seg) != "binary-data" {
		t.Fatalf("expected segment cache hit, got found=%v data=%q", segFound, seg)
	}
}

func TestGetCachedMiss(t *testing.T) {
	c := New(kv.NewFake(), http.DefaultClient)
	_, m3u8Found, _, segFound := c.GetCached(context.Background(), "https://example.com/unknown.ts")
	if m3u8Found || segFound {
		t.Fatal("expected both misses for an unseen url")
	}
}

func TestWaitForInflightNoRegisteredPrefetch(t *testing.T) {
	c := New(kv.NewFake(), http.DefaultClient)
	_, ok := c.WaitForInflight(context.Background(), "https://example.com/seg1.ts")
	if ok {
		t.Fatal("expected ok=false when nothing is in-flight")
	}
}

func TestPrefetchSegmentsSkipsAlreadyCached(t *testing.T) {
	var fetchCount int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetchCount++
		w.Write([]byte("fresh-bytes"))
	}))
	defer upstream.Close()

	store := kv.NewFake()
	c := New(store, upstream.Client())
	ctx := context.Background()

	c.CacheSegment(ctx, upstream.URL+"/seg1.ts", []byte("already-cached"))

	c.PrefetchSegments(ctx, []string{upstream.URL + "/seg1.ts"})

	if fetchCount != 0 {
		t.Fatalf("expected no upstream fetch for an already-cached segment, got %d", fetchCount)
	}
}

func TestPrefetchSegmentsFetchesUncached(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fetched-bytes"))
	}))
	defer upstream.Close()

	c := New(kv.NewFake(), upstream.Client())
	ctx := context.Background()

	c.PrefetchSegments(ctx, []string{upstream.URL + "/seg1.ts", upstream.URL + "/seg2.ts"})

	_, _, seg1, found1 := c.GetCached(ctx, upstream.URL+"/seg1.ts")
	if !found1 || string(seg1) != "fetched-bytes" {
		t.Fatalf("expected seg1 cached after prefetch, found=%v data=%q", found1, seg1)
	}
	_, _, seg2, found2 := c.GetCached(ctx, upstream.URL+"/seg2.ts")
	if !found2 || string(seg2) != "fetched-bytes" {
		t.Fatalf("expected seg2 cached after prefetch, found=%v data=%q", found2, seg2)
	}
}

func TestPrefetchSegmentsEmptyIsNoop(t *testing.T) {
	c := New(kv.NewFake(), http.DefaultClient)
	c.PrefetchSegments(context.Background(), nil)
}

func TestApplySegmentHeadersPoocloud(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://strm.poocloud.in/live/1.ts", nil)
	applySegmentHeaders(req, "https://strm.poocloud.in/live/1.ts")
	if got := req.Header.Get("Origin"); got != "https://ppvs.su" {
		t.Fatalf("expected poocloud-specific origin, got %q", got)
	}
}

func TestApplySegmentHeadersDefault(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://cdn.example.com/live/1.ts", nil)
	applySegmentHeaders(req, "https://cdn.example.com/live/1.ts")
	if got := req.Header.Get("Origin"); got != "https://api.ppvs.su/api/streams" {
		t.Fatalf("expected default origin, got %q", got)
	}
}

// two concurrent prefetches of the same uncached url must coalesce into a
// single upstream fetch, not one per caller.
func TestPrefetchSegmentsConcurrentCallsCoalesce(t *testing.T) {
	var fetchCount int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&fetchCount, 1)
		time.Sleep(20 * time.Millisecond)
		w.Write([]byte("fetched-bytes"))
	}))
	defer upstream.Close()

	c := New(kv.NewFake(), upstream.Client())
	ctx := context.Background()
	url := upstream.URL + "/seg1.ts"

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.PrefetchSegments(ctx, []string{url})
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&fetchCount); got != 1 {
		t.Fatalf("expected exactly one upstream fetch across concurrent prefetches, got %d", got)
	}
}

// sanity check that the semaphore-gated path doesn't deadlock under a larger
// batch than the concurrency width.
func TestPrefetchSegmentsWiderThanConcurrencyLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Millisecond)
		w.Write([]byte("x"))
	}))
	defer upstream.Close()

	c := New(kv.NewFake(), upstream.Client())
	urls := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		urls = append(urls, upstream.URL+"/seg"+string(rune('a'+i))+".ts")
	}

	done := make(chan struct{})
	go func() {
		c.PrefetchSegments(context.Background(), urls)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("prefetch did not complete in time, possible deadlock")
	}
}
