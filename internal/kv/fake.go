package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Fake is an in-memory Store used by package tests. No corpus example vendors a
// Redis test double, so this small fake is the justified standard-library
// substitute: it implements exactly the Store interface, nothing more.
type Fake struct {
	mu      sync.Mutex
	values  map[string][]byte
	expires map[string]time.Time
}

// NewFake returns an empty in-memory Store.
func NewFake() *Fake {
	return &Fake{
		values:  make(map[string][]byte),
		expires: make(map[string]time.Time),
	}
}

func (f *Fake) expired(key string) bool {
	exp, ok := f.expires[key]
	return ok && time.Now().After(exp)
}

func (f *Fake) evictLocked(key string) {
	if f.expired(key) {
		delete(f.values, key)
		delete(f.expires, key)
	}
}

func (f *Fake) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evictLocked(key)
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *Fake) Set(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	delete(f.expires, key)
	return nil
}

func (f *Fake) SetEX(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	f.expires[key] = time.Now().Add(ttl)
	return nil
}

func (f *Fake) Del(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	delete(f.expires, key)
	return nil
}

func (f *Fake) Exists(_ context.Context, keys ...string) ([]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bool, len(keys))
	for i, k := range keys {
		f.evictLocked(k)
		_, out[i] = f.values[k]
	}
	return out, nil
}

func (f *Fake) Incr(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evictLocked(key)
	var n int64
	if v, ok := f.values[key]; ok {
		for _, c := range v {
			n = n*10 + int64(c-'0')
		}
	}
	n++
	f.values[key] = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

func (f *Fake) Expire(_ context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; ok {
		f.expires[key] = time.Now().Add(ttl)
	}
	return nil
}

func (f *Fake) TTL(_ context.Context, key string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evictLocked(key)
	if _, ok := f.values[key]; !ok {
		return -2 * time.Second, nil
	}
	exp, ok := f.expires[key]
	if !ok {
		return -1 * time.Second, nil
	}
	return time.Until(exp), nil
}

func (f *Fake) GetMulti(_ context.Context, keys ...string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		f.evictLocked(k)
		out[i] = f.values[k]
	}
	return out, nil
}

func (f *Fake) Ping(context.Context) error { return nil }
func (f *Fake) Close() error               { return nil }
