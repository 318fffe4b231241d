// Package framecache keeps the most recent annotated frames for a short
// while so repeated page loads do not re-run a batch.
package framecache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	ImagesKey  = "parkwatch:images"
	DefaultTTL = 20 * time.Minute
)

// Cache is a byte-valued key/value store with per-entry expiry.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get reports found=false for missing or expired keys.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
}

// CachedImages is what StoreImages writes: JPEG frames in camera order.
type CachedImages struct {
	StoredAt time.Time `json:"stored_at"`
	Cameras  []string  `json:"cameras"`
	Images   [][]byte  `json:"images"`
}

func StoreImages(ctx context.Context, c Cache, key string, imgs CachedImages, ttl time.Duration) error {
	data, err := json.Marshal(imgs)
	if err != nil {
		return fmt.Errorf("encode cached images: %w", err)
	}
	return c.Set(ctx, key, data, ttl)
}

func LoadImages(ctx context.Context, c Cache, key string) (CachedImages, bool, error) {
	data, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return CachedImages{}, false, err
	}
	var imgs CachedImages
	if err := json.Unmarshal(data, &imgs); err != nil {
		return CachedImages{}, false, fmt.Errorf("decode cached images: %w", err)
	}
	return imgs, true, nil
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// MemoryCache is the in-process fallback when no Redis is configured.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	e := memoryEntry{value: v}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}
