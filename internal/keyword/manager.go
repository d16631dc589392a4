package keyword

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Defaults for the open-index cache.
const (
	DefaultCacheSize = 32
	DefaultCacheTTL  = 30 * time.Minute
)

// Manager hands out per-user indexes, keeping recently used ones open in
// an expiring LRU. Evicted indexes are closed; disk-backed ones reopen
// transparently on next use.
type Manager struct {
	mu    sync.Mutex
	root  string
	cache *expirable.LRU[string, *Index]
}

// NewManager creates the manager. Empty root keeps every index in memory,
// which is what tests use. Non-positive size/ttl take the defaults.
func NewManager(root string, size int, ttl time.Duration) *Manager {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	m := &Manager{root: root}
	m.cache = expirable.NewLRU[string, *Index](size, func(_ string, idx *Index) {
		_ = idx.Close()
	}, ttl)
	return m
}

// ForUser returns the user's index, opening it if needed. A cached entry
// that lost a race with eviction is reopened rather than returned closed.
func (m *Manager) ForUser(userID string) (*Index, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, ok := m.cache.Get(userID); ok && !idx.isClosed() {
		return idx, nil
	}

	path := ""
	if m.root != "" {
		path = filepath.Join(m.root, "user_"+userID)
	}
	idx, err := Open(path)
	if err != nil {
		return nil, err
	}

	m.cache.Add(userID, idx)
	return idx, nil
}

// Close closes every open index.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Purge()
	return nil
}
