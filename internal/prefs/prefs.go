// Package prefs persists the reader's user preferences: the last delivery
// mode, the cache toggle and the archive selection. Values are strings with
// an optional time to live; a zero TTL never expires.
package prefs

import (
	"strings"
	"sync"
	"time"
)

// Well-known preference keys.
const (
	KeyContentMode    = "lastContentInjectionMode"
	KeyUseCache       = "useCache"
	KeyLastArchive    = "lastSelectedArchive"
	KeyListOfArchives = "listOfArchives"
	archiveListSep    = "|"
)

// Store 是偏好持久化的协作方契约，实现需保证并发安全。
type Store interface {
	// Get returns the stored value; expired values are reported as absent.
	Get(key string) (string, bool)
	Set(key, value string, ttl time.Duration) error
}

type item struct {
	Value    string    `json:"value"`
	ExpireAt time.Time `json:"expire_at,omitempty"`
}

func (it item) expired(now time.Time) bool {
	return !it.ExpireAt.IsZero() && !now.Before(it.ExpireAt)
}

func newItem(value string, ttl time.Duration, now time.Time) item {
	it := item{Value: value}
	if ttl > 0 {
		it.ExpireAt = now.Add(ttl)
	}
	return it
}

// Memory keeps preferences in process memory only.
type Memory struct {
	mu    sync.RWMutex
	items map[string]item
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]item), now: time.Now}
}

func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || it.expired(m.now()) {
		return "", false
	}
	return it.Value, true
}

func (m *Memory) Set(key, value string, ttl time.Duration) error {
	m.mu.Lock()
	m.items[key] = newItem(value, ttl, m.now())
	m.mu.Unlock()
	return nil
}

// Bool reads a boolean preference, returning fallback when absent.
func Bool(s Store, key string, fallback bool) bool {
	if s == nil {
		return fallback
	}
	raw, ok := s.Get(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(raw) {
	case "true", "on", "1":
		return true
	case "false", "off", "0":
		return false
	default:
		return fallback
	}
}

// SetBool stores a boolean preference without expiry.
func SetBool(s Store, key string, value bool) error {
	if s == nil {
		return nil
	}
	raw := "false"
	if value {
		raw = "true"
	}
	return s.Set(key, raw, 0)
}

// Archives reads the persisted archive list.
func Archives(s Store) []string {
	if s == nil {
		return nil
	}
	raw, ok := s.Get(KeyListOfArchives)
	if !ok || raw == "" {
		return nil
	}
	return strings.Split(raw, archiveListSep)
}

// SetArchives persists the archive list.
func SetArchives(s Store, names []string) error {
	if s == nil {
		return nil
	}
	return s.Set(KeyListOfArchives, strings.Join(names, archiveListSep), 0)
}
