package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dhcgn/mailscribe/model"
)

type cacheEntry struct {
	value   string
	expires time.Time
}

// MemoryCache is an in-process Cache. Expired entries are dropped lazily on
// access or by Purge.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]cacheEntry), now: time.Now}
}

func (m *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

func (m *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		m.mu.Lock()
		if cur, still := m.entries[key]; still && cur.expires.Equal(e.expires) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return "", false, nil
	}
	return e.value, true, nil
}

// Set stores value under key. A ttl of zero or less never expires.
func (m *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	e := cacheEntry{value: value}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

// Purge removes expired entries and returns how many were dropped.
func (m *MemoryCache) Purge() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, e := range m.entries {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// MemoryRecords keeps processing records in a map. It is the base of
// FileRecords and is handy for tests.
type MemoryRecords struct {
	mu      sync.RWMutex
	records map[string]model.ProcessingRecord
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: make(map[string]model.ProcessingRecord)}
}

func (m *MemoryRecords) Exists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	_, ok := m.records[id]
	m.mu.RUnlock()
	return ok, nil
}

func (m *MemoryRecords) Get(_ context.Context, id string) (model.ProcessingRecord, bool, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	return rec, ok, nil
}

func (m *MemoryRecords) Create(_ context.Context, rec model.ProcessingRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.MessageID]; exists {
		return false, nil
	}
	m.records[rec.MessageID] = rec
	return true, nil
}

func (m *MemoryRecords) Upsert(_ context.Context, rec model.ProcessingRecord) error {
	m.mu.Lock()
	m.records[rec.MessageID] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryRecords) ClaimRetry(ctx context.Context, id string, maxRetries int) (bool, error) {
	_, ok, err := m.claimRetry(id, maxRetries)
	return ok, err
}

func (m *MemoryRecords) claimRetry(id string, maxRetries int) (model.ProcessingRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[id]
	if !exists || rec.Status != model.StatusFailed {
		return rec, false, nil
	}
	if maxRetries > 0 && rec.RetryCount >= maxRetries {
		return rec, false, nil
	}
	rec.Status = model.StatusReceived
	rec.ProcessedAt = time.Now().UTC()
	m.records[id] = rec
	return rec, true, nil
}

func (m *MemoryRecords) ListByStatus(_ context.Context, status model.Status, maxRetries int) ([]model.ProcessingRecord, error) {
	m.mu.RLock()
	out := make([]model.ProcessingRecord, 0)
	for _, rec := range m.records {
		if rec.Status != status {
			continue
		}
		if maxRetries > 0 && rec.RetryCount >= maxRetries {
			continue
		}
		out = append(out, rec)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out, nil
}

// Len returns the number of stored records.
func (m *MemoryRecords) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryRecords) Close() error {
	return nil
}
