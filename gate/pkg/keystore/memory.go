package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"
	"time"
)

type Memory struct {
	mu   sync.RWMutex
	keys map[string]KeyRecord
}

func NewMemory() *Memory {
	return &Memory{keys: map[string]KeyRecord{}}
}

// LoadMemory reads a JSON array of key records from path.
func LoadMemory(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keys file: %w", err)
	}
	var recs []KeyRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("failed to parse keys file: %w", err)
	}
	m := NewMemory()
	for i := range recs {
		if err := m.Put(context.Background(), &recs[i]); err != nil {
			return nil, fmt.Errorf("key %d (%s): %w", i, recs[i].SignerID, err)
		}
	}
	return m, nil
}

func (m *Memory) Get(_ context.Context, signerID string) (*KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.keys[signerID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (m *Memory) Put(_ context.Context, rec *KeyRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[rec.SignerID] = *copyRecord(*rec)
	return nil
}

func (m *Memory) List(_ context.Context) ([]KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]KeyRecord, 0, len(m.keys))
	for _, rec := range m.keys {
		out = append(out, *copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignerID < out[j].SignerID })
	return out, nil
}

func (m *Memory) Revoke(_ context.Context, signerID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.keys[signerID]
	if !ok {
		return ErrNotFound
	}
	if rec.RevokedAt == nil {
		rec.RevokedAt = &at
		m.keys[signerID] = rec
	}
	return nil
}

func copyRecord(rec KeyRecord) *KeyRecord {
	rec.Permissions = slices.Clone(rec.Permissions)
	if rec.RevokedAt != nil {
		at := *rec.RevokedAt
		rec.RevokedAt = &at
	}
	return &rec
}

type MemoryNonces struct {
	mu   sync.Mutex
	last map[string]uint64
}

func NewMemoryNonces() *MemoryNonces {
	return &MemoryNonces{last: map[string]uint64{}}
}

func (m *MemoryNonces) Advance(_ context.Context, signerID string, nonce uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nonce <= m.last[signerID] {
		return false, nil
	}
	m.last[signerID] = nonce
	return true, nil
}

func (m *MemoryNonces) Last(_ context.Context, signerID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last[signerID], nil
}
