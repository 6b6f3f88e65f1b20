package cloudkv

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store with per-key fault injection.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]string
	getErrs map[string]error
	setErrs map[string]error
	calls   int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string]string),
		getErrs: make(map[string]error),
		setErrs: make(map[string]error),
	}
}

// FailGet makes every read of key return err. A nil err clears the fault.
func (m *MemoryStore) FailGet(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.getErrs, key)
		return
	}
	m.getErrs[key] = err
}

// FailSet makes every write of key return err. A nil err clears the fault.
func (m *MemoryStore) FailSet(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.setErrs, key)
		return
	}
	m.setErrs[key] = err
}

// Calls returns how many operations have been attempted.
func (m *MemoryStore) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MemoryStore) GetItem(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if err := m.getErrs[key]; err != nil {
		return "", err
	}
	return m.values[key], nil
}

func (m *MemoryStore) GetItems(_ context.Context, keys []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if err := ValidateKey(key); err != nil {
			return nil, err
		}
		if err := m.getErrs[key]; err != nil {
			return nil, err
		}
		out[key] = m.values[key]
	}
	return out, nil
}

func (m *MemoryStore) SetItem(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateValue(value); err != nil {
		return err
	}
	if err := m.setErrs[key]; err != nil {
		return err
	}
	m.values[key] = value
	return nil
}

func (m *MemoryStore) GetKeys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
