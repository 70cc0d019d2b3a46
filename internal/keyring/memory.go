package keyring

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
)

// Memory keeps documents in process memory.
type Memory struct {
	mu    sync.RWMutex
	items map[string]json.RawMessage
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]json.RawMessage)}
}

func openMemory(string) (Keyring, error) {
	return NewMemory(), nil
}

func (m *Memory) Get(_ context.Context, key string) (json.RawMessage, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (m *Memory) Set(_ context.Context, key string, value json.RawMessage) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateValue(value); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = bytes.Clone(value)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[key]; !ok {
		return ErrNotFound
	}
	delete(m.items, key)
	return nil
}

func (m *Memory) Close() error { return nil }
