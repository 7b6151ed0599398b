package storage

import (
	"sort"
	"strings"

	"github.com/c-pro/geche"
)

// MemoryStorage is a process-local KV used in tests and when no database
// file is configured.
type MemoryStorage struct {
	cache geche.Geche[string, string]
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		cache: geche.NewMapCache[string, string](),
	}
}

func (m *MemoryStorage) Get(key string) (string, bool, error) {
	v, err := m.cache.Get(key)
	if err != nil {
		// geche reports a missing key as an error.
		return "", false, nil
	}
	return v, true, nil
}

func (m *MemoryStorage) Set(key, value string) error {
	m.cache.Set(key, value)
	return nil
}

func (m *MemoryStorage) Keys(prefix string) ([]string, error) {
	var keys []string
	for k := range m.cache.Snapshot() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
