package wishlist

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Store is the local key-value persistence used for caches and the
// change log. Get returns nil, nil for a missing key.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
}

// Updater is implemented by stores that can read-modify-write a key
// atomically. The change log uses it so concurrent appends from several
// contexts all survive. fn receives nil when the key is missing;
// returning nil removes the key.
type Updater interface {
	Update(key string, fn func(current []byte) ([]byte, error)) error
}

func itemsKey(scope string) string      { return "wishlist:" + scope + ":items" }
func pendingKey(scope string) string    { return "wishlist:" + scope + ":pending" }
func lastUpdateKey(scope string) string { return "wishlist:" + scope + ":last_update" }
func lastSyncKey(scope string) string   { return "wishlist:" + scope + ":last_sync" }

// updateKey applies fn to key atomically when the store supports it,
// otherwise it re-reads the key immediately before writing.
func updateKey(s Store, key string, fn func(current []byte) ([]byte, error)) error {
	if u, ok := s.(Updater); ok {
		return u.Update(key, fn)
	}

	current, err := s.Get(key)
	if err != nil {
		return err
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	if next == nil {
		return s.Remove(key)
	}
	return s.Set(key, next)
}

func loadItems(s Store, scope string) ([]Item, error) {
	data, err := s.Get(itemsKey(scope))
	if err != nil {
		return nil, fmt.Errorf("reading cache for %s: %w", scope, err)
	}
	if data == nil {
		return []Item{}, nil
	}

	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decoding cache for %s: %w", scope, err)
	}
	if items == nil {
		items = []Item{}
	}
	return items, nil
}

func saveItems(s Store, scope string, items []Item) error {
	if items == nil {
		items = []Item{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encoding cache for %s: %w", scope, err)
	}
	if err := s.Set(itemsKey(scope), data); err != nil {
		return fmt.Errorf("writing cache for %s: %w", scope, err)
	}
	return nil
}

func loadLastSync(s Store, scope string) time.Time {
	data, err := s.Get(lastSyncKey(scope))
	if err != nil || data == nil {
		return time.Time{}
	}
	var t time.Time
	if err := t.UnmarshalText(data); err != nil {
		return time.Time{}
	}
	return t
}

func saveLastSync(s Store, scope string, t time.Time) error {
	data, err := t.UTC().MarshalText()
	if err != nil {
		return err
	}
	return s.Set(lastSyncKey(scope), data)
}

func saveLastUpdate(s Store, u Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encoding update: %w", err)
	}
	return s.Set(lastUpdateKey(u.Scope), data)
}

// LastUpdate returns the most recent broadcast snapshot for scope, or nil.
func LastUpdate(s Store, scope string) (*Update, error) {
	data, err := s.Get(lastUpdateKey(scope))
	if err != nil || data == nil {
		return nil, err
	}
	var u Update
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decoding update: %w", err)
	}
	return &u, nil
}

// MemoryStore is a goroutine-safe in-memory Store. Several Wishlist
// instances sharing one MemoryStore behave like tabs sharing browser
// storage.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Update(key string, fn func(current []byte) ([]byte, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current []byte
	if v, ok := m.data[key]; ok {
		current = append([]byte(nil), v...)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	if next == nil {
		delete(m.data, key)
		return nil
	}
	m.data[key] = append([]byte(nil), next...)
	return nil
}
