package persist

import (
	"context"
	"sync"

	"github.com/keyhold/keyhold/interfaces"
)

// MemoryAdapter keeps entries in an in-process map. Used in tests and for
// ephemeral development keystores; contents do not survive a restart.
type MemoryAdapter struct {
	mu      sync.RWMutex
	entries map[interfaces.Identity]interfaces.KeyEntry
}

// NewMemoryAdapter creates an empty in-memory adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{entries: make(map[interfaces.Identity]interfaces.KeyEntry)}
}

// Put stores an entry, overwriting any previous record.
func (m *MemoryAdapter) Put(ctx context.Context, entry interfaces.KeyEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.Identity] = cloneEntry(entry)
	return nil
}

// Get retrieves an entry by identity.
func (m *MemoryAdapter) Get(ctx context.Context, id interfaces.Identity) (interfaces.KeyEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[id]
	if !ok {
		return interfaces.KeyEntry{}, interfaces.ErrUnknownIdentity
	}
	return cloneEntry(entry), nil
}

// Delete removes an entry by identity.
func (m *MemoryAdapter) Delete(ctx context.Context, id interfaces.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[id]; !ok {
		return interfaces.ErrUnknownIdentity
	}
	delete(m.entries, id)
	return nil
}

// List enumerates entry metadata, optionally filtered by kind.
func (m *MemoryAdapter) List(ctx context.Context, kind *interfaces.KeyKind) ([]interfaces.KeyInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]interfaces.KeyInfo, 0, len(m.entries))
	for _, entry := range m.entries {
		if kind != nil && entry.Kind != *kind {
			continue
		}
		infos = append(infos, entry.Info())
	}
	return infos, nil
}

// Available always reports true.
func (m *MemoryAdapter) Available(ctx context.Context) bool {
	return true
}

// Name returns an identifier for logging.
func (m *MemoryAdapter) Name() string {
	return "memory"
}

// LocationURI returns the URI identifying this adapter.
func (m *MemoryAdapter) LocationURI() string {
	return "memory://"
}

func cloneEntry(entry interfaces.KeyEntry) interfaces.KeyEntry {
	clone := entry
	clone.EncryptedSecret = append([]byte(nil), entry.EncryptedSecret...)
	clone.Tags = append([]string(nil), entry.Tags...)
	if entry.DerivationPath != nil {
		path := *entry.DerivationPath
		clone.DerivationPath = &path
	}
	return clone
}
