package vault

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/keyhold/keyhold/interfaces"
	"github.com/keyhold/keyhold/internal/mem"
)

// Vault owns every decrypted secret in the process. Secrets live in
// memguard enclaves: encrypted at rest in memory, locked against swap,
// guarded by canary pages, and wiped on destruction. The only way to read
// secret bytes is WithSecret, which grants a closure exclusive,
// time-bounded access; no raw secret ever escapes that scope.
type Vault struct {
	log *slog.Logger

	mu      sync.Mutex
	entries map[interfaces.Identity]*entry
	closed  bool

	protection mem.ProtectionLevel
}

// entry serializes access to one identity's hot secret.
type entry struct {
	mu      sync.Mutex
	enclave *memguard.Enclave
}

// New creates an empty vault and attempts to lock process memory against
// swapping. Lock failure degrades protection but is not fatal.
func New(log *slog.Logger) *Vault {
	level, err := mem.LockAll()
	if err != nil {
		log.Warn("Could not lock process memory", "err", err)
	}
	log.Info("Secret vault initialized", "memoryProtection", level.String())

	return &Vault{
		log:        log,
		entries:    make(map[interfaces.Identity]*entry),
		protection: level,
	}
}

// Protection reports the memory protection level achieved at startup.
func (v *Vault) Protection() mem.ProtectionLevel {
	return v.protection
}

// Insert takes ownership of secret and stores it hot under id. The
// caller's slice is wiped before Insert returns; the caller must not use
// it afterwards. Inserting an identity that is already hot replaces the
// previous secret.
func (v *Vault) Insert(id interfaces.Identity, secret []byte) error {
	if len(secret) == 0 {
		return fmt.Errorf("%w: empty secret", interfaces.ErrMalformedInput)
	}

	// NewBufferFromBytes copies into locked memory and wipes the source.
	buf := memguard.NewBufferFromBytes(secret)
	enclave := buf.Seal()

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return fmt.Errorf("%w: vault is closed", interfaces.ErrKeystoreLocked)
	}

	if e, ok := v.entries[id]; ok {
		e.mu.Lock()
		e.enclave = enclave
		e.mu.Unlock()
		return nil
	}

	v.entries[id] = &entry{enclave: enclave}
	return nil
}

// Contains reports whether id has a hot secret without touching it.
func (v *Vault) Contains(id interfaces.Identity) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.entries[id]
	return ok
}

// Len reports the number of hot secrets.
func (v *Vault) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}

// WithSecret runs op with exclusive access to the decrypted secret for id.
// The working copy is destroyed on every exit path, including panics
// inside op. The secret slice is only valid for the duration of the call;
// op must not retain it.
func (v *Vault) WithSecret(id interfaces.Identity, op func(secret []byte) error) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return fmt.Errorf("%w: vault is closed", interfaces.ErrKeystoreLocked)
	}
	e, ok := v.entries[id]
	v.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no hot secret for %s", interfaces.ErrUnknownIdentity, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// The entry may have been evicted while we waited for its lock.
	if e.enclave == nil {
		return fmt.Errorf("%w: no hot secret for %s", interfaces.ErrUnknownIdentity, id)
	}

	buf, err := e.enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open secret enclave: %w", err)
	}
	defer buf.Destroy()

	return op(buf.Bytes())
}

// Evict zeroes and removes the hot secret for id. Idempotent: evicting an
// identity that is not hot is a no-op.
func (v *Vault) Evict(id interfaces.Identity) {
	v.mu.Lock()
	e, ok := v.entries[id]
	delete(v.entries, id)
	v.mu.Unlock()

	if !ok {
		return
	}

	// Wait out any in-flight WithSecret before dropping the ciphertext.
	e.mu.Lock()
	e.enclave = nil
	e.mu.Unlock()
}

// Close evicts every hot secret and rejects all further use. Part of
// engine teardown: flush-and-zero-all.
func (v *Vault) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	entries := v.entries
	v.entries = make(map[interfaces.Identity]*entry)
	v.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		e.enclave = nil
		e.mu.Unlock()
	}

	if err := mem.UnlockAll(); err != nil {
		v.log.Debug("Could not unlock process memory", "err", err)
	}

	v.log.Info("Secret vault closed", "evicted", len(entries))
}
