package registry

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/keyhold/keyhold/cryptoops"
	"github.com/keyhold/keyhold/interfaces"
	"github.com/keyhold/keyhold/masterkey"
	"github.com/keyhold/keyhold/vault"
)

// Registry maps public-key identities to key entries and mediates between
// the secret vault (hot, decrypted) and the persistence adapter (cold,
// sealed under the master secret).
//
// Until Unlock installs a master key, every operation that needs secret
// access fails with interfaces.ErrKeystoreLocked; List still works since
// it only touches metadata.
type Registry struct {
	log   *slog.Logger
	vault *vault.Vault
	store interfaces.PersistenceAdapter

	mu     sync.RWMutex
	master *masterkey.MasterKey
	meta   map[interfaces.Identity]interfaces.KeyInfo
}

// New creates a registry over the given vault and persistence adapter.
// The registry starts locked.
func New(log *slog.Logger, v *vault.Vault, store interfaces.PersistenceAdapter) *Registry {
	return &Registry{
		log:   log,
		vault: v,
		store: store,
		meta:  make(map[interfaces.Identity]interfaces.KeyInfo),
	}
}

// Unlock installs the master key, enabling secret access.
func (r *Registry) Unlock(mk *masterkey.MasterKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.master = mk
	r.log.Info("Keystore unlocked")
}

// Unlocked reports whether a master key is installed.
func (r *Registry) Unlocked() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.master != nil
}

// Lock destroys the master key and evicts every hot secret, returning the
// keystore to the locked state. Part of engine teardown.
func (r *Registry) Lock() {
	r.mu.Lock()
	master := r.master
	r.master = nil
	r.mu.Unlock()

	master.Destroy()
	r.vault.Close()
	r.log.Info("Keystore locked")
}

// Create generates a fresh keypair of the given kind, seals the secret
// under the master key, persists the entry, warms the vault, and returns
// the new public identity's metadata.
func (r *Registry) Create(ctx context.Context, kind interfaces.KeyKind, tags []string) (interfaces.KeyInfo, error) {
	public, secret, err := generate(kind)
	if err != nil {
		return interfaces.KeyInfo{}, err
	}

	id, err := interfaces.NewIdentityFromBytes(public)
	if err != nil {
		memguard.WipeBytes(secret)
		return interfaces.KeyInfo{}, err
	}

	return r.admit(ctx, id, kind, secret, nil, tags)
}

// Derive deterministically derives a signing subkey from a derivation
// seed entry. The same seed and index always produce the same underlying
// secret (and therefore the same identity); re-deriving an existing path
// refreshes the persisted entry idempotently.
func (r *Registry) Derive(ctx context.Context, seedID interfaces.Identity, index uint64, tags []string) (interfaces.KeyInfo, error) {
	seedEntry, err := r.Resolve(ctx, seedID)
	if err != nil {
		return interfaces.KeyInfo{}, err
	}
	if seedEntry.Kind != interfaces.DerivationSeed {
		return interfaces.KeyInfo{}, fmt.Errorf("%w: %s is a %s key, not a derivation seed", interfaces.ErrWrongKind, seedID, seedEntry.Kind)
	}

	var public, secret []byte
	err = r.vault.WithSecret(seedID, func(seed []byte) error {
		subkey, deriveErr := cryptoops.DeriveSubkey(seed, index)
		if deriveErr != nil {
			return deriveErr
		}
		defer memguard.WipeBytes(subkey)

		public, secret, deriveErr = cryptoops.SigningKeypairFromSeed(subkey)
		return deriveErr
	})
	if err != nil {
		return interfaces.KeyInfo{}, err
	}

	id, err := interfaces.NewIdentityFromBytes(public)
	if err != nil {
		memguard.WipeBytes(secret)
		return interfaces.KeyInfo{}, err
	}

	path := &interfaces.DerivationPath{Seed: seedID, Index: index}
	return r.admit(ctx, id, interfaces.SigningKey, secret, path, tags)
}

// admit seals secret under the master key, persists the entry, and warms
// the vault. It consumes secret: the slice is wiped before admit returns
// on every path.
func (r *Registry) admit(ctx context.Context, id interfaces.Identity, kind interfaces.KeyKind, secret []byte, path *interfaces.DerivationPath, tags []string) (interfaces.KeyInfo, error) {
	sealed, err := r.sealSecret(id, secret)
	if err != nil {
		memguard.WipeBytes(secret)
		return interfaces.KeyInfo{}, err
	}

	entry := interfaces.KeyEntry{
		Identity:        id,
		Kind:            kind,
		EncryptedSecret: sealed,
		DerivationPath:  path,
		Tags:            append([]string(nil), tags...),
		CreatedAt:       time.Now().UTC(),
	}

	if err := r.store.Put(ctx, entry); err != nil {
		memguard.WipeBytes(secret)
		return interfaces.KeyInfo{}, fmt.Errorf("failed to persist key entry: %w", err)
	}

	// Insert wipes our copy of the secret.
	if err := r.vault.Insert(id, secret); err != nil {
		return interfaces.KeyInfo{}, err
	}

	info := entry.Info()
	r.mu.Lock()
	r.meta[id] = info
	r.mu.Unlock()

	r.log.Debug("Key entry admitted", "identity", id.String(), "kind", kind.String())
	return info, nil
}

// Resolve returns the metadata for an identity, loading the sealed secret
// from persistence and unsealing it into the vault if it is not already
// hot. After a successful Resolve the identity's secret is available
// through WithSecret.
func (r *Registry) Resolve(ctx context.Context, id interfaces.Identity) (interfaces.KeyInfo, error) {
	r.mu.RLock()
	info, cached := r.meta[id]
	r.mu.RUnlock()

	if cached && r.vault.Contains(id) {
		return info, nil
	}

	entry, err := r.store.Get(ctx, id)
	if err != nil {
		return interfaces.KeyInfo{}, err
	}

	secret, err := r.openSecret(entry.Identity, entry.EncryptedSecret)
	if err != nil {
		return interfaces.KeyInfo{}, err
	}

	if err := r.vault.Insert(id, secret); err != nil {
		return interfaces.KeyInfo{}, err
	}

	info = entry.Info()
	r.mu.Lock()
	r.meta[id] = info
	r.mu.Unlock()

	return info, nil
}

// WithSecret resolves id and runs op with exclusive access to its
// decrypted secret. The entry's metadata is passed alongside so callers
// can check the kind without a second lookup.
func (r *Registry) WithSecret(ctx context.Context, id interfaces.Identity, op func(info interfaces.KeyInfo, secret []byte) error) error {
	info, err := r.Resolve(ctx, id)
	if err != nil {
		return err
	}
	return r.vault.WithSecret(id, func(secret []byte) error {
		return op(info, secret)
	})
}

// Describe returns the metadata for an identity without touching secret
// material. Unlike Resolve it works while the keystore is locked.
func (r *Registry) Describe(ctx context.Context, id interfaces.Identity) (interfaces.KeyInfo, error) {
	r.mu.RLock()
	info, cached := r.meta[id]
	r.mu.RUnlock()

	if cached {
		return info, nil
	}

	entry, err := r.store.Get(ctx, id)
	if err != nil {
		return interfaces.KeyInfo{}, err
	}
	return entry.Info(), nil
}

// Delete scrubs any hot secret for id from the vault, then removes the
// persisted entry. Fails with ErrUnknownIdentity if no entry exists; no
// partial-delete state is observable to callers.
func (r *Registry) Delete(ctx context.Context, id interfaces.Identity) error {
	r.vault.Evict(id)

	r.mu.Lock()
	delete(r.meta, id)
	r.mu.Unlock()

	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}

	r.log.Debug("Key entry deleted", "identity", id.String())
	return nil
}

// List enumerates entry metadata, optionally filtered by kind. It never
// touches secret material and works while the keystore is locked.
func (r *Registry) List(ctx context.Context, kind *interfaces.KeyKind) ([]interfaces.KeyInfo, error) {
	return r.store.List(ctx, kind)
}

// generate produces a keypair for a kind. Derivation seeds have no
// inherent public half, so their identity is the Ed25519 public key
// expanded from the seed bytes; the seed itself remains the stored secret.
func generate(kind interfaces.KeyKind) (public, secret []byte, err error) {
	switch kind {
	case interfaces.SigningKey:
		return cryptoops.GenerateSigningKeypair()
	case interfaces.EncryptionKey:
		return cryptoops.GenerateEncryptionKeypair()
	case interfaces.DerivationSeed:
		seed, err := cryptoops.GenerateSeed()
		if err != nil {
			return nil, nil, err
		}
		public, _, err = cryptoops.SigningKeypairFromSeed(seed)
		if err != nil {
			memguard.WipeBytes(seed)
			return nil, nil, err
		}
		return public, seed, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown key kind %d", interfaces.ErrMalformedInput, kind)
	}
}

// sealSecret encrypts a secret under the master key with
// XChaCha20-Poly1305. Output is nonce || ciphertext, with the identity
// bound as additional data so a sealed blob cannot be replayed under a
// different entry.
func (r *Registry) sealSecret(id interfaces.Identity, secret []byte) ([]byte, error) {
	r.mu.RLock()
	master := r.master
	r.mu.RUnlock()

	var sealed []byte
	err := master.WithKey(func(key []byte) error {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrEncryptionFailure, err)
		}

		nonce := make([]byte, aead.NonceSize())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return fmt.Errorf("%w: nonce generation: %v", interfaces.ErrEncryptionFailure, err)
		}

		sealed = aead.Seal(nonce, nonce, secret, id[:])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sealed, nil
}

// openSecret decrypts a sealed blob produced by sealSecret.
func (r *Registry) openSecret(id interfaces.Identity, sealed []byte) ([]byte, error) {
	r.mu.RLock()
	master := r.master
	r.mu.RUnlock()

	var secret []byte
	err := master.WithKey(func(key []byte) error {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrEncryptionFailure, err)
		}

		if len(sealed) < aead.NonceSize()+aead.Overhead() {
			return fmt.Errorf("%w: sealed secret too short", interfaces.ErrAuthenticationFailed)
		}

		nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
		secret, err = aead.Open(nil, nonce, ciphertext, id[:])
		if err != nil {
			return fmt.Errorf("%w: sealed secret rejected", interfaces.ErrAuthenticationFailed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return secret, nil
}
