package masterkey

import (
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/hashicorp/vault/shamir"
	"golang.org/x/crypto/argon2"

	"github.com/keyhold/keyhold/interfaces"
)

// KeySize is the length of the keystore master key.
const KeySize = 32

// Argon2id parameters for passphrase-derived master keys.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// MasterKey is the keystore-wide key under which every persisted secret is
// sealed. It is held in a memguard enclave and never stored durably: the
// key exists only in memory between unlock and teardown.
type MasterKey struct {
	enclave *memguard.Enclave
}

// FromBytes installs a master key from raw key material. The key must be
// exactly 32 bytes. Ownership transfers: the caller's slice is wiped
// before FromBytes returns.
func FromBytes(key []byte) (*MasterKey, error) {
	if len(key) != KeySize {
		memguard.WipeBytes(key)
		return nil, fmt.Errorf("%w: master key must be %d bytes, got %d", interfaces.ErrMalformedInput, KeySize, len(key))
	}

	buf := memguard.NewBufferFromBytes(key)
	return &MasterKey{enclave: buf.Seal()}, nil
}

// FromPassphrase derives a master key from a passphrase and salt using
// Argon2id. The same passphrase and salt always yield the same key, so the
// salt must be kept stable across restarts of a given keystore.
func FromPassphrase(passphrase, salt []byte) (*MasterKey, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: empty passphrase", interfaces.ErrMalformedInput)
	}
	if len(salt) < 16 {
		return nil, fmt.Errorf("%w: salt must be at least 16 bytes, got %d", interfaces.ErrMalformedInput, len(salt))
	}

	key := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KeySize)
	return FromBytes(key)
}

// Combine reconstructs a master key from a threshold set of Shamir
// shares, as produced by Split. Each share is wiped after use.
func Combine(shares [][]byte) (*MasterKey, error) {
	if len(shares) < 2 {
		return nil, errors.New("at least two shares are required")
	}

	key, err := shamir.Combine(shares)
	for _, share := range shares {
		memguard.WipeBytes(share)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", err)
	}
	if len(key) != KeySize {
		memguard.WipeBytes(key)
		return nil, fmt.Errorf("%w: combined key has wrong length %d", interfaces.ErrMalformedInput, len(key))
	}

	return FromBytes(key)
}

// Split divides the master key into parts shares of which threshold are
// required to reconstruct it. Shares must be distributed out of band and
// the caller is responsible for wiping them after distribution.
func (m *MasterKey) Split(parts, threshold int) ([][]byte, error) {
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if parts < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	var shares [][]byte
	err := m.WithKey(func(key []byte) error {
		var splitErr error
		shares, splitErr = shamir.Split(key, parts, threshold)
		return splitErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to split master key: %w", err)
	}
	return shares, nil
}

// WithKey runs op with the decrypted master key. The working copy is
// destroyed on every exit path; op must not retain the slice.
func (m *MasterKey) WithKey(op func(key []byte) error) error {
	if m == nil || m.enclave == nil {
		return interfaces.ErrKeystoreLocked
	}

	buf, err := m.enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open master key enclave: %w", err)
	}
	defer buf.Destroy()

	return op(buf.Bytes())
}

// Destroy drops the master key, returning the keystore to the locked
// state. Idempotent.
func (m *MasterKey) Destroy() {
	if m == nil {
		return
	}
	m.enclave = nil
}
