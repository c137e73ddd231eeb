package interfaces

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Identity is the 32-byte public key of a key entry. It doubles as the
// external lookup key: a given identity maps to exactly one KeyEntry for
// its lifetime.
type Identity [32]byte

// NewIdentityFromBytes creates an identity from raw public key bytes.
func NewIdentityFromBytes(source []byte) (Identity, error) {
	if len(source) != 32 {
		return Identity{}, fmt.Errorf("%w: identity must be 32 bytes, got %d", ErrMalformedInput, len(source))
	}

	var id Identity
	copy(id[:], source)
	return id, nil
}

// NewIdentityFromHex creates an identity from a 64-character hex string.
func NewIdentityFromHex(source string) (Identity, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return Identity{}, fmt.Errorf("%w: identity hex string must be 64 characters", ErrMalformedInput)
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: invalid hex: %v", ErrMalformedInput, err)
	}

	var id Identity
	copy(id[:], raw)
	return id, nil
}

// String returns hex representation.
func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 32-byte public key.
func (id Identity) Bytes() []byte {
	return id[:]
}

// Equal compares two identities.
func (id Identity) Equal(other Identity) bool {
	return bytes.Equal(id[:], other[:])
}

// KeyKind tags a key entry with the operations that are legal on it.
// It is fixed at creation time.
type KeyKind int

const (
	// SigningKey holds an Ed25519 keypair used for Sign/Verify.
	SigningKey KeyKind = iota
	// EncryptionKey holds an X25519 keypair used for Seal/Unseal.
	EncryptionKey
	// DerivationSeed holds a 32-byte seed used only to derive subkeys.
	DerivationSeed
)

// String returns the kind name.
func (k KeyKind) String() string {
	switch k {
	case SigningKey:
		return "signing"
	case EncryptionKey:
		return "encryption"
	case DerivationSeed:
		return "derivation-seed"
	default:
		return "unknown"
	}
}

// ParseKeyKind parses a kind name as produced by String.
func ParseKeyKind(s string) (KeyKind, error) {
	switch s {
	case "signing":
		return SigningKey, nil
	case "encryption":
		return EncryptionKey, nil
	case "derivation-seed":
		return DerivationSeed, nil
	default:
		return 0, fmt.Errorf("%w: unknown key kind %q", ErrMalformedInput, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k KeyKind) MarshalText() ([]byte, error) {
	s := k.String()
	if s == "unknown" {
		return nil, errors.New("cannot marshal unknown key kind")
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *KeyKind) UnmarshalText(text []byte) error {
	kind, err := ParseKeyKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// DerivationPath records where a derived entry came from: the seed identity
// and the subkey index. Present only on entries produced by DeriveKey.
type DerivationPath struct {
	Seed  Identity `json:"seed"`
	Index uint64   `json:"index"`
}

// String formats the path as seed/index.
func (p DerivationPath) String() string {
	return fmt.Sprintf("%s/%d", p.Seed, p.Index)
}

// KeyEntry is the durable unit of the keystore. The secret key is always
// sealed under the keystore master secret; it is never persisted in clear.
// All fields except Tags are immutable once the entry is created.
type KeyEntry struct {
	Identity        Identity        `json:"identity"`
	Kind            KeyKind         `json:"kind"`
	EncryptedSecret []byte          `json:"encrypted_secret"`
	DerivationPath  *DerivationPath `json:"derivation_path,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Info returns the metadata-only view of the entry, with no secret material.
func (e KeyEntry) Info() KeyInfo {
	info := KeyInfo{
		Identity:  e.Identity,
		Kind:      e.Kind,
		Tags:      append([]string(nil), e.Tags...),
		CreatedAt: e.CreatedAt,
	}
	if e.DerivationPath != nil {
		path := *e.DerivationPath
		info.DerivationPath = &path
	}
	return info
}

// KeyInfo is the public metadata of a key entry, safe to enumerate and
// return to clients.
type KeyInfo struct {
	Identity       Identity        `json:"identity"`
	Kind           KeyKind         `json:"kind"`
	DerivationPath *DerivationPath `json:"derivation_path,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
