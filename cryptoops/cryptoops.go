package cryptoops

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"

	"github.com/keyhold/keyhold/interfaces"
)

// Fixed byte lengths of every primitive. These are compatibility contracts:
// signatures and sealed boxes produced here are verified and decrypted by
// independent systems, so the layouts must match the reference encodings
// (RFC 8032 Ed25519, NaCl crypto_box) bit for bit.
const (
	// PublicKeySize is the length of Ed25519 and X25519 public keys.
	PublicKeySize = 32

	// SigningSecretSize is the length of an Ed25519 private key
	// (seed || public key).
	SigningSecretSize = ed25519.PrivateKeySize

	// EncryptionSecretSize is the length of an X25519 private key.
	EncryptionSecretSize = 32

	// SeedSize is the length of a derivation seed.
	SeedSize = 32

	// SignatureSize is the length of an Ed25519 signature.
	SignatureSize = ed25519.SignatureSize

	// NonceSize is the length of the random nonce prepended to every
	// sealed box.
	NonceSize = 24

	// SealOverhead is the total ciphertext expansion of Seal:
	// the prepended nonce plus the Poly1305 authenticator.
	SealOverhead = NonceSize + box.Overhead

	// MaxDerivationIndex bounds the subkey index domain.
	MaxDerivationIndex = 1<<63 - 1
)

// subkeyContext domain-separates keystore subkey derivation from any other
// use of the seed.
var subkeyContext = []byte("keyhold/subkey/v1")

// GenerateSigningKeypair produces a fresh Ed25519 keypair.
func GenerateSigningKeypair() (public, secret []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", interfaces.ErrEntropyUnavailable, err)
	}
	return pub, priv, nil
}

// GenerateEncryptionKeypair produces a fresh X25519 keypair for sealed
// boxes.
func GenerateEncryptionKeypair() (public, secret []byte, err error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", interfaces.ErrEntropyUnavailable, err)
	}
	return pub[:], priv[:], nil
}

// GenerateSeed produces a fresh 32-byte derivation seed.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrEntropyUnavailable, err)
	}
	return seed, nil
}

// Sign produces a deterministic RFC 8032 Ed25519 signature over message.
func Sign(secret, message []byte) ([]byte, error) {
	if len(secret) != SigningSecretSize {
		return nil, fmt.Errorf("%w: signing secret must be %d bytes, got %d", interfaces.ErrMalformedInput, SigningSecretSize, len(secret))
	}
	return ed25519.Sign(ed25519.PrivateKey(secret), message), nil
}

// Verify reports whether signature is a valid Ed25519 signature of message
// under public. It never errors: malformed lengths simply verify false.
func Verify(public, message, signature []byte) bool {
	if len(public) != PublicKeySize || len(signature) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(public), message, signature)
}

// Seal encrypts plaintext from the sender to the recipient as an NaCl box.
// Output layout is a 24-byte random nonce followed by the
// XSalsa20-Poly1305 ciphertext, matching libsodium's crypto_box_easy
// framing.
func Seal(recipientPublic, senderSecret, plaintext []byte) ([]byte, error) {
	pub, err := toKey32(recipientPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: recipient public key must be %d bytes, got %d", interfaces.ErrMalformedInput, PublicKeySize, len(recipientPublic))
	}
	sec, err := toKey32(senderSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: sender secret must be %d bytes, got %d", interfaces.ErrMalformedInput, EncryptionSecretSize, len(senderSecret))
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: nonce generation: %v", interfaces.ErrEncryptionFailure, err)
	}

	return box.Seal(nonce[:], plaintext, &nonce, pub, sec), nil
}

// Unseal authenticates and decrypts a box produced by Seal. Truncated or
// tampered ciphertexts fail with ErrAuthenticationFailed; this is an
// expected condition, not a fault.
func Unseal(recipientSecret, senderPublic, ciphertext []byte) ([]byte, error) {
	sec, err := toKey32(recipientSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: recipient secret must be %d bytes, got %d", interfaces.ErrMalformedInput, EncryptionSecretSize, len(recipientSecret))
	}
	pub, err := toKey32(senderPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: sender public key must be %d bytes, got %d", interfaces.ErrMalformedInput, PublicKeySize, len(senderPublic))
	}

	if len(ciphertext) < SealOverhead {
		return nil, fmt.Errorf("%w: ciphertext too short", interfaces.ErrAuthenticationFailed)
	}

	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])

	plaintext, ok := box.Open(nil, ciphertext[NonceSize:], &nonce, pub, sec)
	if !ok {
		return nil, interfaces.ErrAuthenticationFailed
	}
	return plaintext, nil
}

// DeriveSubkey deterministically derives a 32-byte subkey from a seed and
// an index. Identical inputs always yield identical output; distinct
// indices yield computationally unrelated keys (keyed BLAKE2b-256, the
// construction behind libsodium's crypto_kdf).
func DeriveSubkey(seed []byte, index uint64) ([]byte, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", interfaces.ErrMalformedInput, SeedSize, len(seed))
	}
	if index > MaxDerivationIndex {
		return nil, fmt.Errorf("%w: index %d exceeds maximum %d", interfaces.ErrInvalidDerivationPath, index, uint64(MaxDerivationIndex))
	}

	h, err := blake2b.New256(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrMalformedInput, err)
	}
	h.Write(subkeyContext)

	var idx [8]byte
	binary.LittleEndian.PutUint64(idx[:], index)
	h.Write(idx[:])

	return h.Sum(nil), nil
}

// SigningKeypairFromSeed expands a 32-byte seed into a deterministic
// Ed25519 keypair. Used to turn derived subkeys into signing identities.
func SigningKeypairFromSeed(seed []byte) (public, secret []byte, err error) {
	if len(seed) != SeedSize {
		return nil, nil, fmt.Errorf("%w: seed must be %d bytes, got %d", interfaces.ErrMalformedInput, SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return pub, priv, nil
}

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrEntropyUnavailable, err)
	}
	return buf, nil
}

// ConstantTimeEqual compares two byte slices without leaking the position
// of the first difference. Slices of different length compare unequal.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// SecretSizeFor returns the fixed secret length for a key kind.
func SecretSizeFor(kind interfaces.KeyKind) (int, error) {
	switch kind {
	case interfaces.SigningKey:
		return SigningSecretSize, nil
	case interfaces.EncryptionKey:
		return EncryptionSecretSize, nil
	case interfaces.DerivationSeed:
		return SeedSize, nil
	default:
		return 0, fmt.Errorf("%w: unknown key kind %d", interfaces.ErrMalformedInput, kind)
	}
}

func toKey32(b []byte) (*[32]byte, error) {
	if len(b) != 32 {
		return nil, interfaces.ErrMalformedInput
	}
	var key [32]byte
	copy(key[:], b)
	return &key, nil
}
