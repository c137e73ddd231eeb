// Package cryptoops implements the keystore's stateless cryptographic
// primitives: Ed25519 keypair generation and signing, X25519 sealed boxes
// (NaCl crypto_box layout), deterministic subkey derivation via keyed
// BLAKE2b, secure random generation, and constant-time comparison.
//
// Functions here operate on plain byte buffers that callers have already
// resolved to the correct kind; they hold no state and keep no copies.
// Every buffer length is validated against the primitive's fixed layout
// before use, failing with interfaces.ErrMalformedInput on mismatch.
package cryptoops
