// Package masterkey manages the keystore-wide master secret used to seal
// every persisted key entry.
//
// Three unlock paths are supported: raw key material (development),
// Argon2id passphrase derivation, and Shamir secret sharing where the key
// is split into shares at setup time and reconstructed from a threshold
// set at unlock. In all cases the reconstructed key lives only in a
// memguard enclave; it is never written to durable storage.
package masterkey
