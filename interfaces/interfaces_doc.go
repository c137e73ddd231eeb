// Package interfaces defines the shared types, errors, and component
// boundaries of the keyhold keystore.
//
// The central type is Identity, a 32-byte public key that doubles as the
// lookup key for a durable KeyEntry. Entries carry a KeyKind fixed at
// creation which determines the cryptographic operations legal on them.
// Secret key bytes appear here only in sealed form (KeyEntry.EncryptedSecret);
// decrypted secrets live exclusively inside the vault package.
//
// PersistenceAdapter is the boundary to durable storage. Implementations
// live in the persist package and are selected by location URI.
package interfaces
