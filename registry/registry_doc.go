// Package registry maps public-key identities to durable key entries and
// mediates between hot and cold secret storage.
//
// On the hot side sits the vault package, holding decrypted secrets in
// protected memory. On the cold side sits a persistence adapter, holding
// entries whose secrets are sealed under the keystore master key with
// XChaCha20-Poly1305, the entry identity bound as additional data.
//
// The registry performs the five entry-lifecycle operations: Create,
// Derive, Resolve, Delete, and List. Mutating operations are expected to
// arrive through the actor package, which serializes them per identity;
// the registry itself only guards its own metadata cache.
package registry
