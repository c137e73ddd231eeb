// Package vault holds decrypted secret key material in protection-aware
// memory for the lifetime of the operations using it.
//
// The vault is the exclusive owner of hot secret bytes. Callers never
// receive a secret by value: WithSecret lends the bytes to a closure and
// guarantees the working copy is zeroed when the closure returns, whether
// it returns normally, fails, or panics. Insert invalidates the caller's
// copy on entry, and Evict removes a hot secret idempotently.
//
// Secrets are stored in memguard enclaves, which keep them encrypted in
// memory between accesses and mlock the pages holding them. On top of
// that the vault attempts a process-wide mlockall at startup so transient
// copies made by the runtime are also kept off swap where the platform
// allows it.
package vault
