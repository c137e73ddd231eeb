// Package actor serializes keystore operations per destination identity.
// Each identity gets a FIFO queue drained by a single worker goroutine,
// so same-identity operations never interleave while distinct identities
// progress concurrently.
package actor
