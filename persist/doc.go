// Package persist implements durable storage for sealed key entries.
//
// Adapters are selected by location URI:
//
//   - memory:// - in-process map, for tests and development
//   - file:///path - one JSON record per identity with atomic writes
//   - s3://bucket/prefix?region=... - Amazon S3 or compatible object storage
//   - vault://host:port/mount/path?token=... - HashiCorp Vault KV v2
//
// Every adapter observes the same contract: records are keyed by identity,
// Put and Delete are atomic, missing records surface as
// interfaces.ErrUnknownIdentity, and unreachable backends surface as
// interfaces.ErrStorageUnavailable. Secret material crosses this package
// only sealed under the keystore master key.
package persist
