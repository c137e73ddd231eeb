package interfaces

import "context"

// PersistenceAdapter is durable storage for key entries, keyed by identity.
// Secret material crosses this boundary only in sealed form.
//
// Put and Delete must be atomic: a reader never observes a partial write.
// Implementations translate their backend's unreachable/timeout conditions
// into ErrStorageUnavailable and missing records into ErrUnknownIdentity.
type PersistenceAdapter interface {
	// Put stores an entry, overwriting any previous record for the same
	// identity.
	Put(ctx context.Context, entry KeyEntry) error

	// Get retrieves the entry for an identity.
	Get(ctx context.Context, id Identity) (KeyEntry, error)

	// Delete removes the entry for an identity. Deleting an absent
	// identity returns ErrUnknownIdentity.
	Delete(ctx context.Context, id Identity) error

	// List enumerates entry metadata, optionally filtered by kind.
	// It never returns secret material.
	List(ctx context.Context, kind *KeyKind) ([]KeyInfo, error)

	// Available checks if the backend is accessible.
	Available(ctx context.Context) bool

	// Name returns an identifier for logging.
	Name() string

	// LocationURI returns the URI identifying this backend.
	LocationURI() string
}
