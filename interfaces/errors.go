package interfaces

import "errors"

var (
	// ErrUnknownIdentity is returned when no key entry exists for the
	// requested identity.
	ErrUnknownIdentity = errors.New("unknown identity")

	// ErrWrongKind is returned when an operation is not legal for the
	// entry's kind, e.g. signing with an encryption key.
	ErrWrongKind = errors.New("operation not permitted for key kind")

	// ErrMalformedInput is returned when a byte length or encoding does not
	// match the primitive's fixed layout. Inputs are never silently
	// truncated or padded.
	ErrMalformedInput = errors.New("malformed input")

	// ErrAuthenticationFailed is returned when a ciphertext fails tag
	// verification or is truncated. This is an expected, recoverable
	// condition, never fatal to the service.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrInvalidDerivationPath is returned when a derivation index is
	// outside the defined domain.
	ErrInvalidDerivationPath = errors.New("invalid derivation path")

	// ErrEntropyUnavailable is returned when the system random source
	// cannot be read. Fatal to the triggering operation only.
	ErrEntropyUnavailable = errors.New("entropy source unavailable")

	// ErrKeystoreLocked is returned for every operation requiring secret
	// access before a master secret has been installed. Metadata-only
	// operations still succeed.
	ErrKeystoreLocked = errors.New("keystore locked")

	// ErrStorageUnavailable is returned when the persistence layer is not
	// accessible. It fails the current request and everything queued on the
	// affected identity at that moment.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrEncryptionFailure is returned on a catastrophic sealing failure,
	// e.g. the RNG failing mid-operation.
	ErrEncryptionFailure = errors.New("encryption failure")
)
