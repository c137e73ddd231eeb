package mem

// ProtectionLevel indicates how well process memory is protected against
// being swapped to disk.
type ProtectionLevel int

const (
	ProtectionNone    ProtectionLevel = iota // no memory protection available
	ProtectionPartial                        // some protection measures applied
	ProtectionFull                           // all current and future pages locked
)

// String returns the protection level name.
func (p ProtectionLevel) String() string {
	switch p {
	case ProtectionFull:
		return "full"
	case ProtectionPartial:
		return "partial"
	default:
		return "none"
	}
}

// LockAll attempts to prevent the process's memory from being swapped to
// disk. Returns the protection level achieved. Failure is not fatal: the
// vault still wipes secrets on release, it just cannot rule out swap.
func LockAll() (ProtectionLevel, error) {
	return lockAllPlatform()
}

// UnlockAll releases memory locks if they were applied.
func UnlockAll() error {
	return unlockAllPlatform()
}
