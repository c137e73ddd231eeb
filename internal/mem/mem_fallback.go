//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly

package mem

func lockAllPlatform() (ProtectionLevel, error) {
	return ProtectionNone, nil
}

func unlockAllPlatform() error {
	return nil
}
