//go:build !linux

package backend

// VerifyManagedTable is a no-op on non-Linux platforms, which exist only
// for development builds.
func VerifyManagedTable() error {
	return nil
}
