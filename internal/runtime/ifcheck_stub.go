//go:build !linux

package runtime

// CheckExternalInterfaces is a no-op on non-Linux platforms, which exist
// only for development builds.
func CheckExternalInterfaces(names []string) []string {
	return nil
}
