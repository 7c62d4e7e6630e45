//go:build !windows

package sysproxy

// Set is a no-op outside Windows; this module's other platforms leave
// system proxy configuration to the user (browser/OS proxy settings or
// SOCKS5-aware client config), matching spec.md's CLI-only scope.
func Set(addr string) error { return nil }

// Clear is a no-op outside Windows.
func Clear() error { return nil }
