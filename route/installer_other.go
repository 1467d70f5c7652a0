//go:build !linux

package route

// NewInstaller returns an installer for routes via the named link.
//
// Route installation is only implemented on Linux. On other platforms routes
// must be configured out of band, and the returned installer does nothing.
func NewInstaller(linkName string) Installer {
	return NopInstaller{}
}
