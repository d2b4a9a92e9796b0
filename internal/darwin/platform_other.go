//go:build !darwin || !cgo

package darwin

// Platform is unavailable in this build.
type Platform struct{}

// New always fails with ErrUnsupported.
func New() (*Platform, error) {
	return nil, ErrUnsupported
}
