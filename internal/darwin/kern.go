// Package darwin is the native platform: it patches, inspects and traps code
// in the current macOS process through libSystem, dyld and Mach.
//
// Exported Go callbacks run on threads created by C (the traced caller or
// the exception server). They never panic back into C.
package darwin

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned by New when the package was built without
// cgo or for another operating system.
var ErrUnsupported = errors.New("darwin platform unavailable in this build")

// KernError is a failed Mach call.
type KernError struct {
	Op   string
	Code int32
	Msg  string
}

func (e *KernError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s failed: kern_return_t %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Msg)
}

// Kern codes the platform inspects.
const (
	KernSuccess         = 0
	KernInvalidAddress  = 1
	KernProtectionFault = 2
	KernNotSupported    = 46
)

// IsKern reports whether err is a KernError with the given code.
func IsKern(err error, code int32) bool {
	var ke *KernError
	return errors.As(err, &ke) && ke.Code == code
}
