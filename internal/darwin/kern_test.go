package darwin

import (
	"errors"
	"fmt"
	"testing"
)

func TestKernError(t *testing.T) {
	tests := []struct {
		err  *KernError
		want string
	}{
		{&KernError{Op: "mach_vm_protect", Code: 2, Msg: "(os/kern) protection failure"}, "mach_vm_protect failed: (os/kern) protection failure"},
		{&KernError{Op: "thread_get_state(ARM_DEBUG_STATE64)", Code: 4}, "thread_get_state(ARM_DEBUG_STATE64) failed: kern_return_t 4"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestIsKern(t *testing.T) {
	err := fmt.Errorf("restore: %w", &KernError{Op: "mach_vm_protect", Code: KernProtectionFault})
	if !IsKern(err, KernProtectionFault) {
		t.Error("wrapped KernError not matched")
	}
	if IsKern(err, KernInvalidAddress) {
		t.Error("matched the wrong code")
	}
	if IsKern(errors.New("plain"), KernProtectionFault) {
		t.Error("matched a plain error")
	}
}
