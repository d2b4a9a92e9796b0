package colorize

import (
	"strings"
	"testing"
)

func TestDisabled(t *testing.T) {
	t.Setenv("SBTRACE_NO_COLOR", "1")
	if got := Address(0x1000); got != "0x1000" {
		t.Errorf("Address = %q", got)
	}
	if got := Instruction("arm64", "ldr x17, #8"); got != "ldr x17, #8" {
		t.Errorf("Instruction = %q", got)
	}
	if got := Status("skipped_immutable"); got != "skipped_immutable" {
		t.Errorf("Status = %q", got)
	}
}

func TestEnabled(t *testing.T) {
	t.Setenv("SBTRACE_NO_COLOR", "")
	t.Setenv("NO_COLOR", "")
	got := Status("ok")
	if !strings.HasPrefix(got, "\033[") || !strings.Contains(got, "ok") {
		t.Errorf("Status = %q", got)
	}
	if got := Instruction("x86_64", "jmp rax"); !strings.Contains(got, "jmp") {
		t.Errorf("Instruction lost text: %q", got)
	}
}
