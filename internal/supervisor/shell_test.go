package supervisor

import (
	"runtime"
	"testing"
)

func TestShellCommandWindows(t *testing.T) {
	if runtime.GOOS != "windows" {
		t.Skip("windows-only shell dispatch")
	}
	name, args := shellCommand("echo hi")
	if name != "cmd" || len(args) != 2 || args[0] != "/C" || args[1] != "echo hi" {
		t.Fatalf("shellCommand() = %q, %v", name, args)
	}
}

func TestShellCommandPOSIX(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX-only shell dispatch")
	}
	name, args := shellCommand("echo hi")
	if name == "" {
		t.Fatalf("expected a non-empty shell path")
	}
	if len(args) != 2 || args[0] != "-c" || args[1] != "echo hi" {
		t.Fatalf("shellCommand() args = %v, want [-c, echo hi]", args)
	}
}
