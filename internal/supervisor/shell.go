package supervisor

import (
	"os"
	"runtime"
)

// shellCommand resolves the platform shell and the argument vector that
// runs command through it, mirroring conventional shell-invocation
// semantics per platform: POSIX "$SHELL -c <command>" (falling back to
// bash then sh), and "cmd /C <command>" on Windows.
func shellCommand(command string) (string, []string) {
	if runtime.GOOS == "windows" {
		return "cmd", []string{"/C", command}
	}

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
		if _, err := os.Stat(shell); err != nil {
			shell = "/bin/sh"
		}
	}
	return shell, []string{"-c", command}
}
