package executor

import (
	"context"
	"strings"

	"github.com/guseggert/rpcbridge/command"
)

// ShellEnv is a host environment that runs host-native command lines with a shell.
type ShellEnv struct {
	// Shell is the interpreter invoked as `Shell -c line`. Defaults to "sh".
	Shell string
	// Dir is the working directory for commands. Empty means the current directory.
	Dir string
	// Env is appended to the process environment of every command.
	Env []string
}

var _ command.Env = (*ShellEnv)(nil)

func (e *ShellEnv) Exec(ctx context.Context, line string) (string, error) {
	line = strings.TrimSpace(line)
	// Commands are run to completion one at a time, so there is never a running target to interrupt.
	if line == "interrupt" {
		return "", nil
	}
	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}
	return command.RunProcessIn(ctx, e.Dir, e.Env, []string{shell, "-c", line})
}
