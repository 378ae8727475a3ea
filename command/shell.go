package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const ShellExecKind = "shell_exec"

func init() {
	Register(ShellExecKind, func() Command { return &ShellExec{} })
}

// ShellExec runs a command line. Lines starting with "!" or "shell" are run directly as a process,
// anything else is handed to the host environment.
type ShellExec struct {
	Base

	Line    string `cbor:"line"`
	Process bool   `cbor:"process,omitempty"`
}

func NewShellExec(line string) *ShellExec {
	line = strings.TrimSpace(line)
	s := &ShellExec{Base: NewBase()}
	switch {
	case strings.HasPrefix(line, "!"):
		s.Process = true
		line = strings.TrimSpace(line[1:])
	case strings.HasPrefix(line, "shell"):
		s.Process = true
		line = strings.TrimSpace(line[len("shell"):])
	}
	s.Line = line
	return s
}

func (s *ShellExec) Kind() string { return ShellExecKind }

func (s *ShellExec) Execute(ctx context.Context, env Env) Outcome {
	if !s.Process {
		out, err := env.Exec(ctx, s.Line)
		if err != nil {
			return Err(err)
		}
		return Ok(out)
	}
	out, err := RunProcess(ctx, strings.Fields(s.Line))
	if err != nil {
		return Err(err)
	}
	return Ok(out)
}

func (s *ShellExec) String() string {
	if s.Process {
		return fmt.Sprintf("ShellExec(!%s)", s.Line)
	}
	return fmt.Sprintf("ShellExec(%s)", s.Line)
}

// RunProcess runs argv and returns its combined stdout and stderr.
// A non-zero exit status is not an error, the output is returned as-is.
func RunProcess(ctx context.Context, argv []string) (string, error) {
	return RunProcessIn(ctx, "", nil, argv)
}

// RunProcessIn is RunProcess with a working directory and extra environment variables.
func RunProcessIn(ctx context.Context, dir string, env []string, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return "", fmt.Errorf("executing command %q: %w", strings.Join(argv, " "), err)
		}
	}
	return out.String(), nil
}
