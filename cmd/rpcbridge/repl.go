package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/guseggert/rpcbridge/command"
	"github.com/guseggert/rpcbridge/session"
	"go.uber.org/zap"
)

const replHelp = `Lines are run in the host environment and their output printed.
  !<cmd>, shell <cmd>   run <cmd> as a process instead
  help                  show this message
  exit, quit            disconnect and exit
`

type caller interface {
	Call(ctx context.Context, cmd command.Command, cb *command.Callback) (any, error)
	Disconnect()
}

// repl sends each input line to the server as a ShellExec and prints the result.
type repl struct {
	log    *zap.SugaredLogger
	in     io.Reader
	out    io.Writer
	client caller
	prompt string
}

func (r *repl) run(ctx context.Context) error {
	defer r.client.Disconnect()

	scanner := bufio.NewScanner(r.in)
	for {
		fmt.Fprint(r.out, r.prompt)
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "help":
			fmt.Fprint(r.out, replHelp)
			continue
		}

		res, err := r.client.Call(ctx, command.NewShellExec(line), nil)
		if err != nil {
			if errors.Is(err, session.ErrNotConnected) || errors.Is(err, session.ErrConnectionBroken) {
				return err
			}
			r.log.Debugf("call failed: %s", err)
			fmt.Fprintf(r.out, "error: %s\n", err)
			continue
		}

		if res == nil {
			continue
		}
		out := fmt.Sprint(res)
		fmt.Fprint(r.out, out)
		if out != "" && !strings.HasSuffix(out, "\n") {
			fmt.Fprintln(r.out)
		}
	}
}
