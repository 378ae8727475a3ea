package executor

import (
	"context"
	"testing"

	"github.com/guseggert/rpcbridge/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellExec(t *testing.T) {
	dir := t.TempDir()
	s := NewSerial(&ShellEnv{Dir: dir, Env: []string{"RPCBRIDGE_TEST=bar"}})
	s.Start()
	t.Cleanup(s.Stop)

	cases := []struct {
		name     string
		line     string
		expValue string
		expErr   bool
	}{
		{name: "host command", line: "echo hi", expValue: "hi\n"},
		{name: "host command with pipes", line: "printf 'a\\nb\\n' | wc -l | tr -d ' '", expValue: "2\n"},
		{name: "host command stderr", line: "printf foo 1>&2", expValue: "foo"},
		{name: "host command env", line: "echo $RPCBRIDGE_TEST", expValue: "bar\n"},
		{name: "host command dir", line: "pwd", expValue: dir + "\n"},
		{name: "host command non-zero exit", line: "echo oops; exit 3", expValue: "oops\n"},
		{name: "interrupt", line: "interrupt", expValue: ""},
		{name: "process with bang", line: "!echo hi there", expValue: "hi there\n"},
		{name: "process with shell prefix", line: "shell echo hi", expValue: "hi\n"},
		{name: "process not found", line: "!definitely-not-a-real-binary-xyz", expErr: true},
		{name: "empty process", line: "!", expErr: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ch, err := s.Submit(context.Background(), command.NewShellExec(c.line))
			require.NoError(t, err)
			out := wait(t, ch)
			if c.expErr {
				require.Error(t, out.Err)
				assert.Contains(t, out.Payload(), "Error: ")
				return
			}
			require.NoError(t, out.Err)
			assert.Equal(t, c.expValue, out.Value)
		})
	}
}
