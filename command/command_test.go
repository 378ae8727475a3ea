package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagsAreUnique(t *testing.T) {
	seen := map[Tag]bool{}
	for i := 0; i < 10000; i++ {
		tag := NewShellExec("echo").Tag()
		require.NotEqual(t, ZeroTag, tag)
		require.False(t, seen[tag], "duplicate tag %s", tag)
		seen[tag] = true
	}
}

func TestNewShellExec(t *testing.T) {
	cases := []struct {
		line       string
		expLine    string
		expProcess bool
	}{
		{line: "info registers", expLine: "info registers"},
		{line: "  bt  ", expLine: "bt"},
		{line: "!ls -l", expLine: "ls -l", expProcess: true},
		{line: "! ls", expLine: "ls", expProcess: true},
		{line: "shell uname -a", expLine: "uname -a", expProcess: true},
	}
	for _, c := range cases {
		t.Run(c.line, func(t *testing.T) {
			s := NewShellExec(c.line)
			assert.Equal(t, c.expLine, s.Line)
			assert.Equal(t, c.expProcess, s.Process)
			assert.Equal(t, ShellExecKind, s.Kind())
		})
	}
}

func TestRegistry(t *testing.T) {
	assert.Contains(t, Kinds(), ShellExecKind)

	tag := NewTag()
	cmd, err := New(ShellExecKind, tag)
	require.NoError(t, err)
	assert.Equal(t, tag, cmd.Tag())
	assert.IsType(t, &ShellExec{}, cmd)

	_, err = New("nope", tag)
	assert.ErrorContains(t, err, `unknown command kind "nope"`)

	assert.Panics(t, func() {
		Register(ShellExecKind, func() Command { return &ShellExec{} })
	})
}

type recordingEnv struct{ lines []string }

func (e *recordingEnv) Exec(ctx context.Context, line string) (string, error) {
	e.lines = append(e.lines, line)
	if line == "fail" {
		return "", errors.New("no such command")
	}
	return "ran " + line, nil
}

func TestShellExecUsesEnvForHostCommands(t *testing.T) {
	env := &recordingEnv{}

	out := NewShellExec("bt").Execute(context.Background(), env)
	require.NoError(t, out.Err)
	assert.Equal(t, "ran bt", out.Value)

	out = NewShellExec("fail").Execute(context.Background(), env)
	assert.Equal(t, "Error: no such command", out.Payload())

	assert.Equal(t, []string{"bt", "fail"}, env.lines)
}

func TestOutcomePayload(t *testing.T) {
	assert.Equal(t, "x", Ok("x").Payload())
	assert.Nil(t, Ok(nil).Payload())
	assert.Equal(t, "Error: bad", Err(errors.New("bad")).Payload())
}

func TestDeliveryModeWireValues(t *testing.T) {
	assert.Equal(t, DeliveryMode(0), HasCallback)
	assert.Equal(t, DeliveryMode(1), NoCallback)
	assert.Equal(t, DeliveryMode(2), VersionMismatch)
	assert.False(t, DeliveryMode(3).Valid())
	assert.Equal(t, "NO_CALLBACK", NoCallback.String())
}

func TestCallback(t *testing.T) {
	t.Run("handler runs and finish is single-shot", func(t *testing.T) {
		var got []any
		cb := NewCallback(func(payload any) error {
			got = append(got, payload)
			return nil
		})
		assert.False(t, cb.Invoked())
		require.NoError(t, cb.Invoke("result"))
		cb.Finish(nil)
		cb.Finish(errors.New("ignored"))

		require.NoError(t, cb.Wait(context.Background()))
		assert.True(t, cb.Invoked())
		assert.Equal(t, []any{"result"}, got)
	})

	t.Run("handler error", func(t *testing.T) {
		cb := NewCallback(func(any) error { return errors.New("handler failed") })
		err := cb.Invoke(nil)
		require.Error(t, err)
		cb.Finish(err)
		assert.EqualError(t, cb.Wait(context.Background()), "handler failed")
	})

	t.Run("handler panic", func(t *testing.T) {
		cb := NewCallback(func(any) error { panic("oh no") })
		err := cb.Invoke(nil)
		assert.EqualError(t, err, "callback panicked: oh no")
	})

	t.Run("wait honors context", func(t *testing.T) {
		cb := NewCallback(nil)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, cb.Wait(ctx), context.DeadlineExceeded)
		assert.NoError(t, cb.Err())
	})
}
