package shell

import (
	"context"
	"io"
	"os/exec"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("Skipping test: requires sh")
	}
}

func TestExec_Run(t *testing.T) {
	requireSh(t)

	out, err := Exec{Logger: zerolog.New(io.Discard)}.Run(context.Background(), "sh", "-c", "echo out; echo err >&2")
	require.NoError(t, err)
	assert.Contains(t, string(out), "out")
	assert.Contains(t, string(out), "err")
}

func TestExec_Env(t *testing.T) {
	requireSh(t)

	out, err := Exec{Env: map[string]string{"DLINJECT_TEST_VALUE": "42"}}.
		Run(context.Background(), "sh", "-c", "printf %s \"$DLINJECT_TEST_VALUE\"")
	require.NoError(t, err)
	assert.Equal(t, "42", string(out))
}

func TestExec_ExitCode(t *testing.T) {
	requireSh(t)

	_, err := Exec{}.Run(context.Background(), "sh", "-c", "echo boom; exit 3")
	require.Error(t, err)

	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 3, cerr.ExitCode)
	assert.Equal(t, "boom", cerr.Output)
	assert.Contains(t, err.Error(), "sh -c")
}

func TestExec_NotFound(t *testing.T) {
	_, err := Exec{}.Run(context.Background(), "dlinject-no-such-command")
	require.Error(t, err)

	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, -1, cerr.ExitCode)
	assert.ErrorIs(t, err, exec.ErrNotFound)
}
