// Package shell runs short-lived helper commands on the device (am, monkey,
// chcon) and captures their combined output.
package shell

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Runner executes a command to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CommandError describes a command that could not be started or exited
// with a non-zero status.
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Command, e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Exec runs commands as child processes.
type Exec struct {
	Logger zerolog.Logger
	// Env is appended to the caller's environment.
	Env map[string]string
}

// Run implements Runner.
func (e Exec) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	command := strings.Join(append([]string{name}, args...), " ")
	e.Logger.Debug().Str("command", command).Msg("Running command")

	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204
	if len(e.Env) > 0 {
		cmd.Env = os.Environ()
		for key, value := range e.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		cerr := &CommandError{
			Command:  command,
			ExitCode: -1,
			Output:   strings.TrimSpace(out.String()),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if stderrors.As(err, &exitErr) {
			cerr.ExitCode = exitErr.ExitCode()
		}
		return out.Bytes(), cerr
	}

	return out.Bytes(), nil
}
