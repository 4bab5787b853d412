package testutil

import (
	"context"
	"strings"
	"sync"
)

// FakeRunner records commands instead of executing them.
type FakeRunner struct {
	mu       sync.Mutex
	commands []string

	// Respond, when set, supplies the output and error of each command.
	Respond func(command string) ([]byte, error)
}

// Run implements shell.Runner.
func (f *FakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	command := strings.Join(append([]string{name}, args...), " ")

	f.mu.Lock()
	f.commands = append(f.commands, command)
	respond := f.Respond
	f.mu.Unlock()

	if respond == nil {
		return nil, nil
	}
	return respond(command)
}

// Commands returns the commands run so far, space joined.
func (f *FakeRunner) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}
