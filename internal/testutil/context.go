// Package testutil provides fakes and fixtures for dlinject tests: an
// in-memory address space, scripted mapping sources and synthetic ELF
// shared objects.
package testutil

import (
	"context"
	"testing"
	"time"
)

// NewTestContext returns a context cancelled after 30 seconds or when the
// test ends. Injection tests use it to bound the trigger wait.
func NewTestContext(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
