package main

import (
	"fmt"
	"os"

	"github.com/coral-mesh/dlinject/internal/cli"
	"github.com/coral-mesh/dlinject/internal/errors"
	"github.com/coral-mesh/dlinject/internal/privilege"
)

func main() {
	if err := cli.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		kind := errors.KindOf(err)
		if kind != errors.KindUnknown {
			_, _ = fmt.Fprintf(os.Stderr, "Kind: %s\n", kind)
		}
		if kind == errors.InsufficientPrivileges && !privilege.IsRoot() {
			_, _ = fmt.Fprintln(os.Stderr, "Hint: run as root or grant CAP_SYS_PTRACE")
		}
		os.Exit(1)
	}
}
