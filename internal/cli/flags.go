package cli

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/coral-mesh/dlinject/internal/config"
)

// InjectFlags holds the inject command's flag values.
type InjectFlags struct {
	PID          int
	AppPackage   string
	File         string
	FuncSym      string
	VarSym       string
	Debug        bool
	ConfigPath   string
	PollInterval time.Duration
	WaitTimeout  time.Duration
	SettleDelay  time.Duration
}

// AddFlags registers the flags on flags.
func (f *InjectFlags) AddFlags(flags *pflag.FlagSet) {
	flags.IntVarP(&f.PID, "pid", "p", 0, "Target process ID")
	flags.StringVarP(&f.AppPackage, "app-package-name", "a", "", "Android package to restart and inject")
	flags.StringVarP(&f.File, "file", "f", "", "Shared library to inject (required)")
	flags.StringVar(&f.FuncSym, "func-sym", "", "Trigger function as lib.so!symbol")
	flags.StringVar(&f.VarSym, "var-sym", "", "Sync slot data symbol as lib.so!symbol")
	flags.BoolVarP(&f.Debug, "debug", "d", false, "Enable debug logging")
	flags.StringVar(&f.ConfigPath, "config", "", "Config file (default ~/.dlinject/config.yaml)")
	flags.DurationVar(&f.PollInterval, "poll-interval", 0, "Sync slot polling interval")
	flags.DurationVar(&f.WaitTimeout, "wait-timeout", 0, "Give up when the trigger is not called in time (0 waits forever)")
	flags.DurationVar(&f.SettleDelay, "settle-delay", 0, "Delay between the trigger firing and restoring the original bytes")
}

// Validate checks the flag combination.
func (f *InjectFlags) Validate() error {
	if f.File == "" {
		return fmt.Errorf("--file is required")
	}
	if f.PID == 0 && f.AppPackage == "" {
		return fmt.Errorf("either --pid or --app-package-name is required")
	}
	if f.PID != 0 && f.AppPackage != "" {
		return fmt.Errorf("--pid and --app-package-name are mutually exclusive")
	}
	if f.PID < 0 {
		return fmt.Errorf("invalid --pid %d", f.PID)
	}
	return nil
}

// Apply overrides cfg with the flags the user set explicitly.
func (f *InjectFlags) Apply(cfg *config.Config, flags *pflag.FlagSet) {
	if flags.Changed("func-sym") {
		cfg.Symbols.Function = f.FuncSym
	}
	if flags.Changed("var-sym") {
		cfg.Symbols.Variable = f.VarSym
	}
	if flags.Changed("poll-interval") {
		cfg.Injection.PollInterval = f.PollInterval
	}
	if flags.Changed("wait-timeout") {
		cfg.Injection.WaitTimeout = f.WaitTimeout
	}
	if flags.Changed("settle-delay") {
		cfg.Injection.SettleDelay = f.SettleDelay
	}
	if f.Debug {
		cfg.Log.Level = "debug"
	}
}
