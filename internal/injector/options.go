package injector

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/dlinject/internal/config"
	"github.com/coral-mesh/dlinject/internal/constants"
	"github.com/coral-mesh/dlinject/internal/module"
	"github.com/coral-mesh/dlinject/internal/privilege"
)

// Entry freeze modes.
const (
	FreezeAuto   = "auto"
	FreezeAlways = "always"
	FreezeNever  = "never"
)

// Gate decides whether the caller may patch a process.
type Gate interface {
	Check(target privilege.Owner) error
}

// Options tunes an Engine. Zero fields take the defaults from constants.
type Options struct {
	PollInterval time.Duration
	// WaitTimeout bounds the trigger wait. Zero waits until ctx is done.
	WaitTimeout time.Duration
	SettleDelay time.Duration
	AllocSize   uint64
	FreezeEntry string

	// DefaultFunction and DefaultVariable are "module!symbol" references
	// bound when the caller does not choose its own.
	DefaultFunction string
	DefaultVariable string
	// LoaderModules are searched in order for dlopen.
	LoaderModules []string

	// Gate defaults to the Yama ptrace_scope check. Only New consults it.
	Gate Gate
	// FileFallback resolves symbols from disk when the live image has no
	// usable dynamic segment. New points it at the target's root.
	FileFallback module.FileOpener

	Logger zerolog.Logger
}

// OptionsFromConfig maps the config file onto engine options.
func OptionsFromConfig(cfg *config.Config, logger zerolog.Logger) Options {
	return Options{
		PollInterval:    cfg.Injection.PollInterval,
		WaitTimeout:     cfg.Injection.WaitTimeout,
		SettleDelay:     cfg.Injection.SettleDelay,
		AllocSize:       cfg.Injection.AllocSize,
		FreezeEntry:     cfg.Injection.FreezeEntry,
		DefaultFunction: cfg.Symbols.Function,
		DefaultVariable: cfg.Symbols.Variable,
		LoaderModules:   cfg.Symbols.LoaderModules,
		Logger:          logger,
	}
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = constants.DefaultPollInterval
	}
	if o.WaitTimeout < 0 {
		o.WaitTimeout = 0
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.AllocSize == 0 {
		o.AllocSize = constants.DefaultAllocSize
	}
	if o.FreezeEntry == "" {
		o.FreezeEntry = constants.DefaultFreezeEntry
	}
	if o.DefaultFunction == "" {
		o.DefaultFunction = constants.DefaultFunctionSymbol
	}
	if o.DefaultVariable == "" {
		o.DefaultVariable = constants.DefaultVariableSymbol
	}
	if len(o.LoaderModules) == 0 {
		o.LoaderModules = constants.DefaultLoaderModules(false)
	}
	if o.Gate == nil {
		o.Gate = privilege.Gate{}
	}
	return o
}
