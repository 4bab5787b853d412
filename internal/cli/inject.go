package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/dlinject/internal/android"
	"github.com/coral-mesh/dlinject/internal/config"
	"github.com/coral-mesh/dlinject/internal/errors"
	"github.com/coral-mesh/dlinject/internal/injector"
	"github.com/coral-mesh/dlinject/internal/logging"
	"github.com/coral-mesh/dlinject/internal/payload"
	"github.com/coral-mesh/dlinject/internal/sys/proc"
	"github.com/coral-mesh/dlinject/internal/sys/sysfs"
)

func newInjectCmd() *cobra.Command {
	var flags InjectFlags

	cmd := &cobra.Command{
		Use:   "inject",
		Short: "Inject a shared library into a running process",
		Long: `Inject a shared library into a running process.

The target is given by --pid, or on Android by --app-package-name, which
restarts the app and injects the new process. The payload must be a shared
object built for the target's architecture.

The trigger function (--func-sym) must be called by the target for the
injection to complete; dlinject waits for it, up to --wait-timeout.

Examples:
  dlinject inject -p 1234 -f ./libhook.so
  dlinject inject -a com.example.app -f /data/local/tmp/libhook.so
  dlinject inject -p 1234 -f ./libhook.so --func-sym libc.so!free --var-sym libc.so!timezone`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.Validate(); err != nil {
				return err
			}

			isAndroid := android.IsAndroid()
			cfg, err := config.NewLoader(flags.ConfigPath, isAndroid).Load()
			if err != nil {
				return err
			}
			flags.Apply(cfg, cmd.Flags())
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runInject(ctx, cmd, &flags, cfg, isAndroid, logger)
		},
	}

	flags.AddFlags(cmd.Flags())
	if err := cmd.MarkFlagRequired("file"); err != nil {
		fmt.Printf("failed to mark flag as required: %v\n", err)
	}

	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	switch cfg.Log.Format {
	case "pretty":
		logCfg.Pretty = true
	case "json":
		logCfg.Pretty = false
	}
	return logging.New(logCfg)
}

func runInject(ctx context.Context, cmd *cobra.Command, flags *InjectFlags, cfg *config.Config, isAndroid bool, logger zerolog.Logger) error {
	pid := flags.PID
	if flags.AppPackage != "" {
		var err error
		pid, err = android.NewRestarter(logger).Restart(ctx, flags.AppPackage)
		if err != nil {
			return err
		}
	}

	target, err := proc.New(pid)
	if err != nil {
		return err
	}
	class, err := target.Class()
	if err != nil {
		return err
	}

	path, err := payload.Prepare(ctx, flags.File, class, payload.Options{
		TempDir:        cfg.Payload.TempDir,
		MaxSize:        cfg.Payload.MaxSize,
		Android:        isAndroid,
		SELinuxContext: cfg.Payload.SELinuxContext,
		SysFS:          sysfs.Default(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	engine, err := injector.New(pid, injector.OptionsFromConfig(cfg, logger))
	if err != nil {
		return err
	}
	defer errors.DeferClose(logger, engine, "failed to close target memory")

	if err := configureEngine(engine, flags, cmd); err != nil {
		return err
	}
	if err := engine.SetFilePath(path); err != nil {
		return err
	}

	if err := engine.Inject(ctx); err != nil {
		return err
	}

	page := engine.Page()
	cmd.Printf("Injected %s into pid %d (page 0x%x, session %s)\n", path, pid, page, engine.Session())
	return nil
}

// symbolBinder is the part of the engine the symbol flags drive.
type symbolBinder interface {
	SetFuncSym(module, symbol string) error
	SetVarSym(module, symbol string) error
	SetDefaultSyms() error
	UseRawDlopen() error
}

// configureEngine binds the symbols named on the command line and falls
// back to the configured defaults for the rest.
func configureEngine(engine symbolBinder, flags *InjectFlags, cmd *cobra.Command) error {
	if cmd.Flags().Changed("func-sym") {
		mod, sym, err := config.ParseSymbol(flags.FuncSym)
		if err != nil {
			return err
		}
		if err := engine.SetFuncSym(mod, sym); err != nil {
			return err
		}
	}

	if cmd.Flags().Changed("var-sym") {
		mod, sym, err := config.ParseSymbol(flags.VarSym)
		if err != nil {
			return err
		}
		if err := engine.SetVarSym(mod, sym); err != nil {
			return err
		}
	}

	if err := engine.SetDefaultSyms(); err != nil {
		return err
	}
	return engine.UseRawDlopen()
}
