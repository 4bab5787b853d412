// Package android restarts an application through the activity manager so
// that a fresh process can be injected before it gets going.
package android

import (
	"context"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/dlinject/internal/constants"
	"github.com/coral-mesh/dlinject/internal/errors"
	"github.com/coral-mesh/dlinject/internal/retry"
	"github.com/coral-mesh/dlinject/internal/sys/proc"
	"github.com/coral-mesh/dlinject/internal/sys/shell"
)

// LauncherCategory is the intent category monkey starts the app with.
const LauncherCategory = "android.intent.category.LAUNCHER"

// IsAndroid reports whether the controller runs on an Android device.
func IsAndroid() bool {
	return Detect("/")
}

// Detect reports whether root looks like an Android system image.
func Detect(root string) bool {
	if runtime.GOOS == "android" || os.Getenv("ANDROID_ROOT") != "" {
		return true
	}
	_, err := os.Stat(filepath.Join(root, "system", "build.prop"))
	return err == nil
}

// PidFinder looks up a process by name.
type PidFinder func(ctx context.Context, name string) (int, error)

// Restarter force-stops and relaunches apps.
type Restarter struct {
	// Runner executes am and monkey. Defaults to shell.Exec.
	Runner shell.Runner
	// Find defaults to proc.FindPidByName.
	Find PidFinder
	// Retry paces the pid lookup after launch.
	Retry retry.Config

	Logger zerolog.Logger
}

// NewRestarter returns a Restarter using the device tools and the default
// pid lookup schedule.
func NewRestarter(logger zerolog.Logger) *Restarter {
	return &Restarter{
		Runner: shell.Exec{Logger: logger},
		Find:   proc.FindPidByName,
		Retry: retry.Config{
			MaxRetries:     constants.DefaultAppStartRetries,
			InitialBackoff: constants.DefaultAppStartBackoff,
			MaxBackoff:     constants.DefaultAppStartMax,
		},
		Logger: logger.With().Str("component", "android").Logger(),
	}
}

// Restart stops pkg, launches it again and returns the pid of the new
// process. It fails with PidNotFound when the process does not show up.
func (r *Restarter) Restart(ctx context.Context, pkg string) (int, error) {
	op := "android: restart " + pkg
	if pkg == "" {
		return 0, errors.Errorf(errors.PidNotFound, "android: restart", "empty package name")
	}

	if _, err := r.Runner.Run(ctx, "am", "force-stop", pkg); err != nil {
		return 0, errors.E(errors.PidNotFound, op, err)
	}
	r.Logger.Debug().Str("package", pkg).Msg("Stopped application")

	if _, err := r.Runner.Run(ctx, "monkey", "-p", pkg, "-c", LauncherCategory, "1"); err != nil {
		return 0, errors.E(errors.PidNotFound, op, err)
	}
	r.Logger.Debug().Str("package", pkg).Msg("Launched application")

	var pid int
	err := retry.Do(ctx, r.Retry, func() error {
		var err error
		pid, err = r.Find(ctx, pkg)
		return err
	}, func(err error) bool {
		return errors.KindOf(err) == errors.PidNotFound
	})
	if err != nil {
		return 0, errors.E(errors.PidNotFound, op, err)
	}

	r.Logger.Info().Str("package", pkg).Int("pid", pid).Msg("Application restarted")
	return pid, nil
}
