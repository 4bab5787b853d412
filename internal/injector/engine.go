// Package injector drives an injection session: it binds the hijacked
// symbols, plants the bootstrap stage, waits for a target thread to run it
// and hands that thread the loader stage.
//
// An Engine is single-use and not safe for concurrent use. The target is
// expected to be multi-threaded; the only synchronization with its threads
// is the spinlock the bootstrap keeps in the sync slot.
package injector

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/dlinject/internal/config"
	"github.com/coral-mesh/dlinject/internal/constants"
	"github.com/coral-mesh/dlinject/internal/errors"
	"github.com/coral-mesh/dlinject/internal/module"
	"github.com/coral-mesh/dlinject/internal/sys/mem"
	"github.com/coral-mesh/dlinject/internal/sys/proc"
)

// Target is the process being injected.
type Target interface {
	module.MappingSource
	Class() (proc.Class, error)
}

// Engine is one injection session against one process.
type Engine struct {
	target   Target
	memory   mem.Memory
	resolver *module.Resolver
	opts     Options
	logger   zerolog.Logger
	session  string

	state State
	err   error

	path    string
	trigger *module.Symbol
	sync    *module.Symbol
	dlopen  *module.Symbol
	page    uint64
}

// New opens a session on pid. It fails with ProcessNotRunning when the
// process does not exist, InsufficientPrivileges when the attach policy
// forbids it and OpenMemoryError when its memory file cannot be opened.
func New(pid int, opts Options) (*Engine, error) {
	opts = opts.withDefaults()

	p, err := proc.New(pid)
	if err != nil {
		return nil, err
	}

	if err := opts.Gate.Check(p); err != nil {
		return nil, err
	}

	logger := opts.Logger.With().Int("pid", pid).Logger()
	memory, err := mem.Open(pid, logger)
	if err != nil {
		return nil, err
	}

	if opts.FileFallback == nil {
		opts.FileFallback = func(path string) (*elf.File, error) {
			return elf.Open(p.RootPath(path))
		}
	}
	opts.Logger = logger

	return NewWithTarget(p, memory, opts), nil
}

// NewWithTarget builds an engine on an already opened target. The engine
// owns memory and closes it in Close.
func NewWithTarget(target Target, memory mem.Memory, opts Options) *Engine {
	opts = opts.withDefaults()
	session := uuid.NewString()
	logger := opts.Logger.With().
		Str("component", "injector").
		Str("session", session).
		Logger()

	resolverOpts := []module.Option{module.WithLogger(logger)}
	if opts.FileFallback != nil {
		resolverOpts = append(resolverOpts, module.WithFileFallback(opts.FileFallback))
	}

	return &Engine{
		target:   target,
		memory:   memory,
		resolver: module.NewResolver(target, memory, resolverOpts...),
		opts:     opts,
		logger:   logger,
		session:  session,
		state:    Created,
	}
}

// Session returns the session ID carried by every log line.
func (e *Engine) Session() string {
	return e.session
}

// State returns the current state.
func (e *Engine) State() State {
	return e.state
}

// Err returns the failure that moved the engine to Failed.
func (e *Engine) Err() error {
	return e.err
}

// Page returns the address of the page mapped by the bootstrap, once
// published.
func (e *Engine) Page() uint64 {
	return e.page
}

// FilePath returns the payload path handed to dlopen.
func (e *Engine) FilePath() string {
	return e.path
}

// Trigger returns the bound trigger function, if any.
func (e *Engine) Trigger() (module.Symbol, bool) {
	return bound(e.trigger)
}

// Sync returns the bound sync slot symbol, if any.
func (e *Engine) Sync() (module.Symbol, bool) {
	return bound(e.sync)
}

// Dlopen returns the bound loader entry point, if any.
func (e *Engine) Dlopen() (module.Symbol, bool) {
	return bound(e.dlopen)
}

func bound(s *module.Symbol) (module.Symbol, bool) {
	if s == nil {
		return module.Symbol{}, false
	}
	return *s, true
}

// Close releases the target's memory file.
func (e *Engine) Close() error {
	return e.memory.Close()
}

func (e *Engine) setState(s State) {
	e.logger.Debug().Stringer("from", e.state).Stringer("to", s).Msg("State transition")
	e.state = s
}

func (e *Engine) checkConfigurable(op string) error {
	if !e.state.configurable() {
		return errors.Errorf(errors.InvalidState, op, "session is %s", e.state)
	}
	return nil
}

// SetFilePath sets the payload. The path is made absolute, since the target
// resolves it against its own working directory.
func (e *Engine) SetFilePath(path string) error {
	const op = "injector: set file path"
	if err := e.checkConfigurable(op); err != nil {
		return err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.E(errors.FileError, op, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return errors.E(errors.FileError, op, err)
	}
	if !info.Mode().IsRegular() {
		return errors.Errorf(errors.FileError, op, "%s is not a regular file", abs)
	}

	e.path = abs
	return nil
}

// SetFuncSym binds the trigger function whose entry is overwritten with
// the bootstrap stage.
func (e *Engine) SetFuncSym(moduleName, symbol string) error {
	if err := e.checkConfigurable("injector: set function symbol"); err != nil {
		return err
	}
	return e.bindFunc(moduleName, symbol)
}

// SetVarSym binds the data symbol used as the sync slot.
func (e *Engine) SetVarSym(moduleName, symbol string) error {
	if err := e.checkConfigurable("injector: set variable symbol"); err != nil {
		return err
	}
	return e.bindVar(moduleName, symbol)
}

// SetDefaultSyms binds the default trigger and sync symbols to whichever of
// the two is still unbound.
func (e *Engine) SetDefaultSyms() error {
	if err := e.checkConfigurable("injector: set default symbols"); err != nil {
		return err
	}
	return e.bindDefaults()
}

// UseRawDlopen binds the loader stage's call target to dlopen, taken from
// the first loader module that exports it.
func (e *Engine) UseRawDlopen() error {
	if err := e.checkConfigurable("injector: use raw dlopen"); err != nil {
		return err
	}
	return e.bindLoader()
}

func (e *Engine) bindFunc(moduleName, symbol string) error {
	sym, err := e.resolver.Resolve(moduleName, symbol)
	if err != nil {
		return err
	}
	e.trigger = &sym
	e.logger.Debug().Str("symbol", sym.String()).Msg("Bound trigger function")

	e.markConfigured()
	return nil
}

func (e *Engine) bindVar(moduleName, symbol string) error {
	sym, err := e.resolver.Resolve(moduleName, symbol)
	if err != nil {
		return err
	}
	e.sync = &sym
	e.logger.Debug().Str("symbol", sym.String()).Msg("Bound sync slot")

	e.markConfigured()
	return nil
}

// bindDefaults fills in the unbound symbols. Inject calls it after leaving
// the configurable states, so it skips the state check.
func (e *Engine) bindDefaults() error {
	const op = "injector: set default symbols"

	if e.trigger == nil {
		mod, sym, err := config.ParseSymbol(e.opts.DefaultFunction)
		if err != nil {
			return errors.E(errors.SymbolNotFound, op, err)
		}
		if err := e.bindFunc(mod, sym); err != nil {
			return err
		}
	}

	if e.sync == nil {
		mod, sym, err := config.ParseSymbol(e.opts.DefaultVariable)
		if err != nil {
			return errors.E(errors.SymbolNotFound, op, err)
		}
		if err := e.bindVar(mod, sym); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) bindLoader() error {
	if e.dlopen != nil {
		return nil
	}

	var lastErr error
	for _, name := range e.opts.LoaderModules {
		sym, err := e.resolver.Resolve(name, constants.DlopenSymbol)
		if err == nil {
			e.dlopen = &sym
			e.logger.Debug().Str("symbol", sym.String()).Msg("Bound loader entry")
			return nil
		}
		e.logger.Debug().Err(err).Str("module", name).Msg("No dlopen in loader module")
		lastErr = err
	}

	if lastErr == nil {
		return errors.Errorf(errors.SymbolNotFound, "injector: use raw dlopen", "no loader modules configured")
	}
	return lastErr
}

func (e *Engine) markConfigured() {
	if e.state == Created && e.trigger != nil && e.sync != nil {
		e.setState(Configured)
	}
}

func hex(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}
