package module

import (
	"debug/elf"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/dlinject/internal/errors"
	"github.com/coral-mesh/dlinject/internal/sys/mem"
)

// Symbol is a resolved symbol of a loaded module.
type Symbol struct {
	Module string
	Path   string
	Name   string
	Addr   uint64
}

func (s Symbol) String() string {
	return fmt.Sprintf("%s!%s@0x%x", s.Module, s.Name, s.Addr)
}

// FileOpener opens the object backing a mapping, as seen from the target's
// mount namespace.
type FileOpener func(path string) (*elf.File, error)

// Option configures a Resolver.
type Option func(*Resolver)

// WithFileFallback resolves symbols from the object on disk when the live
// image has no usable dynamic segment.
func WithFileFallback(open FileOpener) Option {
	return func(r *Resolver) {
		r.openFile = open
	}
}

// WithLogger sets the resolver's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger.With().Str("component", "module").Logger()
	}
}

// Resolver loads module images from one target and caches them, together
// with the symbols resolved from them, for its lifetime. Mappings are
// assumed stable while the resolver is in use.
type Resolver struct {
	source   MappingSource
	memory   mem.Reader
	openFile FileOpener
	logger   zerolog.Logger

	mu      sync.Mutex
	modules map[string]*Module
	symbols map[string]Symbol
}

// NewResolver creates a resolver reading mappings from source and module
// bytes from memory.
func NewResolver(source MappingSource, memory mem.Reader, opts ...Option) *Resolver {
	r := &Resolver{
		source:  source,
		memory:  memory,
		logger:  zerolog.Nop(),
		modules: make(map[string]*Module),
		symbols: make(map[string]Symbol),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadModule returns the image of the module matching name, reading it from
// the target on first use.
func (r *Resolver) LoadModule(name string) (*Module, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.loadModule(name)
}

func (r *Resolver) loadModule(name string) (*Module, error) {
	if mod, ok := r.modules[name]; ok {
		return mod, nil
	}

	mod, err := Load(r.source, r.memory, name)
	if err != nil {
		return nil, err
	}

	r.logger.Debug().
		Str("module", name).
		Str("path", mod.Path).
		Str("base", fmt.Sprintf("0x%x", mod.Base)).
		Int("image_size", len(mod.Image)).
		Msg("Loaded module image")

	r.modules[name] = mod
	return mod, nil
}

// ResolveSymbol returns the runtime address of symbol within mod.
func (r *Resolver) ResolveSymbol(mod *Module, symbol string) (uint64, error) {
	op := fmt.Sprintf("module: resolve %s!%s", mod.Name, symbol)

	addr, err := lookupDynamic(mod.Image, mod.Base, symbol)
	if err == nil {
		return addr, nil
	}
	r.logger.Trace().Err(err).Str("symbol", symbol).Msg("Dynamic segment lookup failed")

	if r.openFile == nil {
		return 0, errors.E(errors.SymbolNotFound, op, err)
	}

	f, ferr := r.openFile(mod.Path)
	if ferr != nil {
		return 0, errors.E(errors.SymbolNotFound, op, fmt.Errorf("%v; open %s: %w", err, mod.Path, ferr))
	}
	defer errors.DeferClose(r.logger, f, "failed to close module file")

	addr, ferr = lookupFile(f, mod.Base, symbol)
	if ferr != nil {
		return 0, errors.E(errors.SymbolNotFound, op, ferr)
	}

	r.logger.Debug().Str("symbol", symbol).Str("path", mod.Path).Msg("Resolved symbol from file on disk")
	return addr, nil
}

// Resolve loads module (if needed) and resolves symbol in it. Results are
// cached per module and symbol pair.
func (r *Resolver) Resolve(module, symbol string) (Symbol, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := module + "!" + symbol
	if sym, ok := r.symbols[key]; ok {
		return sym, nil
	}

	mod, err := r.loadModule(module)
	if err != nil {
		return Symbol{}, err
	}

	addr, err := r.ResolveSymbol(mod, symbol)
	if err != nil {
		return Symbol{}, err
	}

	sym := Symbol{Module: module, Path: mod.Path, Name: symbol, Addr: addr}
	r.symbols[key] = sym

	r.logger.Debug().
		Str("symbol", key).
		Str("addr", fmt.Sprintf("0x%x", addr)).
		Msg("Resolved symbol")
	return sym, nil
}
