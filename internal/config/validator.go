package config

import (
	"fmt"
	"strings"
)

// Validator is the interface for validating configuration.
type Validator interface {
	Validate() error
}

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiValidationError represents multiple validation errors.
type MultiValidationError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *MultiValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}

	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("validation failed with %d errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		builder.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return builder.String()
}

const pageSize = 0x1000

// ParseSymbol splits a "module!symbol" reference.
func ParseSymbol(ref string) (module, symbol string, err error) {
	module, symbol, ok := strings.Cut(ref, "!")
	if !ok || module == "" || symbol == "" || strings.Contains(symbol, "!") {
		return "", "", fmt.Errorf("symbol %q must have the form module!symbol", ref)
	}
	return module, symbol, nil
}

// Validate validates Config.
func (c *Config) Validate() error {
	var errors []ValidationError
	add := func(field, format string, args ...any) {
		errors = append(errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Version == "" {
		add("version", "version is required")
	} else if c.Version != SchemaVersion {
		add("version", "unsupported version %q, expected %q", c.Version, SchemaVersion)
	}

	inj := c.Injection
	if inj.PollInterval <= 0 {
		add("injection.poll_interval", "must be positive")
	}
	if inj.WaitTimeout < 0 {
		add("injection.wait_timeout", "must not be negative")
	}
	if inj.SettleDelay < 0 {
		add("injection.settle_delay", "must not be negative")
	}
	if inj.AllocSize < pageSize || inj.AllocSize%pageSize != 0 {
		add("injection.alloc_size", "0x%x must be a non-zero multiple of 0x%x", inj.AllocSize, pageSize)
	}
	switch inj.FreezeEntry {
	case "auto", "always", "never":
	default:
		add("injection.freeze_entry", "must be 'auto', 'always' or 'never'")
	}

	if _, _, err := ParseSymbol(c.Symbols.Function); err != nil {
		add("symbols.function", "%v", err)
	}
	if _, _, err := ParseSymbol(c.Symbols.Variable); err != nil {
		add("symbols.variable", "%v", err)
	}
	if len(c.Symbols.LoaderModules) == 0 {
		add("symbols.loader_modules", "at least one module is required")
	}
	for i, m := range c.Symbols.LoaderModules {
		if strings.TrimSpace(m) == "" {
			add(fmt.Sprintf("symbols.loader_modules[%d]", i), "module name is empty")
		}
	}

	if c.Payload.TempDir == "" {
		add("payload.temp_dir", "temp dir is required")
	}
	if c.Payload.MaxSize <= 0 {
		add("payload.max_size", "must be positive")
	}

	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		add("log.level", "must be one of trace, debug, info, warn, error")
	}
	switch c.Log.Format {
	case "auto", "pretty", "json":
	default:
		add("log.format", "must be 'auto', 'pretty' or 'json'")
	}

	if len(errors) > 0 {
		return &MultiValidationError{Errors: errors}
	}
	return nil
}
