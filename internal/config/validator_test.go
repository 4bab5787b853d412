package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSymbol(t *testing.T) {
	tests := []struct {
		ref     string
		module  string
		symbol  string
		wantErr bool
	}{
		{ref: "libc.so!malloc", module: "libc.so", symbol: "malloc"},
		{ref: "libart.so!_ZN3art7Runtime9instance_E", module: "libart.so", symbol: "_ZN3art7Runtime9instance_E"},
		{ref: "malloc", wantErr: true},
		{ref: "!malloc", wantErr: true},
		{ref: "libc.so!", wantErr: true},
		{ref: "a!b!c", wantErr: true},
		{ref: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			module, symbol, err := ParseSymbol(tt.ref)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.module, module)
			assert.Equal(t, tt.symbol, symbol)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing version", func(c *Config) { c.Version = "" }, "version"},
		{"future version", func(c *Config) { c.Version = "2" }, "version"},
		{"zero poll interval", func(c *Config) { c.Injection.PollInterval = 0 }, "injection.poll_interval"},
		{"negative wait timeout", func(c *Config) { c.Injection.WaitTimeout = -1 }, "injection.wait_timeout"},
		{"negative settle delay", func(c *Config) { c.Injection.SettleDelay = -1 }, "injection.settle_delay"},
		{"small alloc", func(c *Config) { c.Injection.AllocSize = 0x800 }, "injection.alloc_size"},
		{"unaligned alloc", func(c *Config) { c.Injection.AllocSize = 0x1800 }, "injection.alloc_size"},
		{"bad freeze mode", func(c *Config) { c.Injection.FreezeEntry = "sometimes" }, "injection.freeze_entry"},
		{"bad function", func(c *Config) { c.Symbols.Function = "malloc" }, "symbols.function"},
		{"bad variable", func(c *Config) { c.Symbols.Variable = "libc.so!" }, "symbols.variable"},
		{"no loader modules", func(c *Config) { c.Symbols.LoaderModules = nil }, "symbols.loader_modules"},
		{"blank loader module", func(c *Config) { c.Symbols.LoaderModules = []string{" "} }, "symbols.loader_modules[0]"},
		{"no temp dir", func(c *Config) { c.Payload.TempDir = "" }, "payload.temp_dir"},
		{"zero max size", func(c *Config) { c.Payload.MaxSize = 0 }, "payload.max_size"},
		{"bad level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(false)
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var multi *MultiValidationError
			require.ErrorAs(t, err, &multi)
			require.Len(t, multi.Errors, 1)
			assert.Equal(t, tt.field, multi.Errors[0].Field)
		})
	}
}

func TestMultiValidationError(t *testing.T) {
	cfg := Default(false)
	cfg.Injection.PollInterval = 0
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed with 2 errors")
	assert.Contains(t, err.Error(), "injection.poll_interval")
	assert.Contains(t, err.Error(), "log.level")

	single := &MultiValidationError{Errors: []ValidationError{{Field: "f", Message: "m"}}}
	assert.Equal(t, "f: m", single.Error())
	assert.Equal(t, "no validation errors", (&MultiValidationError{}).Error())
}
