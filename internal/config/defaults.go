package config

import (
	"os"

	"github.com/coral-mesh/dlinject/internal/constants"
)

// Default returns the built-in configuration. Android devices get the
// bionic loader module and the device scratch directory.
func Default(android bool) *Config {
	cfg := &Config{
		Version: SchemaVersion,
		Injection: InjectionConfig{
			PollInterval: constants.DefaultPollInterval,
			WaitTimeout:  constants.DefaultWaitTimeout,
			SettleDelay:  constants.DefaultSettleDelay,
			AllocSize:    constants.DefaultAllocSize,
			FreezeEntry:  constants.DefaultFreezeEntry,
		},
		Symbols: SymbolsConfig{
			Function:      constants.DefaultFunctionSymbol,
			Variable:      constants.DefaultVariableSymbol,
			LoaderModules: constants.DefaultLoaderModules(android),
		},
		Payload: PayloadConfig{
			TempDir: os.TempDir(),
			MaxSize: constants.DefaultMaxPayloadSize,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}

	if android {
		cfg.Payload.TempDir = constants.AndroidTempDir
		cfg.Payload.SELinuxContext = constants.AndroidPayloadContext
	}

	return cfg
}
