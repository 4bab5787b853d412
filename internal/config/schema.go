package config

import (
	"time"
)

// SchemaVersion is the configuration schema version.
const SchemaVersion = "1"

// Config represents the dlinject config file (~/.dlinject/config.yaml or
// the file named by --config / DLINJECT_CONFIG).
type Config struct {
	Version   string          `yaml:"version"`
	Injection InjectionConfig `yaml:"injection"`
	Symbols   SymbolsConfig   `yaml:"symbols"`
	Payload   PayloadConfig   `yaml:"payload"`
	Log       LogConfig       `yaml:"log"`
}

// InjectionConfig tunes the injection session.
type InjectionConfig struct {
	// PollInterval is the sync slot polling period while waiting for the
	// trigger.
	PollInterval time.Duration `yaml:"poll_interval" env:"DLINJECT_POLL_INTERVAL"`
	// WaitTimeout bounds the trigger wait; zero waits forever.
	WaitTimeout time.Duration `yaml:"wait_timeout" env:"DLINJECT_WAIT_TIMEOUT"`
	// SettleDelay separates detecting the published page from restoring
	// the original bytes.
	SettleDelay time.Duration `yaml:"settle_delay" env:"DLINJECT_SETTLE_DELAY"`
	// AllocSize is the size of the RWX page mapped in the target.
	AllocSize uint64 `yaml:"alloc_size" env:"DLINJECT_ALLOC_SIZE"`
	// FreezeEntry is "auto", "always" or "never".
	FreezeEntry string `yaml:"freeze_entry" env:"DLINJECT_FREEZE_ENTRY"`
}

// SymbolsConfig selects the hijacked symbols, each as "module!symbol".
type SymbolsConfig struct {
	Function      string   `yaml:"function" env:"DLINJECT_FUNC_SYM"`
	Variable      string   `yaml:"variable" env:"DLINJECT_VAR_SYM"`
	LoaderModules []string `yaml:"loader_modules" env:"DLINJECT_LOADER_MODULES"`
}

// PayloadConfig controls payload preparation.
type PayloadConfig struct {
	TempDir        string `yaml:"temp_dir" env:"DLINJECT_TEMP_DIR"`
	MaxSize        int64  `yaml:"max_size" env:"DLINJECT_PAYLOAD_MAX_SIZE"`
	SELinuxContext string `yaml:"selinux_context" env:"DLINJECT_SELINUX_CONTEXT"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `yaml:"level" env:"DLINJECT_LOG_LEVEL"`
	// Format is "auto" (pretty on a terminal), "pretty" or "json".
	Format string `yaml:"format" env:"DLINJECT_LOG_FORMAT"`
}
