// Package constants defines shared configuration constants.
package constants

var (
	ConfigFile = "config.yaml"

	DefaultDir = ".dlinject"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "DLINJECT_"

	// EnvConfig names the config file when --config is not given.
	EnvConfig = EnvPrefix + "CONFIG"

	// AndroidTempDir is the world-traversable scratch directory on Android
	// devices, readable by app processes.
	AndroidTempDir = "/data/local/tmp"

	// AndroidPayloadContext is the SELinux label app processes may map
	// executable code from.
	AndroidPayloadContext = "u:object_r:apk_data_file:s0"
)
