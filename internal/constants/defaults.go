// Package constants defines shared configuration constants and defaults.
package constants

import "time"

// Injection defaults.
const (
	// DefaultPollInterval is how often the sync slot is read while waiting
	// for the trigger.
	DefaultPollInterval = time.Millisecond

	// DefaultWaitTimeout of zero waits for the trigger indefinitely.
	DefaultWaitTimeout = time.Duration(0)

	// DefaultSettleDelay lets threads spinning in the bootstrap drain before
	// the original bytes are put back.
	DefaultSettleDelay = time.Second

	// DefaultAllocSize is the size of the page mapped by the bootstrap. It
	// must hold the loader stage.
	DefaultAllocSize = 0x1000

	// DefaultFreezeEntry lets the target architecture decide.
	DefaultFreezeEntry = "auto"
)

// Symbol defaults, as "module!symbol".
const (
	DefaultFunctionSymbol = "libc.so!malloc"
	DefaultVariableSymbol = "libc.so!timezone"
	DlopenSymbol          = "dlopen"
)

// DefaultLoaderModules lists the modules searched for dlopen, in order.
func DefaultLoaderModules(android bool) []string {
	if android {
		return []string{"libdl.so"}
	}
	return []string{"libc.so", "libdl.so"}
}

// Payload defaults.
const (
	// DefaultMaxPayloadSize bounds the payload copy.
	DefaultMaxPayloadSize = 512 << 20

	PayloadFileMode = 0o755
)

// Android app restart defaults.
const (
	DefaultAppStartRetries = 20
	DefaultAppStartBackoff = 100 * time.Millisecond
	DefaultAppStartMax     = 2 * time.Second
)
