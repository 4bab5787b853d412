package injector

import "fmt"

// State is the position of an Engine in the injection sequence.
type State int

const (
	// Created is the state of a new engine.
	Created State = iota
	// Configured means both the trigger and the sync symbol are bound.
	Configured
	// ResolvingStage covers payload validation, symbol defaults and code
	// generation. Nothing has been written yet.
	ResolvingStage
	// Patched means the bootstrap sits over the trigger function.
	Patched
	// AwaitingTrigger polls the sync slot for a published page.
	AwaitingTrigger
	// Restoring puts back the original trigger and sync slot bytes.
	Restoring
	// Loading writes the loader stage into the published page.
	Loading
	// Done means the parked thread has been released into the loader.
	Done
	// Failed is terminal; Err holds the cause.
	Failed
)

var stateNames = map[State]string{
	Created:         "created",
	Configured:      "configured",
	ResolvingStage:  "resolving",
	Patched:         "patched",
	AwaitingTrigger: "awaiting-trigger",
	Restoring:       "restoring",
	Loading:         "loading",
	Done:            "done",
	Failed:          "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// configurable reports whether symbols and the payload may still change.
func (s State) configurable() bool {
	return s == Created || s == Configured
}
