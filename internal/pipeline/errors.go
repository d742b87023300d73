package pipeline

import "errors"

// Stage failure taxonomy. Each pipeline error wraps one of these sentinels
// so callers can classify a failed job with errors.Is.
var (
	// ErrNoAudioResolved means the acquisition stage produced zero
	// artifacts: every source URL was unreachable or unsupported.
	ErrNoAudioResolved = errors.New("acquisition: no audio artifacts produced")

	// ErrNoAudioInput means the assembly stage received an empty input
	// set. Unreachable when acquisition enforces its postcondition, but
	// checked defensively.
	ErrNoAudioInput = errors.New("assembly: no audio inputs")

	// ErrRender wraps any encoding failure from the muxing engine.
	ErrRender = errors.New("render failed")
)
