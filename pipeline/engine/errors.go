package engine

import "errors"

var (
	// ErrStageFailed halts the run under the fail-fast policy.
	ErrStageFailed = errors.New("stage failed")

	// ErrTimedOut marks a stage that hit its configured bound.
	ErrTimedOut = errors.New("timed out")

	// ErrAborted is returned by a stage (the approval gate) to stop
	// the run without it counting as a stage failure. No further
	// stages run after it.
	ErrAborted = errors.New("run aborted")
)
