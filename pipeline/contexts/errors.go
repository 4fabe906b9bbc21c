package contexts

import (
	"errors"
	"strings"
)

var (
	// ErrProvision wraps any failure to acquire a context. Provision
	// failures are always fatal for the run and never retried.
	ErrProvision = errors.New("context provision failed")

	ErrStepFailed = errors.New("step failed")
	ErrTimedOut   = errors.New("timed out")
	ErrOOMKilled  = errors.New("oom killed")
)

// thanks woodpecker
func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	// Error: No such container: ...
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers"))
}
