// Package tag derives the immutable artifact identifier for a run.
package tag

import (
	"errors"
	"fmt"
)

// fingerprintLen is how much of the source revision makes it into the
// tag. Eight hex characters is enough to keep tags readable while the
// build number guarantees uniqueness.
const fingerprintLen = 8

var (
	ErrBadBuildNumber = errors.New("build number must be positive")
	ErrShortRevision  = errors.New("revision shorter than fingerprint")
)

// Generate returns "{buildNumber}-{revision[:8]}". The build number is
// monotonically increasing per repository, so distinct runs can never
// share a tag; a collision at the registry means the counter went
// backwards and is a fatal precondition violation.
func Generate(buildNumber int64, revision string) (string, error) {
	if buildNumber <= 0 {
		return "", ErrBadBuildNumber
	}
	if len(revision) < fingerprintLen {
		return "", fmt.Errorf("%w: %q", ErrShortRevision, revision)
	}
	return fmt.Sprintf("%d-%s", buildNumber, revision[:fingerprintLen]), nil
}
