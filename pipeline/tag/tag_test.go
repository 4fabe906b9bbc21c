package tag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerate(t *testing.T) {
	got, err := Generate(42, "abcdef1234")
	assert.NoError(t, err)
	assert.Equal(t, "42-abcdef12", got)

	got, err = Generate(7, "11223344aa")
	assert.NoError(t, err)
	assert.Equal(t, "7-11223344", got)
}

func TestGenerateExactFingerprint(t *testing.T) {
	got, err := Generate(1, "abcd1234")
	assert.NoError(t, err)
	assert.Equal(t, "1-abcd1234", got)
}

func TestGenerateErrors(t *testing.T) {
	_, err := Generate(0, "abcdef1234")
	assert.ErrorIs(t, err, ErrBadBuildNumber)

	_, err = Generate(-3, "abcdef1234")
	assert.ErrorIs(t, err, ErrBadBuildNumber)

	_, err = Generate(5, "abc")
	assert.ErrorIs(t, err, ErrShortRevision)
}

func TestGenerateInjective(t *testing.T) {
	seen := map[string]struct{}{}
	revisions := []string{"abcdef1234", "abcdff1234", "00112233aa"}

	for build := int64(1); build <= 50; build++ {
		for _, rev := range revisions {
			tag, err := Generate(build, rev)
			assert.NoError(t, err)
			_, dup := seen[tag]
			assert.False(t, dup, "duplicate tag %s", tag)
			seen[tag] = struct{}{}
		}
	}
}
