package icrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAADKeyArtifact(t *testing.T) {
	a := AADKeyArtifact("ca-1", 1)
	assert.Equal(t, a, AADKeyArtifact("ca-1", 1), "must be deterministic")
	assert.NotEqual(t, a, AADKeyArtifact("ca-2", 1))
	assert.NotEqual(t, a, AADKeyArtifact("ca-1", 2))
}

func TestBuildAADIsUnambiguous(t *testing.T) {
	// Without length prefixes both would encode as "abc".
	assert.NotEqual(t, buildAAD("ab", "c"), buildAAD("a", "bc"))
	assert.Equal(t, []byte{0, 0, 0, 2, 'h', 'i', 0, 0, 0, 7}, buildAAD("hi", 7))
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 9}, buildAAD(uint64(9)))
}
