package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShortIsEightChars(t *testing.T) {
	id := Short()
	assert.Len(t, id, 8)
}

func TestShortIsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := Short()
		assert.False(t, seen[id], "collision at iteration %d", i)
		seen[id] = true
	}
}

func TestAlertIDsAreMonotonicallySortable(t *testing.T) {
	a := Alert()
	b := Alert()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 26)
	assert.LessOrEqual(t, a, b)
}
