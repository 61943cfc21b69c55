package infralog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndLines(t *testing.T) {
	r := New()
	r.Append("runtime-install", "downloading node")
	r.Append("runtime-install", "done")

	lines := r.Lines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[runtime-install] downloading node")
	assert.Contains(t, lines[1], "done")
}

func TestCapacityDropsOldest(t *testing.T) {
	r := NewWithCapacity(3)
	for i := 0; i < 5; i++ {
		r.Append("op", fmt.Sprintf("line-%d", i))
	}

	lines := r.Lines()
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "line-2")
	assert.Contains(t, lines[2], "line-4")
}

func TestClear(t *testing.T) {
	r := New()
	r.Append("op", "something")
	r.Clear()
	assert.Empty(t, r.Lines())
}
