package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsSortableAndUnique(t *testing.T) {
	seen := make(map[string]struct{})
	prev := ""
	for i := 0; i < 1000; i++ {
		id := New()
		require.True(t, Valid(id), "invalid id %q", id)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %q", id)
		seen[id] = struct{}{}
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestNewAtEncodesTimestamp(t *testing.T) {
	early := NewAt(time.Unix(1_600_000_000, 0))
	late := NewAt(time.Unix(1_700_000_000, 0))
	assert.Less(t, early, late)
}

func TestRequestIDIsUUID(t *testing.T) {
	id := RequestID()
	assert.Len(t, id, 36)
	assert.False(t, Valid(id))
}
