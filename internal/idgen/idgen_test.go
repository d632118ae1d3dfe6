package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithPrefix_Unique(t *testing.T) {
	seen := map[string]bool{}
	for range 1000 {
		id := WithPrefix("req_")
		require.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("scn_")
	assert.True(t, HasPrefix(id, "scn_"))
	assert.False(t, HasPrefix(id, "val_"))
	assert.False(t, HasPrefix("scn_short", "scn_"))
}

func TestActionID(t *testing.T) {
	a, b := ActionID(), ActionID()
	assert.True(t, HasPrefix(a, "act_"))
	assert.NotEqual(t, a, b)
}

func TestNonce(t *testing.T) {
	n := Nonce()
	assert.Len(t, n, 66)
	assert.Equal(t, "0x", n[:2])
}
