package uuid

import (
	"testing"

	guuid "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewIDReturnsUUID7(t *testing.T) {
	t.Parallel()

	gen := NewGenerator()
	id, err := gen.NewID()
	require.NoError(t, err)

	parsed, err := guuid.Parse(id)
	require.NoError(t, err)
	require.Equal(t, guuid.Version(7), parsed.Version())
}

func TestNewIDUnique(t *testing.T) {
	t.Parallel()

	gen := NewGenerator()
	seen := make(map[string]bool)
	for range 100 {
		id, err := gen.NewID()
		require.NoError(t, err)
		require.False(t, seen[id])
		seen[id] = true
	}
}
