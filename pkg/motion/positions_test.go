package motion

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/suntower/pkg/state"
)

func TestFilePositions(t *testing.T) {
	p := &FilePositions{Path: filepath.Join(t.TempDir(), "position.yaml")}
	_, ok, err := p.LoadPosition()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, p.SavePosition(state.Orientation{Azimuth: 181.5, Elevation: 42}))
	require.NoError(t, p.SavePosition(state.Orientation{Azimuth: 182, Elevation: 41.5}))
	o, ok, err := p.LoadPosition()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, state.Orientation{Azimuth: 182, Elevation: 41.5}, o)

	require.NoError(t, os.WriteFile(p.Path, []byte("azimuth: [\n"), 0644))
	_, _, err = p.LoadPosition()
	require.Error(t, err)
}
