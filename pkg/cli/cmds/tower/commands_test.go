package tower

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/suntower/pkg/msgs"
)

var digest = strings.Repeat("ab", 32)

func TestParseTarget(t *testing.T) {
	cmd, err := ParseTarget([]string{"181.5", "-2"})
	require.NoError(t, err)
	require.Equal(t, &msgs.SetTarget{Azimuth: 181.5, Elevation: -2}, cmd.SetTarget)
	require.Equal(t, msgs.KindSetTarget, cmd.Kind())

	for _, args := range [][]string{nil, {"10"}, {"x", "1"}, {"1", "y"}} {
		_, err := ParseTarget(args)
		require.Error(t, err, "%v", args)
	}
}

func TestParseJog(t *testing.T) {
	testCases := []struct {
		args []string
		jog  msgs.Jog
	}{
		{[]string{"el", "-5"}, msgs.Jog{Axis: "elevation", Steps: -5}},
		{[]string{"azimuth", "40"}, msgs.Jog{Axis: "azimuth", Steps: 40}},
		{[]string{"west"}, msgs.Jog{Axis: "azimuth", Steps: defaultJogSteps}},
		{[]string{"east", "3"}, msgs.Jog{Axis: "azimuth", Steps: -3}},
	}
	for _, tc := range testCases {
		cmd, err := ParseJog(tc.args)
		require.NoError(t, err, "%v", tc.args)
		require.Equal(t, msgs.KindJog, cmd.Kind())
		require.Equal(t, tc.jog, *cmd.Jog)
	}

	for _, args := range [][]string{nil, {"roll", "1"}, {"az"}, {"az", "0"}, {"west", "x"}} {
		_, err := ParseJog(args)
		require.Error(t, err, "%v", args)
	}
}

func TestParseUpdate(t *testing.T) {
	cmd, err := ParseUpdate([]string{"1.4.0", "http://images/t.bin", "20000", digest})
	require.NoError(t, err)
	require.Equal(t, &msgs.UpdateFirmware{
		Version: "1.4.0",
		URI:     "http://images/t.bin",
		Size:    20000,
		Digest:  digest,
	}, cmd.UpdateFirmware)

	data, err := cmd.Encode()
	require.NoError(t, err)
	back, err := msgs.DecodeCommand(data)
	require.NoError(t, err)
	require.Equal(t, cmd.UpdateFirmware, back.UpdateFirmware)

	testCases := [][]string{
		{"1.4.0", "http://images/t.bin", "20000"},
		{"1.4", "http://images/t.bin", "20000", digest},
		{"1.4.0", "http://images/t.bin", "-1", digest},
		{"1.4.0", "http://images/t.bin", "20000", "abc"},
	}
	for _, args := range testCases {
		_, err := ParseUpdate(args)
		require.Error(t, err, "%v", args)
	}
}
