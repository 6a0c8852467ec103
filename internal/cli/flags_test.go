package cli

import (
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"
)

func newParser(t *testing.T, c *CLI) *kong.Kong {
	t.Helper()
	parser, err := kong.New(c, kong.Vars{"config_format": "ndjson", "config_store": ""})
	require.NoError(t, err)
	return parser
}

// Flag names and aliases are part of the scripting surface.
func TestSimulateFlagsParse(t *testing.T) {
	var c CLI
	_, err := newParser(t, &c).Parse([]string{
		"-f", "text",
		"--store", "sqlite:///tmp/tabtrail.db",
		"simulate",
		"-n", "5",
		"-d", "10s",
		"-i", "100ms",
		"-u", "user-7",
		"--script", "ga=503,429",
		"--always", "mixpanel=500",
		"--close-leader", "3s",
		"--heartbeat", "2s",
		"--seed", "42",
	})
	require.NoError(t, err)

	require.Equal(t, "text", c.Format)
	require.Equal(t, "sqlite:///tmp/tabtrail.db", c.Store)
	require.Equal(t, 5, c.Simulate.Tabs)
	require.Equal(t, "10s", c.Simulate.Duration)
	require.Equal(t, "100ms", c.Simulate.Interval)
	require.Equal(t, "user-7", c.Simulate.UserID)
	require.Equal(t, []string{"ga=503,429"}, c.Simulate.Script)
	require.Equal(t, []string{"mixpanel=500"}, c.Simulate.Always)
	require.Equal(t, "3s", c.Simulate.CloseLeader)
	require.Equal(t, "2s", c.Simulate.Heartbeat)
	require.Equal(t, uint64(42), c.Simulate.Seed)
}

func TestSimulateDefaults(t *testing.T) {
	var c CLI
	_, err := newParser(t, &c).Parse([]string{"simulate"})
	require.NoError(t, err)
	require.Equal(t, "ndjson", c.Format)
	require.Equal(t, 3, c.Simulate.Tabs)
	require.Equal(t, "30s", c.Simulate.Duration)
	require.Equal(t, "10s", c.Simulate.Heartbeat)
}

func TestSubcommandParse(t *testing.T) {
	t.Run("backlog clear takes an integration", func(t *testing.T) {
		var c CLI
		_, err := newParser(t, &c).Parse([]string{"backlog", "clear", "ga"})
		require.NoError(t, err)
		require.Equal(t, "ga", c.Backlog.Clear.Integration)
	})

	t.Run("collector scripts", func(t *testing.T) {
		var c CLI
		_, err := newParser(t, &c).Parse([]string{"collector", "-l", "127.0.0.1:9999", "--always", "a=500"})
		require.NoError(t, err)
		require.Equal(t, "127.0.0.1:9999", c.Collector.Addr)
		require.Equal(t, []string{"a=500"}, c.Collector.Always)
	})

	t.Run("rejects unknown format", func(t *testing.T) {
		var c CLI
		_, err := newParser(t, &c).Parse([]string{"-f", "yaml", "status"})
		require.Error(t, err)
	})
}
