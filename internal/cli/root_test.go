package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "ledger", cmd.Use)
	assert.Contains(t, cmd.Long, "step ledger")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"workflow", "create"},
		{"workflow", "show"},
		{"workflow", "start"},
		{"workflow", "complete"},
		{"workflow", "fail"},
		{"workflow", "pause"},
		{"step", "run"},
		{"step", "list"},
		{"step", "reset"},
		{"counter", "incr"},
		{"counter", "total"},
		{"counter", "admit"},
		{"counter", "release"},
		{"credits", "consume"},
		{"sweep"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "backend", "db"} {
		flag := cmd.PersistentFlags().Lookup(name)
		require.NotNil(t, flag, name)
		assert.Empty(t, flag.DefValue)
	}
}

func TestStepRunFlags(t *testing.T) {
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"step", "run"})
	require.NoError(t, err)

	for _, name := range []string{"input", "output", "error"} {
		assert.NotNil(t, runCmd.Flags().Lookup(name), name)
	}
}

func TestSweepFlags(t *testing.T) {
	cmd := NewRootCommand()
	sweepCmd, _, err := cmd.Find([]string{"sweep"})
	require.NoError(t, err)

	staleFlag := sweepCmd.Flags().Lookup("stale-after")
	require.NotNil(t, staleFlag)
	assert.Equal(t, "0s", staleFlag.DefValue)

	onceFlag := sweepCmd.Flags().Lookup("once")
	require.NotNil(t, onceFlag)
	assert.Equal(t, "false", onceFlag.DefValue)
}

func TestBackendNames(t *testing.T) {
	assert.Equal(t, []string{"memory", "postgres", "redis", "sqlite"}, BackendNames())
}

func TestIsValidFormat(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))
	assert.False(t, isValidFormat("yaml"))
}
