package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{
		"serve", "run", "run-all", "continuous", "worker", "enqueue",
		"status", "migrate", "seed", "recheck", "merge",
	}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "toolscout", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)

	for _, name := range []string{"continuous", "no-worker"} {
		f := serveCmd.Flags().Lookup(name)
		require.NotNil(t, f, "serve should have --%s", name)
		assert.Equal(t, "false", f.DefValue)
	}
}

func TestRunCommand_Flags(t *testing.T) {
	require.NotNil(t, runCmd.Flags().Lookup("force"))
	require.NotNil(t, runCmd.Flags().Lookup("platforms"))
	assert.Error(t, runCmd.Args(runCmd, nil), "run needs a term")
	assert.NoError(t, runCmd.Args(runCmd, []string{"outreach.io"}))
}

func TestContinuousCommand_Flags(t *testing.T) {
	flag := continuousCmd.Flags().Lookup("interval")
	require.NotNil(t, flag)
	assert.Equal(t, "0s", flag.DefValue)
}

func TestEnqueueCommand_Flags(t *testing.T) {
	for _, name := range []string{"term", "company", "title", "description", "format", "path", "tool", "company-id", "urgent", "priority", "id"} {
		assert.NotNil(t, enqueueCmd.Flags().Lookup(name), "enqueue should have --%s", name)
	}
	assert.Equal(t, "xlsx", enqueueCmd.Flags().Lookup("format").DefValue)
}

func TestAdminCommand_Flags(t *testing.T) {
	assert.NotNil(t, seedCmd.Flags().Lookup("file"))
	assert.NotNil(t, recheckCmd.Flags().Lookup("limit"))
	assert.NotNil(t, mergeCmd.Flags().Lookup("keep"))
	assert.NotNil(t, mergeCmd.Flags().Lookup("dup"))
	assert.NotNil(t, statusCmd.Flags().ShorthandLookup("v"))
}
