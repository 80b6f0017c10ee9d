package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args against an isolated config and
// resets every flag afterwards, since cobra commands are package globals.
func execute(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	if configPath != "" {
		args = append([]string{"--config", configPath}, args...)
	}
	cmd.SetArgs(args)
	t.Cleanup(func() {
		resetFlags(cmd)
		cmd.SetOut(nil)
		cmd.SetErr(nil)
	})
	err := cmd.Execute()
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// writeConfig creates a config file whose data directory is a temp dir.
func writeConfig(t *testing.T, extra map[string]any) (string, string) {
	t.Helper()
	dir := t.TempDir()
	raw := map[string]any{"data_dir": dir}
	for k, v := range extra {
		raw[k] = v
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	path := filepath.Join(dir, "relay.json")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path, dir
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, err := execute(t, "", "--version")
		require.NoError(t, err)
		assert.Contains(t, out, "relay version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		out, err := execute(t, "", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "Relay")
		assert.Contains(t, out, "messaging gateway")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "", logLevelFlag.DefValue)
	})

	t.Run("subcommands", func(t *testing.T) {
		names := []string{}
		for _, c := range GetRootCmd().Commands() {
			names = append(names, c.Name())
		}
		for _, want := range []string{"start", "stop", "status", "connections", "version"} {
			assert.Contains(t, names, want)
		}
	})
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "relay "+GetVersion()))
}

func TestLoadConfig_LogLevelOverride(t *testing.T) {
	path, dir := writeConfig(t, map[string]any{"logging": map[string]any{"level": "warn"}})

	cfgFile = path
	t.Cleanup(func() { cfgFile, logLevel = "", "" })

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "warn", cfg.Logging.Level)

	logLevel = "debug"
	cfg, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestGetVersion(t *testing.T) {
	assert.True(t, strings.HasPrefix(GetVersion(), "0."))
}
