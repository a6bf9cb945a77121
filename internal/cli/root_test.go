package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootCommandRegistersCoreSubcommands(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()

	names := make([]string, 0, len(cmd.Commands()))
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	require.Subset(t, names, []string{"serve", "setup", "devices", "version"})

	require.NotNil(t, cmd.PersistentFlags().Lookup("model"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("model-dir"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("env-file"))
	require.Equal(t, "large-v3", cmd.PersistentFlags().Lookup("model").DefValue)
	require.Equal(t, "[.env]", cmd.PersistentFlags().Lookup("env-file").DefValue)

	require.Equal(t, "8821", cmd.Flags().Lookup("port").DefValue)
	require.Equal(t, "0.0.0.0", cmd.Flags().Lookup("host").DefValue)
	require.Equal(t, "30", cmd.Flags().Lookup("chunk-length").DefValue)
	require.Equal(t, "true", cmd.Flags().Lookup("auto-download").DefValue)
	require.Equal(t, "false", cmd.Flags().Lookup("force-cpu").DefValue)
}

func TestRootHelpParsesSuccessfully(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"--help"})

	err := cmd.Execute()
	require.NoError(t, err)
	require.Contains(t, out.String(), "serve")
	require.Contains(t, out.String(), "setup")
	require.Contains(t, out.String(), "devices")
}

func TestSubcommandHelpParsesSuccessfully(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		args     []string
		contains string
	}{
		{name: "serve", args: []string{"serve", "--help"}, contains: "Load the model and serve the transcription API"},
		{name: "setup", args: []string{"setup", "--help"}, contains: "Download a named Whisper model into the model directory"},
		{name: "devices", args: []string{"devices", "--help"}, contains: "Show the compute device"},
		{name: "version", args: []string{"version", "--help"}, contains: "Print the version number"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cmd := NewRootCmd()
			out := new(bytes.Buffer)
			cmd.SetOut(out)
			cmd.SetErr(out)
			cmd.SetArgs(tt.args)

			err := cmd.Execute()
			require.NoError(t, err)
			require.Contains(t, out.String(), tt.contains)
		})
	}
}

func TestPrepareFlagsOverrideEnvironment(t *testing.T) {
	t.Parallel()

	app := newTestApp(map[string]string{
		"ASR_MODEL":      "small",
		"SERVER_PORT":    "9000",
		"CHUNK_LENGTH_S": "20",
		"FORCE_CPU":      "true",
	})
	cmd := newRootCmd(app)
	require.NoError(t, cmd.ParseFlags([]string{"--port", "9100", "--model", "base"}))
	require.NoError(t, app.prepare(cmd.Flags()))

	require.Equal(t, "base", app.cfg.Model)
	require.Equal(t, 9100, app.cfg.Port)
	require.Equal(t, 20, app.cfg.ChunkLengthS)
	require.True(t, app.cfg.ForceCPU)
	require.NotNil(t, app.logger)
}

func TestPrepareRejectsInvalidConfiguration(t *testing.T) {
	t.Parallel()

	app := newTestApp(map[string]string{"SERVER_PORT": "http"})
	cmd := newRootCmd(app)
	require.NoError(t, cmd.ParseFlags(nil))
	require.ErrorContains(t, app.prepare(cmd.Flags()), "SERVER_PORT must be an integer")

	app = newTestApp(nil)
	cmd = newRootCmd(app)
	require.NoError(t, cmd.ParseFlags([]string{"--chunk-length", "0"}))
	require.ErrorContains(t, app.prepare(cmd.Flags()), "chunk length must be > 0")
}
