package cli

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/fmueller/whisperd/internal/logging"
	"github.com/fmueller/whisperd/internal/platform"
	"go.uber.org/zap"
)

func mapLookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := env[key]
		return value, ok
	}
}

func noGPU(context.Context, string, ...string) (string, error) {
	return "", errors.New("nvidia-smi: executable file not found in $PATH")
}

// newTestApp returns app state that never touches the real environment,
// dotenv files, GPUs or the whisper engine.
func newTestApp(env map[string]string) *appState {
	app := newAppState()
	app.envFiles = nil
	app.lookupEnv = mapLookup(env)
	app.newLogger = func(logging.Options) (*zap.Logger, error) { return zap.NewNop(), nil }
	app.probe = platform.CommandRunner(noGPU)
	return app
}

func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()
	return runAppCommand(t, newTestApp(nil), args)
}

func runAppCommand(t *testing.T, app *appState, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	cmd := newRootCmd(app)
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)

	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}
