package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skipper-release/skipper/internal/domain"
)

const logManifest = `kind: Application
metadata:
  name: log
spec:
  resource: docker:springcloud/log:${log.version}
  version: "${log.version}"
  deploymentProperties:
    recording.fail: "${fail:-false}"
`

func writeWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"packages/log/1.0.0/manifest.yaml": logManifest,
		"packages/log/1.0.0/values.yaml":   "log:\n  version: \"1.0\"\n",
		"packages/log/1.1.0/manifest.yaml": logManifest,
		"packages/log/1.1.0/values.yaml":   "log:\n  version: \"1.1\"\n",
		"skipper.yaml": fmt.Sprintf(`database: %s
log:
  level: error
packages:
  root: %s
platforms:
  - name: default
    type: recording
`, filepath.Join(dir, "skipper.db"), filepath.Join(dir, "packages")),
	}
	for path, body := range files {
		full := filepath.Join(dir, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(body), 0o644))
	}
	return filepath.Join(dir, "skipper.yaml")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	logOutput = io.Discard
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCLI_ReleaseLifecycle(t *testing.T) {
	cfg := writeWorkspace(t)

	out, err := run(t, "--config", cfg, "install", "ticker", "--package", "log", "--version", "1.0.0")
	require.NoError(t, err)
	assert.Contains(t, out, "DEPLOYED")
	assert.Contains(t, out, domain.AllDeployedMessage)

	out, err = run(t, "--config", cfg, "upgrade", "ticker", "--version", "1.1.0")
	require.NoError(t, err)
	assert.Contains(t, out, "log@1.1.0")

	out, err = run(t, "--config", cfg, "history", "ticker")
	require.NoError(t, err)
	assert.Contains(t, out, "DELETED")
	assert.Contains(t, out, "DEPLOYED")

	_, err = run(t, "--config", cfg, "install", "ticker", "--package", "log", "--version", "1.0.0")
	require.Error(t, err)
	assert.Equal(t, 4, exitCode(err))

	out, err = run(t, "--config", cfg, "delete", "ticker")
	require.NoError(t, err)
	assert.Contains(t, out, "DELETED")

	_, err = run(t, "--config", cfg, "status", "nope")
	require.Error(t, err)
	assert.Equal(t, 3, exitCode(err))
}

func TestCLI_FailedInstallReturnsError(t *testing.T) {
	cfg := writeWorkspace(t)

	out, err := run(t, "--config", cfg, "install", "broken", "--package", "log", "--version", "1.0.0", "--set", "fail=true")
	require.Error(t, err)
	assert.Contains(t, out, "FAILED")
}

func TestCLI_ConfigDefault(t *testing.T) {
	out, err := run(t, "config", "default")
	require.NoError(t, err)
	assert.Contains(t, out, "engine: sync")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, exitCode(fmt.Errorf("bad: %w", domain.ErrInvalidVersion)))
	assert.Equal(t, 1, exitCode(io.EOF))
}
