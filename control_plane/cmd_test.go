package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	for _, k := range []string{"FWFORGE_CONFIG", "FWFORGE_POSTGRES_DSN", "FWFORGE_REDIS_ADDR", "FWFORGE_BAMBOO_BASE_URL"} {
		t.Setenv(k, "")
	}
	var out, errOut bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fwforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "fwforge dev\n", out)
}

func TestMigrateRequiresDSN(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: error\n")
	_, err := runCLI(t, "migrate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres.dsn is required")
}

func TestServeRequiresBambooURL(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: error\n")
	_, err := runCLI(t, "serve", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bamboo.baseUrl is required")
}

func TestInvalidConfigRejected(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  maxConcurrentBuilds: 0\n")
	_, err := runCLI(t, "migrate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxConcurrentBuilds")
}
