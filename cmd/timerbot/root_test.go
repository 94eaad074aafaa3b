package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "timerbot dev"))
}

func TestCheckPreviewsTrigger(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("scheduler:\n  enabled: true\n  spec: 30s\n"), 0o600))

	out, err := run(t, "check", "-c", p, "-n", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "scan trigger: @every 30s")
	assert.Equal(t, 3, strings.Count(out, "\n  "))
}

func TestCheckRejectsBadConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("scheduler:\n  overlap: queue\n"), 0o600))

	_, err := run(t, "check", "-c", p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.overlap")
}
