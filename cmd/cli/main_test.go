package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/cohortflow/internal/cli"
)

func TestRun_InvalidConfig(t *testing.T) {
	t.Parallel()

	invalidHCL := `
		step "cohort" "A" {
			tool = "sh"
		// Missing closing brace here
	`
	tempDir := t.TempDir()
	filePath := filepath.Join(tempDir, "main.hcl")
	require.NoError(t, os.WriteFile(filePath, []byte(invalidHCL), 0600))

	out := &bytes.Buffer{}
	err := run(context.Background(), out, []string{"-run", "R1", "-workdir", t.TempDir(), filePath})

	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to load configuration")
	require.Contains(t, err.Error(), "failed to parse")
}

func TestRun_ShouldExit(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	err := run(context.Background(), out, []string{"-h"})

	require.NoError(t, err, "run() should return a nil error when shouldExit is true")
	require.Contains(t, out.String(), "Usage:")
}

func TestRun_ParseError(t *testing.T) {
	t.Parallel()

	out := &bytes.Buffer{}
	err := run(context.Background(), out, []string{"--this-is-not-a-valid-flag"})

	require.Error(t, err)
	require.Contains(t, err.Error(), "flag provided but not defined: -this-is-not-a-valid-flag")
}

func TestRun_ExitCodeReflectsRunState(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files := map[string]string{
		"pipeline.hcl": `
backend "here" {
  type = "local"
}

tool "sh" {
  backend = "here"
  command = "/bin/sh"
}

run {
  metadata = "cohorts.yaml"
}

step "cohort" "check" {
  tool = "sh"
  args = ["-c", "test \"$1\" != bad", "check", cohort.name]
}
`,
		"cohorts.yaml": `
runs:
  R1:
    cohorts:
      - name: good
      - name: bad
`,
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}

	out := &bytes.Buffer{}
	err := run(context.Background(), out, []string{"-run", "R1", "-workdir", filepath.Join(dir, "work"), "-log-level", "error", dir})

	var exitErr *cli.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, cli.ExitCompletedWithFailures, exitErr.Code)
	require.Contains(t, exitErr.Message, "bad")
}
