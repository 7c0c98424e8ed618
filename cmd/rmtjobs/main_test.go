package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	cfg := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("log:\n  level: disabled\n"), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--config", cfg))
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		reportFormat, creatorID, tipID = "markdown", "", ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRun_EmptyMemoryStore(t *testing.T) {
	out, err := execute(t, "run")
	require.NoError(t, err)

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 0.0, res["TipsEvaluated"])
	assert.Equal(t, 0.0, res["CreatorsScored"])
}

func TestScore_UnratedCreator(t *testing.T) {
	out, err := execute(t, "score", "--creator", "nobody")
	require.NoError(t, err)
	assert.JSONEq(t, `{"creator_id":"nobody","status":"unrated"}`, out)
}

func TestReport(t *testing.T) {
	out, err := execute(t, "report")
	require.NoError(t, err)
	assert.Contains(t, out, "# Creator Leaderboard")
	assert.Contains(t, out, "No rated creators.")

	_, err = execute(t, "report", "--format", "pdf")
	assert.ErrorContains(t, err, "unknown format")
}

func TestMigrate_NothingToDo(t *testing.T) {
	_, err := execute(t, "migrate")
	assert.ErrorContains(t, err, "nothing to migrate")
}
