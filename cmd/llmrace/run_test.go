package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/llmrace/pkg/config"
	"github.com/pario-ai/llmrace/pkg/history"
	"github.com/pario-ai/llmrace/pkg/models"
)

func TestReadPrompt(t *testing.T) {
	got, err := readPrompt("  hello  ", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	got, err = readPrompt("", "-", strings.NewReader("from stdin\n"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", got)

	path := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte("from file"), 0o600))
	got, err = readPrompt("", path, nil)
	require.NoError(t, err)
	assert.Equal(t, "from file", got)

	_, err = readPrompt("   ", "", nil)
	assert.Error(t, err)

	_, err = readPrompt("", filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)
}

func TestRecordSurvivesCancelledContext(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	started := time.Now().UTC()
	run := &models.Run{
		ID:         "interrupted-run",
		Mode:       models.ModeSingle,
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
		Results: []models.ModelResult{
			{Model: "gpt-4o", Status: models.StatusFailed, StartedAt: started, Duration: time.Second, Error: "context canceled"},
		},
		Summary: models.RunSummary{FailureCount: 1},
	}
	require.NoError(t, record(ctx, dbPath, run))

	store, err := history.New(dbPath)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	runs, err := store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "interrupted-run", runs[0].ID)
}

func TestRequestFlagOverrides(t *testing.T) {
	cfg := config.Default()
	cfg.Request.SystemPrompt = "be brief"

	var opts runOptions
	cmd := &cobra.Command{Use: "run"}
	opts.bind(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"-m", "a", "-m", "b", "--max-tokens", "64", "--stream"}))

	req := opts.request(cmd, cfg)
	assert.Equal(t, []string{"a", "b"}, req.Models)
	assert.True(t, req.Stream)
	assert.Equal(t, 64, req.Params.MaxTokens)
	assert.Equal(t, cfg.Request.Temperature, req.Params.Temperature)
	assert.Equal(t, "be brief", req.SystemPrompt)
}

func TestRequestUsesConfigWithoutFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Request.Stream = true

	var opts runOptions
	cmd := &cobra.Command{Use: "run"}
	opts.bind(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"-m", "a"}))

	req := opts.request(cmd, cfg)
	assert.True(t, req.Stream)
	assert.Equal(t, cfg.Request.MaxTokens, req.Params.MaxTokens)
}
